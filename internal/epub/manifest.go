package epub

import (
	"net/url"
	"path"
	"strings"
)

// Manifest is a read-only id index over manifest items in document order.
type Manifest struct {
	items    []ManifestItem
	byID     map[string]int
	basePath string
}

// NewManifest indexes items. When an id repeats, the first declaration wins.
func NewManifest(items []ManifestItem, basePath string) *Manifest {
	m := &Manifest{
		items:    make([]ManifestItem, 0, len(items)),
		byID:     make(map[string]int, len(items)),
		basePath: basePath,
	}
	for _, item := range items {
		if _, dup := m.byID[item.ID]; dup {
			continue
		}
		m.byID[item.ID] = len(m.items)
		m.items = append(m.items, item)
	}
	return m
}

// Get returns the item with the given id.
func (m *Manifest) Get(id string) (ManifestItem, bool) {
	if m == nil {
		return ManifestItem{}, false
	}
	i, ok := m.byID[id]
	if !ok {
		return ManifestItem{}, false
	}
	return m.items[i], true
}

// Items returns the items in document order. Callers must not modify the slice.
func (m *Manifest) Items() []ManifestItem {
	if m == nil {
		return nil
	}
	return m.items
}

// Len returns the number of indexed items.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.items)
}

// BasePath returns the package document directory.
func (m *Manifest) BasePath() string {
	if m == nil {
		return ""
	}
	return m.basePath
}

// ResolveHref joins href with the base path into an archive path.
// Percent-escapes are decoded so the result matches nav targets, chapter
// links and image keys, which are all unescaped.
func (m *Manifest) ResolveHref(href string) string {
	href, _, _ = strings.Cut(href, "#")
	href = unescapePath(href)
	if strings.HasPrefix(href, "/") {
		return path.Clean(strings.TrimPrefix(href, "/"))
	}
	return path.Clean(path.Join(m.BasePath(), href))
}

// ByPath finds the item whose resolved href equals the archive path p.
func (m *Manifest) ByPath(p string) (ManifestItem, bool) {
	p = path.Clean(normalizePath(unescapePath(p)))
	for _, item := range m.Items() {
		if m.ResolveHref(item.Href) == p {
			return item, true
		}
	}
	return ManifestItem{}, false
}

func unescapePath(p string) string {
	if unescaped, err := url.PathUnescape(p); err == nil {
		return unescaped
	}
	return p
}
