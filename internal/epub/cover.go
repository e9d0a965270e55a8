package epub

import (
	"path"
	"strings"
)

// CoverInfo holds information about the detected cover image.
type CoverInfo struct {
	ManifestID      string
	Href            string // archive path
	MediaType       string
	DetectionMethod string // "properties", "meta", "guide", "filename"
}

// DetectCover detects the cover image from the manifest using multiple methods.
// Methods are tried in priority order:
//  1. properties="cover-image" (EPUB 3.0)
//  2. meta name="cover" (EPUB 2.0)
//  3. guide type="cover" (matched to image manifest items)
//  4. filename pattern (basename contains "cover", case-insensitive, SVG excluded)
//
// Returns nil if no cover image is found.
func (p *Package) DetectCover() *CoverInfo {
	m := p.Manifest
	info := func(item ManifestItem, method string) *CoverInfo {
		return &CoverInfo{
			ManifestID:      item.ID,
			Href:            m.ResolveHref(item.Href),
			MediaType:       item.MediaType,
			DetectionMethod: method,
		}
	}

	for _, item := range m.Items() {
		if IsImage(item.MediaType) && item.HasProperty("cover-image") {
			return info(item, "properties")
		}
	}

	if p.Metadata.CoverID != "" {
		if item, ok := m.Get(p.Metadata.CoverID); ok && IsImage(item.MediaType) {
			return info(item, "meta")
		}
	}

	for _, ref := range p.Guide {
		if !strings.EqualFold(ref.Type, "cover") {
			continue
		}
		// Guide hrefs pointing at XHTML fall through to the filename check.
		if item, ok := m.ByPath(m.ResolveHref(ref.Href)); ok && IsImage(item.MediaType) {
			return info(item, "guide")
		}
	}

	for _, item := range m.Items() {
		if !IsImage(item.MediaType) || item.MediaType == "image/svg+xml" {
			continue
		}
		if strings.Contains(strings.ToLower(path.Base(item.Href)), "cover") {
			return info(item, "filename")
		}
	}

	return nil
}

// IsImage reports whether a media type names an image resource.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}

// IsXHTML reports whether a media type names a content document.
func IsXHTML(mediaType string) bool {
	return strings.Contains(strings.ToLower(mediaType), "html")
}
