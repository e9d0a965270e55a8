package converter

import (
	"net/url"
	"path"
	"strings"
)

// imageDirs are the directory names producers commonly put images under.
var imageDirs = []string{"images", "Images"}

// rootDirs are conventional content roots that producers sometimes omit
// from, or add to, manifest hrefs.
var rootDirs = []string{"OEBPS", "OPS"}

// ImagePathCandidates returns the ordered, de-duplicated list of archive
// paths an image manifest href may resolve to:
//
//  1. the href verbatim (and without leading slashes)
//  2. the href prefixed with the package base path
//  3. the prefixed href with ../ segments resolved
//  4. the bare filename
//  5. the bare filename under images/ and Images/, alone and under the base
//     path and each conventional root directory
//
// Paths that still escape the archive root are dropped.
func ImagePathCandidates(href, basePath string) []string {
	href = strings.TrimSpace(href)
	if i := strings.IndexAny(href, "#?"); i >= 0 {
		href = href[:i]
	}
	if href == "" {
		return nil
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	basePath = strings.Trim(basePath, "/")

	var c candidateList
	trimmed := strings.TrimLeft(href, "/")
	c.add(href)
	c.add(trimmed)
	if basePath != "" {
		c.add(basePath + "/" + trimmed)
	}
	c.add(path.Clean(path.Join(basePath, trimmed)))

	name := path.Base(trimmed)
	if name == "." || name == "/" || name == ".." {
		return c.list
	}
	c.add(name)

	roots := []string{}
	if basePath != "" {
		roots = append(roots, basePath)
	}
	roots = append(roots, rootDirs...)

	for _, dir := range imageDirs {
		c.add(dir + "/" + name)
	}
	for _, root := range roots {
		for _, dir := range imageDirs {
			c.add(root + "/" + dir + "/" + name)
		}
		c.add(root + "/" + name)
	}
	return c.list
}

// ReferenceVariants returns the keys tried against the image map for a
// reference found in chapter markup: the reference resolved against the
// chapter directory, the reference as written, the reference stripped of
// leading ./ ../ and / segments, the bare filename, and the filename under
// the common image directories.
func ReferenceVariants(ref, chapterDir string) []string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") {
		return nil
	}
	if i := strings.IndexAny(ref, "#?"); i >= 0 {
		ref = ref[:i]
	}
	if ref == "" {
		return nil
	}
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}

	var c candidateList
	if strings.HasPrefix(ref, "/") {
		c.add(path.Clean(strings.TrimLeft(ref, "/")))
	} else {
		c.add(path.Clean(path.Join(chapterDir, ref)))
	}
	c.add(ref)
	c.add(stripRelativePrefix(ref))

	name := path.Base(ref)
	if name == "." || name == "/" || name == ".." {
		return c.list
	}
	c.add(name)
	for _, dir := range imageDirs {
		c.add(dir + "/" + name)
	}
	return c.list
}

// stripRelativePrefix removes leading "./", "../" and "/" segments.
func stripRelativePrefix(p string) string {
	for {
		switch {
		case strings.HasPrefix(p, "../"):
			p = p[3:]
		case strings.HasPrefix(p, "./"):
			p = p[2:]
		case strings.HasPrefix(p, "/"):
			p = p[1:]
		default:
			return p
		}
	}
}

type candidateList struct {
	list []string
	seen map[string]bool
}

func (c *candidateList) add(p string) {
	if p == "" || p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if c.seen[p] {
		return
	}
	c.seen[p] = true
	c.list = append(c.list, p)
}
