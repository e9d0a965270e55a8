package epub

import (
	"fmt"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Content summarizes a parsed XHTML content document.
type Content struct {
	Path        string   // File path
	Title       string   // <title>, else the first heading
	Stylesheets []string // Referenced CSS file paths, resolved
	ImageRefs   []string // Referenced image paths, resolved
}

// ScanContent parses an XHTML content document and collects the references
// the chapter loader needs.
// p: file path within EPUB (used for relative path resolution)
func ScanContent(p, content string) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse XHTML: %w", err)
	}

	c := &Content{
		Path:        p,
		Stylesheets: []string{},
		ImageRefs:   []string{},
	}

	c.Title = strings.Join(strings.Fields(doc.Find("title").First().Text()), " ")
	if c.Title == "" {
		c.Title = strings.Join(strings.Fields(doc.Find("h1, h2, h3").First().Text()), " ")
	}

	baseDir := BaseDir(p)

	doc.Find("link[href]").Each(func(i int, s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		if !strings.Contains(strings.ToLower(rel), "stylesheet") {
			return
		}
		href, _ := s.Attr("href")
		if resolved := ResolvePath(baseDir, href); resolved != "" {
			c.Stylesheets = append(c.Stylesheets, resolved)
		}
	})

	doc.Find("img[src]").Each(func(i int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if resolved := ResolvePath(baseDir, src); resolved != "" {
			c.ImageRefs = append(c.ImageRefs, resolved)
		}
	})

	return c, nil
}

// ResolvePath resolves a relative reference against a base directory
// baseDir: base directory (e.g., "text" for "text/chapter1.xhtml")
// ref: relative path (e.g., "../images/photo.jpg")
// returns: resolved path (e.g., "images/photo.jpg"), or "" for external and
// data references
func ResolvePath(baseDir, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.Contains(ref, "://") {
		return ""
	}
	ref, _, _ = strings.Cut(ref, "#")
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "/") {
		return path.Clean(strings.TrimPrefix(ref, "/"))
	}
	return path.Clean(path.Join(baseDir, ref))
}
