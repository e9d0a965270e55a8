package converter

import (
	"fmt"
	"html"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/yuanying/epub2bundle/internal/epub"
	"github.com/yuanying/epub2bundle/internal/position"
)

// TOCEntry is a navigation entry with a computed reading position.
type TOCEntry struct {
	Title        string     `json:"title"`
	Href         string     `json:"href"`  // In-document fragment, "#ch02" or "#ch02-sec1"
	Level        int        `json:"level"` // 1 for top-level entries
	Position     float64    `json:"position"`
	ChapterIndex int        `json:"chapter"` // -1 when the target chapter did not load
	Anchor       string     `json:"-"`
	Children     []TOCEntry `json:"children,omitempty"`
}

// TOCGenerator builds TOC entries from navigation data.
type TOCGenerator struct {
	nav      *epub.NCX
	chapters []*Chapter
	tracker  *position.Tracker
	byPath   map[string]int
	byName   map[string]int
	logger   *zap.Logger
}

// NewTOCGenerator creates a new TOCGenerator. nav may be nil.
func NewTOCGenerator(nav *epub.NCX, chapters []*Chapter, tracker *position.Tracker, logger *zap.Logger) *TOCGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &TOCGenerator{
		nav:      nav,
		chapters: chapters,
		tracker:  tracker,
		byPath:   make(map[string]int, len(chapters)),
		byName:   make(map[string]int, len(chapters)),
		logger:   logger,
	}
	for i, ch := range chapters {
		if _, ok := g.byPath[ch.Path]; !ok {
			g.byPath[ch.Path] = i
		}
		if _, ok := g.byName[path.Base(ch.Path)]; !ok {
			g.byName[path.Base(ch.Path)] = i
		}
	}
	return g
}

// Build returns the TOC. Top-level positions are the running percentage at
// the start of the chapter each entry points to, made non-decreasing in
// declared order; entries whose chapter did not load inherit the previous
// position. Without navigation one entry per chapter is synthesized.
func (g *TOCGenerator) Build() []TOCEntry {
	if g.nav == nil || len(g.nav.NavPoints) == 0 {
		return g.synthesize()
	}

	entries := make([]TOCEntry, 0, len(g.nav.NavPoints))
	prev := 0.0
	for _, np := range g.nav.NavPoints {
		entry := g.entry(np, 1)
		if entry.ChapterIndex >= 0 {
			entry.Position = max(prev, g.tracker.ChapterStart(entry.ChapterIndex))
		} else {
			entry.Position = prev
			g.logger.Debug("toc entry target not loaded",
				zap.String("title", np.Label), zap.String("href", np.ContentPath))
		}
		prev = entry.Position
		entry.Children = g.children(np.Children, 2, entry.Position)
		entries = append(entries, entry)
	}
	return entries
}

func (g *TOCGenerator) children(points []epub.NavPoint, level int, parentPos float64) []TOCEntry {
	if len(points) == 0 {
		return nil
	}
	out := make([]TOCEntry, 0, len(points))
	for _, np := range points {
		entry := g.entry(np, level)
		entry.Position = parentPos
		if entry.ChapterIndex >= 0 {
			entry.Position = g.tracker.ChapterStart(entry.ChapterIndex)
		}
		entry.Children = g.children(np.Children, level+1, entry.Position)
		out = append(out, entry)
	}
	return out
}

func (g *TOCGenerator) entry(np epub.NavPoint, level int) TOCEntry {
	e := TOCEntry{
		Title:        np.Label,
		Level:        level,
		ChapterIndex: g.chapterIndex(np.ContentPath),
		Href:         "#",
	}
	if e.ChapterIndex >= 0 {
		e.Anchor = ChapterAnchor(e.ChapterIndex)
		if frag := sanitizeFragmentForHTMLID(np.Fragment); frag != "" {
			e.Anchor += "-" + frag
		}
		e.Href = "#" + e.Anchor
		if e.Title == "" {
			e.Title = g.chapters[e.ChapterIndex].Title
		}
	}
	return e
}

func (g *TOCGenerator) chapterIndex(contentPath string) int {
	if contentPath == "" {
		return -1
	}
	p := path.Clean(contentPath)
	if i, ok := g.byPath[p]; ok {
		return i
	}
	if i, ok := g.byName[path.Base(p)]; ok {
		return i
	}
	return -1
}

func (g *TOCGenerator) synthesize() []TOCEntry {
	entries := make([]TOCEntry, 0, len(g.chapters))
	for i, ch := range g.chapters {
		title := ch.Title
		if title == "" {
			title = ch.Href
		}
		entries = append(entries, TOCEntry{
			Title:        title,
			Href:         "#" + ChapterAnchor(i),
			Level:        1,
			Position:     g.tracker.ChapterStart(i),
			ChapterIndex: i,
			Anchor:       ChapterAnchor(i),
		})
	}
	return entries
}

// RenderTOC renders entries as a nested list inside a <nav> element.
// It returns an empty string when there are no entries.
func RenderTOC(title string, entries []TOCEntry) string {
	if len(entries) == 0 {
		return ""
	}
	if title == "" {
		title = "Table of Contents"
	}
	var b strings.Builder
	b.WriteString(`<nav id="toc" class="epub-toc">`)
	fmt.Fprintf(&b, "<h1>%s</h1>", html.EscapeString(title))
	writeTOCEntries(&b, entries)
	b.WriteString("</nav>")
	return b.String()
}

// writeTOCEntries recursively writes entries as nested <ol>/<li> with links.
func writeTOCEntries(b *strings.Builder, entries []TOCEntry) {
	b.WriteString("<ol>")
	for _, e := range entries {
		fmt.Fprintf(b, `<li data-position="%.4f"><a href="%s">%s</a>`,
			e.Position, html.EscapeString(e.Href), html.EscapeString(e.Title))
		if len(e.Children) > 0 {
			writeTOCEntries(b, e.Children)
		}
		b.WriteString("</li>")
	}
	b.WriteString("</ol>")
}
