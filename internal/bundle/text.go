// Package bundle turns a parsed document into a single self-contained HTML
// payload and hands payloads to a blob store.
package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/yuanying/epub2bundle/internal/converter"
	"github.com/yuanying/epub2bundle/internal/position"
)

// ErrEmptyDocument is returned for nil or canceled documents.
var ErrEmptyDocument = errors.New("bundle: document is empty or canceled")

// MetaElementID is the id of the JSON metadata block inside a text bundle.
const MetaElementID = "epub-bundle-meta"

// baseCSS lays chapters out as one scrolling column.
const baseCSS = `html, body { margin: 0; padding: 0; }
body { max-width: 48em; margin: 0 auto; padding: 1em; line-height: 1.6; }
.epub-chapter { display: block; margin-bottom: 3em; }
.epub-chapter img, .epub-chapter svg { max-width: 100%; height: auto; }
.epub-toc ol { list-style: none; padding-left: 1.2em; }`

// restoreScript scrolls to the initial reading position once the document
// has laid out.
const restoreScript = `(function () {
  var el = document.getElementById("` + MetaElementID + `");
  if (!el) { return; }
  var meta = JSON.parse(el.textContent);
  var pct = (meta.initialPosition && meta.initialPosition.percentage) || 0;
  window.addEventListener("load", function () {
    var extent = document.documentElement.scrollHeight - window.innerHeight;
    if (extent > 0 && pct > 0) { window.scrollTo(0, extent * pct / 100); }
  });
})();`

// Options configures a Packager. Zero values select the defaults.
type Options struct {
	Title           string // Overrides the document title
	TOCTitle        string // Heading of the inline TOC
	OmitTOC         bool
	InitialPosition position.ReadingPosition
	Logger          *zap.Logger
}

// Meta is the JSON metadata embedded in a text bundle.
type Meta struct {
	Title           string                   `json:"title"`
	Creator         string                   `json:"creator,omitempty"`
	Language        string                   `json:"language,omitempty"`
	Publisher       string                   `json:"publisher,omitempty"`
	Identifier      string                   `json:"identifier,omitempty"`
	Spine           []string                 `json:"spine"`
	Chapters        []ChapterMeta            `json:"chapters"`
	TOC             []converter.TOCEntry     `json:"toc"`
	InitialPosition position.ReadingPosition `json:"initialPosition"`
	Cover           string                   `json:"cover,omitempty"` // data URI
	Unresolved      []string                 `json:"unresolvedImages,omitempty"`
}

// ChapterMeta is one row of the chapter table in Meta.
type ChapterMeta struct {
	ID     string  `json:"id"`
	Href   string  `json:"href"`
	Anchor string  `json:"anchor"`
	Title  string  `json:"title,omitempty"`
	Start  float64 `json:"start"`
	Weight int     `json:"weight"`
}

// TextBundle is the output of Package.
type TextBundle struct {
	HTML string
	Meta Meta
}

// Packager renders parsed documents into text bundles.
type Packager struct {
	opts   Options
	logger *zap.Logger
}

// NewPackager creates a Packager.
func NewPackager(opts Options) *Packager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TOCTitle == "" {
		opts.TOCTitle = "Table of Contents"
	}
	return &Packager{opts: opts, logger: logger}
}

// Package renders doc into one HTML document that needs no external
// fetches: processed chapters, inlined styles, an inline TOC, a JSON
// metadata block and a position restore script.
func (p *Packager) Package(ctx context.Context, doc *converter.Document) (*TextBundle, error) {
	if doc == nil || doc.Canceled {
		return nil, ErrEmptyDocument
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := p.meta(doc)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle metadata: %w", err)
	}

	var b strings.Builder
	b.Grow(len(doc.HTML) + len(doc.Styles) + len(metaJSON) + 2048)

	b.WriteString("<!DOCTYPE html>\n<html")
	if meta.Language != "" {
		fmt.Fprintf(&b, ` lang="%s"`, html.EscapeString(meta.Language))
	}
	b.WriteString(">\n<head>\n")
	b.WriteString(`<meta charset="utf-8"/>` + "\n")
	b.WriteString(`<meta name="viewport" content="width=device-width, initial-scale=1"/>` + "\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", html.EscapeString(meta.Title))
	fmt.Fprintf(&b, "<style id=\"epub-bundle-base\">\n%s\n</style>\n", baseCSS)
	if doc.Styles != "" {
		fmt.Fprintf(&b, "<style id=\"epub-bundle-styles\">\n%s\n</style>\n", doc.Styles)
	}
	b.WriteString("</head>\n<body>\n")

	if !p.opts.OmitTOC {
		if toc := converter.RenderTOC(p.opts.TOCTitle, doc.TOC); toc != "" {
			b.WriteString(toc)
			b.WriteString("\n")
		}
	}
	b.WriteString(`<main id="epub-content">` + "\n")
	b.WriteString(doc.HTML)
	b.WriteString("\n</main>\n")

	// encoding/json escapes <, > and & so the payload cannot close the element.
	fmt.Fprintf(&b, "<script type=\"application/json\" id=\"%s\">%s</script>\n", MetaElementID, metaJSON)
	fmt.Fprintf(&b, "<script>\n%s\n</script>\n", restoreScript)
	b.WriteString("</body>\n</html>\n")

	p.logger.Debug("packaged text bundle",
		zap.String("title", meta.Title),
		zap.Int("chapters", len(meta.Chapters)),
		zap.Int("size", b.Len()))
	return &TextBundle{HTML: b.String(), Meta: meta}, nil
}

func (p *Packager) meta(doc *converter.Document) Meta {
	md := doc.Metadata
	m := Meta{
		Title:      md.Title,
		Creator:    md.Creator,
		Language:   md.Language,
		Publisher:  md.Publisher,
		Identifier: md.Identifier,
		Spine:      doc.Spine,
		Chapters:   make([]ChapterMeta, 0, len(doc.Chapters)),
		TOC:        doc.TOC,
		Unresolved: doc.Unresolved,
	}
	if p.opts.Title != "" {
		m.Title = p.opts.Title
	}
	if m.Title == "" {
		m.Title = "Untitled"
	}
	if m.Spine == nil {
		m.Spine = []string{}
	}
	if m.TOC == nil {
		m.TOC = []converter.TOCEntry{}
	}

	tracker := doc.Tracker
	if tracker == nil {
		tracker = position.NewTracker(nil)
	}
	for i, ch := range doc.Chapters {
		m.Chapters = append(m.Chapters, ChapterMeta{
			ID:     ch.ID,
			Href:   ch.Href,
			Anchor: ch.Anchor(),
			Title:  ch.Title,
			Start:  tracker.ChapterStart(i),
			Weight: ch.Weight(),
		})
	}

	m.InitialPosition = p.opts.InitialPosition
	if m.InitialPosition.Percentage == 0 && m.InitialPosition.ChapterID != "" {
		if start, ok := tracker.ChapterStartByID(m.InitialPosition.ChapterID); ok {
			m.InitialPosition.Percentage = start
		} else {
			p.logger.Warn("initial chapter not in document",
				zap.String("id", m.InitialPosition.ChapterID))
		}
	}

	if cover, ok := doc.Cover(); ok {
		m.Cover = cover.DataURI
	}
	return m
}
