package converter

import (
	"context"
	"fmt"
	"path"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/yuanying/epub2bundle/internal/batch"
	"github.com/yuanying/epub2bundle/internal/epub"
)

// Direction is the reading direction that triggered an on-demand load.
// It is carried for the caller's benefit and does not affect loading.
type Direction string

const (
	DirectionNext Direction = "next"
	DirectionPrev Direction = "prev"
)

// Chapter is one spine document.
type Chapter struct {
	ID               string   // Manifest id
	Href             string   // Manifest href as declared
	Path             string   // Archive path
	Title            string   // <title>, first heading, or file name
	Index            int      // Position in the document's chapter sequence
	Linear           bool     // spine itemref linear attribute
	RawContent       string   // Decoded source markup
	ProcessedContent string   // Body markup after rewriting
	Stylesheets      []string // Linked stylesheet archive paths
	InlineStyles     []string // <style> element contents
	BodyAttrs        map[string]string
}

// Weight approximates reading length by the raw content's character count.
func (c *Chapter) Weight() int {
	if c == nil {
		return 0
	}
	return utf8.RuneCountInString(c.RawContent)
}

// Dir returns the archive directory of the chapter document.
func (c *Chapter) Dir() string {
	return epub.BaseDir(c.Path)
}

// Anchor returns the document-wide element id of the chapter wrapper.
func (c *Chapter) Anchor() string {
	return ChapterAnchor(c.Index)
}

// ChapterAnchor returns the wrapper id for the chapter at index i.
func ChapterAnchor(i int) string {
	return fmt.Sprintf("ch%02d", i+1)
}

// ChapterLoader extracts spine documents from an archive.
type ChapterLoader struct {
	archive epub.Archive
	pkg     *epub.Package
	runner  batch.Runner
	logger  *zap.Logger
}

// NewChapterLoader creates a loader over a parsed package.
func NewChapterLoader(a epub.Archive, pkg *epub.Package, runner batch.Runner, logger *zap.Logger) *ChapterLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChapterLoader{archive: a, pkg: pkg, runner: runner, logger: logger}
}

// LoadAll loads every spine document in spine order. Entries whose manifest
// item or archive content is missing are logged and skipped; indexes are
// assigned over the chapters that loaded.
func (l *ChapterLoader) LoadAll(ctx context.Context) ([]*Chapter, error) {
	loaded, err := batch.Map(ctx, l.runner, l.pkg.Spine, func(_ context.Context, item epub.SpineItem) *Chapter {
		ch, err := l.load(item)
		if err != nil {
			l.logger.Warn("skipping chapter", zap.String("id", item.IDRef), zap.Error(err))
			return nil
		}
		return ch
	})
	if err != nil {
		return nil, err
	}

	chapters := make([]*Chapter, 0, len(loaded))
	for _, ch := range loaded {
		if ch == nil {
			continue
		}
		ch.Index = len(chapters)
		chapters = append(chapters, ch)
	}
	l.logger.Debug("chapters loaded",
		zap.Int("spine", len(l.pkg.Spine)),
		zap.Int("loaded", len(chapters)))
	return chapters, nil
}

// Load loads a single chapter by manifest id. It returns nil on any failure
// or when ctx is already done. Index is left at -1; callers that know the
// chapter's place in a document set it.
func (l *ChapterLoader) Load(ctx context.Context, id string, dir Direction) *Chapter {
	if ctx.Err() != nil {
		return nil
	}
	item := epub.SpineItem{IDRef: id, Linear: true}
	for _, s := range l.pkg.Spine {
		if s.IDRef == id {
			item = s
			break
		}
	}
	ch, err := l.load(item)
	if err != nil {
		l.logger.Debug("on-demand chapter load failed",
			zap.String("id", id),
			zap.String("direction", string(dir)),
			zap.Error(err))
		return nil
	}
	ch.Index = -1
	return ch
}

func (l *ChapterLoader) load(item epub.SpineItem) (*Chapter, error) {
	mi, ok := l.pkg.Manifest.Get(item.IDRef)
	if !ok {
		return nil, fmt.Errorf("spine item %q not found in manifest", item.IDRef)
	}
	if mi.Href == "" {
		return nil, fmt.Errorf("manifest item %q has an empty href", item.IDRef)
	}
	if !epub.IsXHTML(mi.MediaType) {
		return nil, fmt.Errorf("manifest item %q is %s, not a content document", item.IDRef, mi.MediaType)
	}

	p := l.pkg.Manifest.ResolveHref(mi.Href)
	raw, err := epub.ReadText(l.archive, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}

	ch := &Chapter{
		ID:         mi.ID,
		Href:       mi.Href,
		Path:       p,
		Linear:     item.Linear,
		RawContent: raw,
	}
	if content, err := epub.ScanContent(p, raw); err == nil {
		ch.Title = content.Title
		ch.Stylesheets = content.Stylesheets
	} else {
		l.logger.Debug("chapter scan failed", zap.String("path", p), zap.Error(err))
	}
	if ch.Title == "" {
		ch.Title = path.Base(p)
	}
	return ch, nil
}
