package converter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yuanying/epub2bundle/internal/batch"
	"github.com/yuanying/epub2bundle/internal/epub"
	"github.com/yuanying/epub2bundle/internal/position"
)

const (
	DefaultImageBatchSize    = 5
	DefaultChapterBatchSize  = 3
	DefaultAssembleChunkSize = 8
)

// ConvertOptions holds options for the conversion pipeline.
// Zero values select the defaults.
type ConvertOptions struct {
	ImageBatchSize    int
	ChapterBatchSize  int
	AssembleChunkSize int
	MaxImageWidth     int   // 0 keeps images at their original size
	JPEGQuality       int   // Used when a downscaled image is re-encoded
	MaxEntrySize      int64 // Per-entry decompression limit for OpenArchive
	Logger            *zap.Logger
	Yield             func() // Called between batches; nil means runtime.Gosched
}

// Document is the parsed form of a book.
type Document struct {
	Metadata       epub.Metadata
	Package        *epub.Package
	Chapters       []*Chapter
	Images         ImageMap
	ImageResources []*ImageResource
	Unresolved     []string // image hrefs that no path candidate matched
	Spine          []string // declared spine ids, in order
	Manifest       *epub.Manifest
	TOC            []TOCEntry
	Styles         string
	HTML           string // assembled chapter markup
	CoverHref      string
	Tracker        *position.Tracker
	Archive        epub.Archive

	// Canceled is set when the parse stopped because its context was done.
	// A canceled Document carries no other data.
	Canceled bool
}

// Chapter returns the loaded chapter with the given manifest id.
func (d *Document) Chapter(id string) (*Chapter, bool) {
	for _, ch := range d.Chapters {
		if ch.ID == id {
			return ch, true
		}
	}
	return nil, false
}

// Cover returns the cover image resource, if one was detected and resolved.
func (d *Document) Cover() (*ImageResource, bool) {
	if d.CoverHref == "" {
		return nil, false
	}
	return d.Images.Get(d.CoverHref)
}

// Pipeline orchestrates parsing and processing of a book.
type Pipeline struct {
	Options ConvertOptions
	logger  *zap.Logger
}

// NewPipeline creates a new conversion pipeline.
func NewPipeline(opts ConvertOptions) *Pipeline {
	if opts.ImageBatchSize <= 0 {
		opts.ImageBatchSize = DefaultImageBatchSize
	}
	if opts.ChapterBatchSize <= 0 {
		opts.ChapterBatchSize = DefaultChapterBatchSize
	}
	if opts.AssembleChunkSize <= 0 {
		opts.AssembleChunkSize = DefaultAssembleChunkSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{Options: opts, logger: logger}
}

func canceled() *Document { return &Document{Canceled: true} }

// Parse opens raw archive bytes and runs the full pipeline.
func (p *Pipeline) Parse(ctx context.Context, data []byte) (*Document, error) {
	if ctx.Err() != nil {
		return canceled(), nil
	}
	a, err := epub.OpenArchive(data)
	if err != nil {
		return nil, err
	}
	if p.Options.MaxEntrySize > 0 {
		a.SetMaxEntrySize(p.Options.MaxEntrySize)
	}
	return p.ParseArchive(ctx, a)
}

// ParseArchive runs the full pipeline over an opened archive.
//
// Container and package failures are fatal and return a nil Document.
// Entry-level failures are logged and the entry is skipped. When ctx is
// done at any batch boundary the result is an empty Document with Canceled
// set and a nil error.
func (p *Pipeline) ParseArchive(ctx context.Context, a epub.Archive) (*Document, error) {
	if ctx.Err() != nil {
		return canceled(), nil
	}
	pkg, err := p.parsePackage(a)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return canceled(), nil
	}

	images, chapters, err := p.extract(ctx, a, pkg)
	if err != nil {
		if isCancel(err) {
			return canceled(), nil
		}
		return nil, err
	}

	doc := &Document{
		Metadata:       pkg.Metadata,
		Package:        pkg,
		Chapters:       chapters,
		Images:         images.Images,
		ImageResources: images.Resources,
		Unresolved:     images.Unresolved,
		Spine:          pkg.SpineIDs(),
		Manifest:       pkg.Manifest,
		Archive:        a,
	}
	if cover := pkg.DetectCover(); cover != nil {
		if _, ok := doc.Images.Get(cover.Href); ok {
			doc.CoverHref = cover.Href
		}
	}

	if err := p.process(ctx, doc); err != nil {
		if isCancel(err) {
			return canceled(), nil
		}
		return nil, err
	}

	p.logger.Info("parsed document",
		zap.String("title", doc.Metadata.Title),
		zap.Int("spine", len(doc.Spine)),
		zap.Int("chapters", len(doc.Chapters)),
		zap.Int("images", len(doc.ImageResources)),
		zap.Int("unresolved_images", len(doc.Unresolved)))
	return doc, nil
}

// parsePackage runs the fatal stages: DRM check, container, package.
func (p *Pipeline) parsePackage(a epub.Archive) (*epub.Package, error) {
	if err := epub.CheckDRM(a); err != nil {
		return nil, err
	}
	opfPath, err := epub.ResolveContainer(a)
	if err != nil {
		return nil, err
	}
	data, err := a.ReadFile(opfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", epub.ErrMissingPackageDocument, opfPath, err)
	}
	return epub.ParsePackage(data, opfPath)
}

// extract runs the image resolver and the chapter loader side by side.
func (p *Pipeline) extract(ctx context.Context, a epub.Archive, pkg *epub.Package) (*ImageResult, []*Chapter, error) {
	var (
		images   *ImageResult
		chapters []*Chapter
		g        errgroup.Group
	)
	g.Go(func() error {
		r := NewImageResolver(a, pkg.Manifest, p.runner(p.Options.ImageBatchSize), NewImageOptimizer(p.Options), p.logger)
		var err error
		images, err = r.Resolve(ctx)
		return err
	})
	g.Go(func() error {
		l := NewChapterLoader(a, pkg, p.runner(p.Options.ChapterBatchSize), p.logger)
		var err error
		chapters, err = l.LoadAll(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return images, chapters, nil
}

// process rewrites chapters, builds the TOC and styles, and assembles the
// final markup.
func (p *Pipeline) process(ctx context.Context, doc *Document) error {
	weights := make([]position.ChapterWeight, len(doc.Chapters))
	for i, ch := range doc.Chapters {
		weights[i] = position.ChapterWeight{ID: ch.ID, Weight: ch.Weight()}
	}
	doc.Tracker = position.NewTracker(weights)

	proc := NewProcessor(doc.Images, doc.Chapters, p.logger)
	runner := p.runner(p.Options.AssembleChunkSize)
	err := runner.Run(ctx, len(doc.Chapters), func(_ context.Context, i int) {
		p.processChapter(proc, doc.Chapters[i])
	})
	if err != nil {
		return err
	}

	nav, err := epub.LoadNavigation(doc.Archive, doc.Package)
	if err != nil {
		p.logger.Warn("failed to load navigation, synthesizing from chapters", zap.Error(err))
	}
	doc.TOC = NewTOCGenerator(nav, doc.Chapters, doc.Tracker, p.logger).Build()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	doc.Styles, err = NewStyleCollector(doc.Archive, doc.Images, p.logger).Collect(ctx, doc.Chapters)
	if err != nil {
		return err
	}

	doc.HTML, err = Assemble(ctx, runner, doc.Chapters)
	return err
}

type chapterProcessor interface {
	Process(ch *Chapter) error
}

// processChapter rewrites ch. A chapter that fails to process still holds
// its share of the weight table, so it falls back to its plain text rather
// than leaving an empty section behind its TOC entry.
func (p *Pipeline) processChapter(proc chapterProcessor, ch *Chapter) {
	if err := proc.Process(ch); err != nil {
		p.logger.Warn("chapter processing failed, using plain text",
			zap.String("id", ch.ID), zap.String("href", ch.Href), zap.Error(err))
		ch.ProcessedContent = plainTextContent(ch.RawContent)
	}
}

// LoadChapter loads and processes a single chapter of a parsed document on
// demand. It returns nil when the chapter cannot be resolved or ctx is done.
func (p *Pipeline) LoadChapter(ctx context.Context, doc *Document, id string, dir Direction) *Chapter {
	if doc == nil || doc.Canceled || doc.Package == nil || doc.Archive == nil {
		return nil
	}
	ch := NewChapterLoader(doc.Archive, doc.Package, p.runner(1), p.logger).Load(ctx, id, dir)
	if ch == nil {
		return nil
	}
	if existing, ok := doc.Chapter(id); ok {
		ch.Index = existing.Index
	}
	if err := NewProcessor(doc.Images, doc.Chapters, p.logger).Process(ch); err != nil {
		p.logger.Debug("on-demand chapter processing failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	return ch
}

func (p *Pipeline) runner(size int) batch.Runner {
	return batch.Runner{Size: size, Yield: p.Options.Yield}
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
