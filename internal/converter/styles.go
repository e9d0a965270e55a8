package converter

import (
	"context"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/yuanying/epub2bundle/internal/epub"
)

// maxImportDepth bounds @import inlining.
const maxImportDepth = 4

// StyleCollector gathers the stylesheets of a document into one block of
// CSS with every url(...) it can resolve turned into a data URI.
type StyleCollector struct {
	archive epub.Archive
	images  ImageMap
	logger  *zap.Logger

	sheets    map[string]string // path -> inlined stylesheet text
	resources map[string]string // path -> data URI for non-image resources (fonts)
}

// NewStyleCollector creates a collector. It is not safe for concurrent use.
func NewStyleCollector(a epub.Archive, images ImageMap, logger *zap.Logger) *StyleCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StyleCollector{
		archive:   a,
		images:    images,
		logger:    logger,
		sheets:    make(map[string]string),
		resources: make(map[string]string),
	}
}

// Collect returns the CSS for chapters in reading order. A stylesheet that
// uses ID selectors is emitted once per chapter with those selectors
// namespaced to the chapter; any other stylesheet is emitted once.
// ctx is checked before each chapter's stylesheets are read.
func (c *StyleCollector) Collect(ctx context.Context, chapters []*Chapter) (string, error) {
	var parts []string
	shared := make(map[string]bool)

	for _, ch := range chapters {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		for _, p := range ch.Stylesheets {
			css, ok := c.sheet(p, 0, map[string]bool{})
			if !ok || css == "" {
				continue
			}
			if ch.Index >= 0 {
				if namespaced := namespaceIDSelectors(ch.Anchor(), css); namespaced != css {
					parts = append(parts, namespaced)
					continue
				}
			}
			if !shared[p] {
				shared[p] = true
				parts = append(parts, css)
			}
		}
		for _, inline := range ch.InlineStyles {
			css := c.inline(inline, ch.Dir(), 0, map[string]bool{})
			if ch.Index >= 0 {
				css = namespaceIDSelectors(ch.Anchor(), css)
			}
			parts = append(parts, css)
		}
	}
	return escapeStyleText(strings.Join(parts, "\n")), nil
}

func (c *StyleCollector) sheet(p string, depth int, visiting map[string]bool) (string, bool) {
	if css, ok := c.sheets[p]; ok {
		return css, true
	}
	if visiting[p] || depth > maxImportDepth {
		return "", false
	}
	visiting[p] = true
	defer delete(visiting, p)

	text, err := epub.ReadText(c.archive, p)
	if err != nil {
		c.logger.Warn("skipping stylesheet", zap.String("href", p), zap.Error(err))
		return "", false
	}
	css := c.inline(text, epub.BaseDir(p), depth, visiting)
	c.sheets[p] = css
	return css, true
}

// inline expands local @import rules and resolves url(...) references
// relative to dir.
func (c *StyleCollector) inline(css, dir string, depth int, visiting map[string]bool) string {
	css, imports := StripImports(css)
	var b strings.Builder
	for _, ref := range imports {
		target := epub.ResolvePath(dir, ref)
		if target == "" {
			continue
		}
		if imported, ok := c.sheet(target, depth+1, visiting); ok {
			b.WriteString(imported)
			b.WriteString("\n")
		}
	}
	b.WriteString(InlineCSSURLs(css, func(ref string) (string, bool) {
		return c.resolve(ref, dir)
	}))
	return b.String()
}

// resolve looks a stylesheet reference up in the image map first and then
// reads it directly from the archive (fonts and other non-image resources).
func (c *StyleCollector) resolve(ref, dir string) (string, bool) {
	if uri, ok := c.images.DataURI(ref, dir); ok {
		return uri, true
	}
	target := epub.ResolvePath(dir, ref)
	if target == "" {
		return "", false
	}
	if uri, ok := c.resources[target]; ok {
		return uri, uri != ""
	}
	data, err := c.archive.ReadFile(target)
	if err != nil {
		c.logger.Debug("unresolved stylesheet resource", zap.String("href", target), zap.Error(err))
		c.resources[target] = ""
		return "", false
	}
	uri := EncodeDataURI(resourceType(data), data)
	c.resources[target] = uri
	return uri, true
}

// resourceType picks a media type for a non-image stylesheet resource.
func resourceType(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}
