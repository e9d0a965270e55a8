package converter

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/yuanying/epub2bundle/internal/batch"
	"github.com/yuanying/epub2bundle/internal/epub"
)

// ImageResource is one resolved image. All of its logical paths share the
// same resource, so every alias yields the identical data URI.
type ImageResource struct {
	ID           string   // Manifest id
	Href         string   // Manifest href as declared
	Source       string   // Archive entry the data was read from
	LogicalPaths []string // Image map keys owned by this resource
	MediaType    string
	DataURI      string
	Size         int // Encoded payload size in bytes
}

// ImageMap maps every logical image path to its resource.
type ImageMap map[string]*ImageResource

// Get returns the resource stored under key.
func (m ImageMap) Get(key string) (*ImageResource, bool) {
	r, ok := m[key]
	return r, ok
}

// Lookup resolves a reference found in chapter markup.
// chapterDir is the archive directory of the referencing document.
func (m ImageMap) Lookup(ref, chapterDir string) (*ImageResource, bool) {
	if len(m) == 0 {
		return nil, false
	}
	for _, key := range ReferenceVariants(ref, chapterDir) {
		if r, ok := m[key]; ok {
			return r, true
		}
	}
	return nil, false
}

// DataURI is Lookup returning only the data URI.
func (m ImageMap) DataURI(ref, chapterDir string) (string, bool) {
	r, ok := m.Lookup(ref, chapterDir)
	if !ok {
		return "", false
	}
	return r.DataURI, true
}

// ImageResolver locates and encodes every image entry of a manifest.
type ImageResolver struct {
	archive   epub.Archive
	manifest  *epub.Manifest
	runner    batch.Runner
	optimizer *ImageOptimizer
	logger    *zap.Logger
}

// NewImageResolver creates a resolver. The archive and manifest are only read.
func NewImageResolver(a epub.Archive, m *epub.Manifest, runner batch.Runner, optimizer *ImageOptimizer, logger *zap.Logger) *ImageResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageResolver{
		archive:   a,
		manifest:  m,
		runner:    runner,
		optimizer: optimizer,
		logger:    logger,
	}
}

// ImageResult is the outcome of resolving a manifest's images.
type ImageResult struct {
	Images     ImageMap
	Resources  []*ImageResource // manifest order
	Unresolved []string         // hrefs no candidate matched
}

// Resolve processes image entries in batches. Entries that cannot be found
// or read are logged and skipped. Map keys are claimed in manifest order, so
// when two resources share a candidate the earlier entry keeps it.
// On cancellation the partial result is discarded and ctx.Err() is returned.
func (r *ImageResolver) Resolve(ctx context.Context) (*ImageResult, error) {
	var items []epub.ManifestItem
	for _, item := range r.manifest.Items() {
		if epub.IsImage(item.MediaType) {
			items = append(items, item)
		}
	}

	type outcome struct {
		res        *ImageResource
		candidates []string
	}
	outcomes, err := batch.Map(ctx, r.runner, items, func(ctx context.Context, item epub.ManifestItem) outcome {
		candidates := ImagePathCandidates(item.Href, r.manifest.BasePath())
		res, err := r.resolveOne(item, candidates)
		if err != nil {
			r.logger.Warn("skipping image",
				zap.String("id", item.ID),
				zap.String("href", item.Href),
				zap.Error(err))
			return outcome{candidates: candidates}
		}
		return outcome{res: res, candidates: candidates}
	})
	if err != nil {
		return nil, err
	}

	result := &ImageResult{Images: make(ImageMap)}
	for i, o := range outcomes {
		if o.res == nil {
			result.Unresolved = append(result.Unresolved, items[i].Href)
			continue
		}
		for _, key := range o.candidates {
			if _, taken := result.Images[key]; taken {
				continue
			}
			result.Images[key] = o.res
			o.res.LogicalPaths = append(o.res.LogicalPaths, key)
		}
		result.Resources = append(result.Resources, o.res)
	}
	r.logger.Debug("images resolved",
		zap.Int("resolved", len(result.Resources)),
		zap.Int("unresolved", len(result.Unresolved)),
		zap.Int("keys", len(result.Images)))
	return result, nil
}

func (r *ImageResolver) resolveOne(item epub.ManifestItem, candidates []string) (*ImageResource, error) {
	source := ""
	for _, c := range candidates {
		if r.archive.Has(c) {
			source = c
			break
		}
	}
	if source == "" {
		return nil, fmt.Errorf("no archive entry among %d candidates: %w", len(candidates), epub.ErrEntryNotFound)
	}

	data, err := r.archive.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	mediaType := detectImageType(data, item.MediaType)
	if r.optimizer.Enabled() {
		opt, err := r.optimizer.Optimize(source, mediaType, data)
		if err != nil {
			r.logger.Warn("image optimization failed, using original",
				zap.String("id", item.ID), zap.Error(err))
		} else {
			if opt.Warning != "" {
				r.logger.Debug("image passthrough", zap.String("id", item.ID), zap.String("reason", opt.Warning))
			}
			data, mediaType = opt.Data, opt.MediaType
		}
	}

	return &ImageResource{
		ID:        item.ID,
		Href:      item.Href,
		Source:    source,
		MediaType: mediaType,
		DataURI:   EncodeDataURI(mediaType, data),
		Size:      len(data),
	}, nil
}

// detectImageType sniffs the payload and falls back to the declared type
// when the bytes are not recognizably an image.
func detectImageType(data []byte, declared string) string {
	detected := mimetype.Detect(data).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	if strings.HasPrefix(detected, "image/") {
		return detected
	}
	if declared != "" {
		return declared
	}
	return "application/octet-stream"
}

// EncodeDataURI encodes data as a base64 data URI.
func EncodeDataURI(mediaType string, data []byte) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mediaType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mediaType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}
