package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yuanying/epub2bundle/internal/batch"
	"github.com/yuanying/epub2bundle/internal/converter"
)

var (
	// ErrPageNotFound is returned when a page template has no container for
	// the requested page number.
	ErrPageNotFound = errors.New("bundle: page container not found")
	// ErrPageTooLarge is returned when a fetched page image exceeds the size limit.
	ErrPageTooLarge = errors.New("bundle: page image too large")
	// ErrOutsideRoot is returned by DirFetcher for references leaving its root.
	ErrOutsideRoot = errors.New("bundle: page reference outside root directory")
)

const (
	// DefaultPageBatchSize is the number of page images fetched concurrently.
	DefaultPageBatchSize = 5
	// DefaultMaxPageBytes caps a single fetched page image.
	DefaultMaxPageBytes = 32 << 20
)

var (
	pageIDRe = regexp.MustCompile(`^page-(\d+)$`)

	// bgImageRe matches a background-image declaration carrying a url().
	bgImageRe = regexp.MustCompile(`(background-image\s*:\s*url\(\s*)(['"]?)([^'")]*)(['"]?)(\s*\))`)

	// pageRuleRe matches a "#page-N { ... }" rule in a style block.
	pageRuleRe = regexp.MustCompile(`#page-(\d+)\s*\{[^}]*\}`)
)

// PageFetcher retrieves the raster image of a page.
type PageFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// FetchFunc adapts a function to PageFetcher.
type FetchFunc func(ctx context.Context, ref string) ([]byte, error)

// Fetch calls f(ctx, ref).
func (f FetchFunc) Fetch(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

// HTTPFetcher fetches page images over HTTP, throttled by a token bucket.
type HTTPFetcher struct {
	BaseURL  *url.URL // resolves relative references; may be nil
	Client   *http.Client
	MaxBytes int64 // response body limit; 0 means DefaultMaxPageBytes
	limiter  *rate.Limiter
}

// NewHTTPFetcher creates a fetcher allowing perSecond requests per second.
// A non-positive perSecond disables throttling.
func NewHTTPFetcher(baseURL string, perSecond int, timeout time.Duration) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: DefaultMaxPageBytes,
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	if perSecond > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
		}
		f.BaseURL = u
	}
	return f, nil
}

// Fetch implements PageFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid page reference %q: %w", ref, err)
	}
	if f.BaseURL != nil {
		u = f.BaseURL.ResolveReference(u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch %s: status %d", u, resp.StatusCode)
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxPageBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", u, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrPageTooLarge, u, limit)
	}
	return data, nil
}

// DirFetcher reads page images relative to a local directory. References
// must stay inside Root, symlinks included.
type DirFetcher struct {
	Root string
}

// Fetch implements PageFetcher.
func (f DirFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if unescaped, err := url.PathUnescape(ref); err == nil {
		ref = unescaped
	}
	name := filepath.FromSlash(ref)
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}

	root, err := os.OpenRoot(f.Root)
	if err != nil {
		return nil, err
	}
	defer root.Close()

	file, err := root.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// PageOptions configures a PageBundler.
type PageOptions struct {
	BatchSize int
	Yield     func()
	Logger    *zap.Logger
}

// PageBundler inlines the page images of a bitmap-page document. Pages are
// containers with id "page-N" whose background-image names the raster
// image, either in a style attribute or in a "#page-N" style rule.
type PageBundler struct {
	fetcher PageFetcher
	runner  batch.Runner
	logger  *zap.Logger
}

// PageResult is the output of PageBundler.Bundle.
type PageResult struct {
	HTML   string
	Pages  int   // page containers found
	Failed []int // page numbers left unmodified
}

// NewPageBundler creates a PageBundler.
func NewPageBundler(fetcher PageFetcher, opts PageOptions) *PageBundler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultPageBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageBundler{
		fetcher: fetcher,
		runner:  batch.Runner{Size: opts.BatchSize, Yield: opts.Yield},
		logger:  logger,
	}
}

type pageRef struct {
	number int
	ref    string
}

type fetchedPage struct {
	uri string
	err error
}

// Bundle fetches every page image referenced by template and splices it
// into its container as a data URI. A page whose image cannot be fetched is
// logged and left unmodified. Cancellation returns ctx.Err().
func (b *PageBundler) Bundle(ctx context.Context, template string) (*PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(template))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page template: %w", err)
	}

	pages := collectPages(doc)
	fetched, err := batch.Map(ctx, b.runner, pages, func(ctx context.Context, p pageRef) fetchedPage {
		data, err := b.fetcher.Fetch(ctx, p.ref)
		if err != nil {
			return fetchedPage{err: err}
		}
		return fetchedPage{uri: encodeImage(data)}
	})
	if err != nil {
		return nil, err
	}

	res := &PageResult{Pages: len(pages)}
	for i, p := range pages {
		if fetched[i].err != nil {
			b.logger.Warn("page image left unmodified",
				zap.Int("page", p.number), zap.String("href", p.ref), zap.Error(fetched[i].err))
			res.Failed = append(res.Failed, p.number)
			continue
		}
		if err := SplicePage(doc, p.number, fetched[i].uri); err != nil {
			return nil, err
		}
	}

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("failed to render page bundle: %w", err)
	}
	res.HTML = out
	b.logger.Debug("bundled pages", zap.Int("pages", res.Pages), zap.Int("failed", len(res.Failed)))
	return res, nil
}

// SplicePage replaces the background-image of page n with dataURI. The
// container's style attribute is tried first, then "#page-n" rules in
// style elements.
func SplicePage(doc *goquery.Document, n int, dataURI string) error {
	id := "page-" + strconv.Itoa(n)
	el := doc.Find("#" + id).First()
	if el.Length() > 0 {
		if style, ok := el.Attr("style"); ok && bgImageRe.MatchString(style) {
			el.SetAttr("style", replaceBackground(style, dataURI))
			return nil
		}
	}

	spliced := false
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		if spliced {
			return
		}
		css := s.Text()
		out := pageRuleRe.ReplaceAllStringFunc(css, func(rule string) string {
			m := pageRuleRe.FindStringSubmatch(rule)
			if spliced || m[1] != strconv.Itoa(n) || !bgImageRe.MatchString(rule) {
				return rule
			}
			spliced = true
			return replaceBackground(rule, dataURI)
		})
		if spliced {
			s.SetText(out)
		}
	})
	if !spliced {
		return fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	return nil
}

// Splice is SplicePage over serialized HTML.
func Splice(template string, n int, dataURI string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(template))
	if err != nil {
		return "", fmt.Errorf("failed to parse page template: %w", err)
	}
	if err := SplicePage(doc, n, dataURI); err != nil {
		return "", err
	}
	return doc.Html()
}

// collectPages finds page containers and their image references, ordered
// by page number. An inline style wins over a style rule.
func collectPages(doc *goquery.Document) []pageRef {
	refs := make(map[int]string)

	doc.Find(`[id^="page-"]`).Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		m := pageIDRe.FindStringSubmatch(id)
		if m == nil {
			return
		}
		style, _ := s.Attr("style")
		if bg := bgImageRe.FindStringSubmatch(style); bg != nil && bg[3] != "" {
			n, _ := strconv.Atoi(m[1])
			if _, ok := refs[n]; !ok {
				refs[n] = bg[3]
			}
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, rule := range pageRuleRe.FindAllStringSubmatch(s.Text(), -1) {
			bg := bgImageRe.FindStringSubmatch(rule[0])
			if bg == nil || bg[3] == "" {
				continue
			}
			n, _ := strconv.Atoi(rule[1])
			if _, ok := refs[n]; !ok {
				refs[n] = bg[3]
			}
		}
	})

	pages := make([]pageRef, 0, len(refs))
	for n, ref := range refs {
		if strings.HasPrefix(ref, "data:") {
			continue
		}
		pages = append(pages, pageRef{number: n, ref: ref})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].number < pages[j].number })
	return pages
}

func replaceBackground(css, dataURI string) string {
	return bgImageRe.ReplaceAllString(css, `${1}"`+strings.ReplaceAll(dataURI, "$", "$$")+`"${5}`)
}

func encodeImage(data []byte) string {
	mt := mimetype.Detect(data).String()
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return converter.EncodeDataURI(mt, data)
}
