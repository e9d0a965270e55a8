package bundle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrEmptyKey is returned by Persist when the bundle has no key.
var ErrEmptyKey = errors.New("bundle: empty key")

// Buckets of the blob store.
const (
	BucketBundles     = "bundles"      // BundleInfo records
	BucketDownloads   = "downloads"    // DownloadRecord, one per completed bundle
	BucketTextBundles = "text-bundles" // text bundle payloads
	BucketPageBundles = "page-bundles" // bitmap-page bundle payloads
)

// Buckets lists every bucket a store must provide.
func Buckets() []string {
	return []string{BucketBundles, BucketDownloads, BucketTextBundles, BucketPageBundles}
}

// Kind names a bundle variant.
type Kind string

const (
	KindText  Kind = "text"
	KindPages Kind = "pages"
)

// Bucket returns the payload bucket of a variant.
func (k Kind) Bucket() string {
	if k == KindPages {
		return BucketPageBundles
	}
	return BucketTextBundles
}

// BlobStore is the external key-value store bundles are written to.
type BlobStore interface {
	Put(bucket, key string, value []byte) error
}

// BundleInfo describes a stored bundle.
type BundleInfo struct {
	Key        string    `json:"key"`
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title"`
	Creator    string    `json:"creator,omitempty"`
	Language   string    `json:"language,omitempty"`
	Chapters   int       `json:"chapters,omitempty"`
	Pages      int       `json:"pages,omitempty"`
	Size       int       `json:"size"`
	Unresolved int       `json:"unresolvedImages,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DownloadRecord marks a bundle as completely stored.
type DownloadRecord struct {
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Kind        Kind      `json:"kind"`
	Size        int       `json:"size"`
	CompletedAt time.Time `json:"completedAt"`
}

// Persister writes bundles to a BlobStore.
type Persister struct {
	store  BlobStore
	now    func() time.Time
	logger *zap.Logger
}

// NewPersister creates a Persister. now defaults to time.Now.
func NewPersister(store BlobStore, now func() time.Time, logger *zap.Logger) *Persister {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{store: store, now: now, logger: logger}
}

// Persist stores payload under info.Key in the variant bucket, then the
// bundle record, then the download record. Each write is attempted once;
// the first failure is returned and later writes are skipped, so a
// download record exists only for a fully stored bundle.
func (p *Persister) Persist(ctx context.Context, info BundleInfo, payload string) (DownloadRecord, error) {
	if info.Key == "" {
		return DownloadRecord{}, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return DownloadRecord{}, err
	}
	if info.Kind == "" {
		info.Kind = KindText
	}
	now := p.now().UTC()
	info.Size = len(payload)
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}

	if err := p.store.Put(info.Kind.Bucket(), info.Key, []byte(payload)); err != nil {
		return DownloadRecord{}, fmt.Errorf("failed to store %s bundle %s: %w", info.Kind, info.Key, err)
	}

	infoJSON, err := json.Marshal(info)
	if err != nil {
		return DownloadRecord{}, fmt.Errorf("failed to encode bundle info: %w", err)
	}
	if err := p.store.Put(BucketBundles, info.Key, infoJSON); err != nil {
		return DownloadRecord{}, fmt.Errorf("failed to store bundle info %s: %w", info.Key, err)
	}

	rec := DownloadRecord{
		Key:         info.Key,
		Title:       info.Title,
		Kind:        info.Kind,
		Size:        info.Size,
		CompletedAt: now,
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return DownloadRecord{}, fmt.Errorf("failed to encode download record: %w", err)
	}
	if err := p.store.Put(BucketDownloads, info.Key, recJSON); err != nil {
		return DownloadRecord{}, fmt.Errorf("failed to store download record %s: %w", info.Key, err)
	}

	p.logger.Info("bundle stored",
		zap.String("key", info.Key), zap.String("kind", string(info.Kind)), zap.Int("size", info.Size))
	return rec, nil
}

// TextInfo builds the BundleInfo of a text bundle.
func TextInfo(key string, b *TextBundle) BundleInfo {
	return BundleInfo{
		Key:        key,
		Kind:       KindText,
		Title:      b.Meta.Title,
		Creator:    b.Meta.Creator,
		Language:   b.Meta.Language,
		Chapters:   len(b.Meta.Chapters),
		Unresolved: len(b.Meta.Unresolved),
	}
}

// PageInfo builds the BundleInfo of a bitmap-page bundle.
func PageInfo(key, title string, r *PageResult) BundleInfo {
	return BundleInfo{
		Key:   key,
		Kind:  KindPages,
		Title: title,
		Pages: r.Pages,
	}
}

// DecodeDownload parses a stored download record.
func DecodeDownload(data []byte) (DownloadRecord, error) {
	var rec DownloadRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DownloadRecord{}, fmt.Errorf("invalid download record: %w", err)
	}
	return rec, nil
}
