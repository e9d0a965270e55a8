// Package config loads the epub2bundle TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/yuanying/epub2bundle/internal/bundle"
	"github.com/yuanying/epub2bundle/internal/converter"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the application configuration.
type Config struct {
	Parse   ParseConfig   `toml:"parse"`
	Bundle  BundleConfig  `toml:"bundle"`
	Pages   PagesConfig   `toml:"pages"`
	Store   StoreConfig   `toml:"store"`
	Logging LoggingConfig `toml:"logging"`
}

type ParseConfig struct {
	ImageBatchSize    int `toml:"image_batch_size"`
	ChapterBatchSize  int `toml:"chapter_batch_size"`
	AssembleChunkSize int `toml:"assemble_chunk_size"`
	MaxImageWidth     int `toml:"max_image_width"` // 0 keeps original sizes
	JPEGQuality       int `toml:"jpeg_quality"`
	MaxEntrySizeMB    int `toml:"max_entry_size_mb"`
}

type BundleConfig struct {
	TOCTitle string `toml:"toc_title"`
	OmitTOC  bool   `toml:"omit_toc"`
}

type PagesConfig struct {
	BaseURL           string `toml:"base_url"` // empty reads page images from the template's directory
	RequestsPerSecond int    `toml:"requests_per_second"`
	Timeout           string `toml:"timeout"` // e.g. "30s"
	BatchSize         int    `toml:"batch_size"`
	MaxPageSizeMB     int    `toml:"max_page_size_mb"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // console or json
}

// NewDefaultConfig returns the configuration used when no file is given.
func NewDefaultConfig() *Config {
	return &Config{
		Parse: ParseConfig{
			ImageBatchSize:    converter.DefaultImageBatchSize,
			ChapterBatchSize:  converter.DefaultChapterBatchSize,
			AssembleChunkSize: converter.DefaultAssembleChunkSize,
			MaxImageWidth:     0,
			JPEGQuality:       85,
			MaxEntrySizeMB:    256,
		},
		Bundle: BundleConfig{
			TOCTitle: "Table of Contents",
		},
		Pages: PagesConfig{
			RequestsPerSecond: 5,
			Timeout:           "30s",
			BatchSize:         bundle.DefaultPageBatchSize,
			MaxPageSizeMB:     bundle.DefaultMaxPageBytes >> 20,
		},
		Store: StoreConfig{
			Path: "epub2bundle.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults only.
// Priority: environment > file > defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EPUB2BUNDLE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("EPUB2BUNDLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EPUB2BUNDLE_PAGES_BASE_URL"); v != "" {
		cfg.Pages.BaseURL = v
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]int{
		"parse.image_batch_size":    c.Parse.ImageBatchSize,
		"parse.chapter_batch_size":  c.Parse.ChapterBatchSize,
		"parse.assemble_chunk_size": c.Parse.AssembleChunkSize,
		"parse.max_entry_size_mb":   c.Parse.MaxEntrySizeMB,
		"pages.batch_size":          c.Pages.BatchSize,
		"pages.max_page_size_mb":    c.Pages.MaxPageSizeMB,
	}
	for _, key := range []string{
		"parse.image_batch_size", "parse.chapter_batch_size", "parse.assemble_chunk_size",
		"parse.max_entry_size_mb", "pages.batch_size", "pages.max_page_size_mb",
	} {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	if c.Parse.MaxImageWidth < 0 {
		errs = append(errs, fmt.Errorf("parse.max_image_width must not be negative, got %d", c.Parse.MaxImageWidth))
	}
	if c.Parse.JPEGQuality < 1 || c.Parse.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("parse.jpeg_quality must be within 1-100, got %d", c.Parse.JPEGQuality))
	}
	if c.Pages.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("pages.requests_per_second must not be negative, got %d", c.Pages.RequestsPerSecond))
	}
	if _, err := time.ParseDuration(c.Pages.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("pages.timeout: %v", err))
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		errs = append(errs, errors.New("store.path must not be empty"))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// PageTimeout returns the parsed page fetch timeout.
func (c *Config) PageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Pages.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// MaxPageBytes returns the page image size limit in bytes.
func (c *Config) MaxPageBytes() int64 {
	return int64(c.Pages.MaxPageSizeMB) << 20
}

// ConvertOptions maps the parse section onto pipeline options.
func (c *Config) ConvertOptions() converter.ConvertOptions {
	return converter.ConvertOptions{
		ImageBatchSize:    c.Parse.ImageBatchSize,
		ChapterBatchSize:  c.Parse.ChapterBatchSize,
		AssembleChunkSize: c.Parse.AssembleChunkSize,
		MaxImageWidth:     c.Parse.MaxImageWidth,
		JPEGQuality:       c.Parse.JPEGQuality,
		MaxEntrySize:      int64(c.Parse.MaxEntrySizeMB) << 20,
	}
}
