package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yuanying/epub2bundle/internal/bundle"
	"github.com/yuanying/epub2bundle/internal/config"
	"github.com/yuanying/epub2bundle/internal/converter"
	"github.com/yuanying/epub2bundle/internal/position"
	"github.com/yuanying/epub2bundle/internal/store"
)

var errCanceled = errors.New("canceled")

// bundleOptions are the resolved inputs of the bundle command.
type bundleOptions struct {
	InputPath  string
	OutputPath string
	Key        string
	NoStore    bool
	Packager   bundle.Options
}

// pageOptions are the resolved inputs of the pages command.
type pageOptions struct {
	TemplatePath string
	OutputPath   string
	Key          string
	Title        string
	BaseURL      string
	NoStore      bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "epub2bundle",
		Short: "Turn EPUB books into self-contained offline HTML bundles",
		Long: `epub2bundle parses EPUB ebooks into a single HTML document with
inlined images and styles, an inline table of contents and reading
position metadata, and stores the result in a local bundle database.

It also inlines the page images of bitmap-page documents.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "TOML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().String("log-format", "", "Log format: console or json (overrides config)")
	root.PersistentFlags().String("store", "", "Bundle database path (overrides config)")

	root.AddCommand(newBundleCmd(), newPagesCmd(), newInspectCmd(), newListCmd())
	return root
}

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle <book.epub>",
		Short: "Package an EPUB into an offline text bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			opts, err := readBundleOptions(cmd, args, cfg)
			if err != nil {
				return err
			}
			opts.Packager.Logger = logger
			return runBundle(cmd.Context(), cfg, opts, logger)
		},
	}
	cmd.Flags().StringP("output", "o", "", "Also write the bundle to this file")
	cmd.Flags().String("key", "", "Store key (default: random UUID)")
	cmd.Flags().Bool("no-store", false, "Do not write to the bundle database")
	cmd.Flags().String("title", "", "Override the book title")
	cmd.Flags().Bool("no-toc", false, "Omit the inline table of contents")
	cmd.Flags().Int("max-image-width", -1, "Downscale images wider than this (0 keeps original sizes)")
	cmd.Flags().String("chapter", "", "Initial reading position: chapter manifest id")
	cmd.Flags().Float64("percent", 0, "Initial reading position: percentage 0-100")
	return cmd
}

func newPagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages <template.html>",
		Short: "Inline the page images of a bitmap-page document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			opts, err := readPageOptions(cmd, args, cfg)
			if err != nil {
				return err
			}
			return runPages(cmd.Context(), cfg, opts, logger)
		},
	}
	cmd.Flags().StringP("output", "o", "", "Also write the bundle to this file")
	cmd.Flags().String("key", "", "Store key (default: random UUID)")
	cmd.Flags().String("title", "", "Bundle title (default: template file name)")
	cmd.Flags().String("base-url", "", "Fetch page images relative to this URL (default: template directory)")
	cmd.Flags().Bool("no-store", false, "Do not write to the bundle database")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <book.epub>",
		Short: "Print metadata, spine, TOC positions and unresolved images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			doc, err := parseBook(cmd.Context(), cfg, args[0], logger)
			if err != nil {
				return err
			}
			printDocument(cmd.OutOrStdout(), doc)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List completed bundles in the bundle database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := store.OpenBolt(cfg.Store.Path, logger, bundle.Buckets()...)
			if err != nil {
				return err
			}
			defer db.Close()
			return listDownloads(cmd.OutOrStdout(), db)
		},
	}
}

// loadConfig loads the configuration file named by --config and applies the
// persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		if _, err := config.ParseLevel(v); err != nil {
			return nil, nil, fmt.Errorf("invalid --log-level %q: must be debug, info, warn, or error", v)
		}
		cfg.Logging.Level = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		v = strings.ToLower(v)
		if v != "console" && v != "json" {
			return nil, nil, fmt.Errorf("invalid --log-format %q: must be console or json", v)
		}
		cfg.Logging.Format = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Path = v
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func readBundleOptions(cmd *cobra.Command, args []string, cfg *config.Config) (bundleOptions, error) {
	opts := bundleOptions{InputPath: args[0]}
	opts.OutputPath, _ = cmd.Flags().GetString("output")
	opts.Key, _ = cmd.Flags().GetString("key")
	opts.NoStore, _ = cmd.Flags().GetBool("no-store")

	if width, _ := cmd.Flags().GetInt("max-image-width"); width >= 0 {
		cfg.Parse.MaxImageWidth = width
	} else if cmd.Flags().Changed("max-image-width") {
		return bundleOptions{}, fmt.Errorf("invalid --max-image-width %d: must be 0 or greater", width)
	}

	percent, _ := cmd.Flags().GetFloat64("percent")
	if percent < 0 || percent > 100 {
		return bundleOptions{}, fmt.Errorf("invalid --percent %g: must be between 0 and 100", percent)
	}
	chapter, _ := cmd.Flags().GetString("chapter")

	opts.Packager.Title, _ = cmd.Flags().GetString("title")
	opts.Packager.OmitTOC, _ = cmd.Flags().GetBool("no-toc")
	opts.Packager.OmitTOC = opts.Packager.OmitTOC || cfg.Bundle.OmitTOC
	opts.Packager.TOCTitle = cfg.Bundle.TOCTitle
	opts.Packager.InitialPosition = position.ReadingPosition{Percentage: percent, ChapterID: chapter}

	if opts.Key == "" {
		opts.Key = uuid.NewString()
	}
	if opts.NoStore && opts.OutputPath == "" {
		opts.OutputPath = defaultOutputPath(opts.InputPath)
	}
	return opts, nil
}

func readPageOptions(cmd *cobra.Command, args []string, cfg *config.Config) (pageOptions, error) {
	opts := pageOptions{TemplatePath: args[0]}
	opts.OutputPath, _ = cmd.Flags().GetString("output")
	opts.Key, _ = cmd.Flags().GetString("key")
	opts.Title, _ = cmd.Flags().GetString("title")
	opts.NoStore, _ = cmd.Flags().GetBool("no-store")
	opts.BaseURL, _ = cmd.Flags().GetString("base-url")

	if opts.BaseURL == "" {
		opts.BaseURL = cfg.Pages.BaseURL
	}
	if opts.BaseURL != "" && !strings.HasPrefix(opts.BaseURL, "http://") && !strings.HasPrefix(opts.BaseURL, "https://") {
		return pageOptions{}, fmt.Errorf("invalid --base-url %q: must be an http or https URL", opts.BaseURL)
	}
	if opts.Title == "" {
		base := filepath.Base(opts.TemplatePath)
		opts.Title = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if opts.Key == "" {
		opts.Key = uuid.NewString()
	}
	if opts.NoStore && opts.OutputPath == "" {
		opts.OutputPath = defaultOutputPath(opts.TemplatePath)
	}
	return opts, nil
}

// defaultOutputPath replaces the input extension with ".bundle.html".
func defaultOutputPath(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".bundle.html"
}

func parseBook(ctx context.Context, cfg *config.Config, path string, logger *zap.Logger) (*converter.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	convertOpts := cfg.ConvertOptions()
	convertOpts.Logger = logger
	doc, err := converter.NewPipeline(convertOpts).Parse(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if doc.Canceled {
		logger.Warn("interrupted", zap.String("input", path))
		return nil, errCanceled
	}
	return doc, nil
}

func runBundle(ctx context.Context, cfg *config.Config, opts bundleOptions, logger *zap.Logger) error {
	logger.Info("bundling", zap.String("input", opts.InputPath), zap.String("key", opts.Key))

	doc, err := parseBook(ctx, cfg, opts.InputPath, logger)
	if err != nil {
		return err
	}
	b, err := bundle.NewPackager(opts.Packager).Package(ctx, doc)
	if err != nil {
		return fmt.Errorf("packaging failed: %w", err)
	}
	for _, href := range b.Meta.Unresolved {
		logger.Warn("image not found in archive", zap.String("href", href))
	}

	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, []byte(b.HTML), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.OutputPath, err)
		}
		logger.Info("bundle written", zap.String("output", opts.OutputPath))
	}
	if opts.NoStore {
		return nil
	}
	return persist(ctx, cfg, bundle.TextInfo(opts.Key, b), b.HTML, logger)
}

func runPages(ctx context.Context, cfg *config.Config, opts pageOptions, logger *zap.Logger) error {
	template, err := os.ReadFile(opts.TemplatePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", opts.TemplatePath, err)
	}

	var fetcher bundle.PageFetcher = bundle.DirFetcher{Root: filepath.Dir(opts.TemplatePath)}
	if opts.BaseURL != "" {
		hf, err := bundle.NewHTTPFetcher(opts.BaseURL, cfg.Pages.RequestsPerSecond, cfg.PageTimeout())
		if err != nil {
			return err
		}
		hf.MaxBytes = cfg.MaxPageBytes()
		fetcher = hf
	}

	res, err := bundle.NewPageBundler(fetcher, bundle.PageOptions{
		BatchSize: cfg.Pages.BatchSize,
		Logger:    logger,
	}).Bundle(ctx, string(template))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("interrupted", zap.String("template", opts.TemplatePath))
			return errCanceled
		}
		return fmt.Errorf("page bundling failed: %w", err)
	}
	logger.Info("pages bundled", zap.Int("pages", res.Pages), zap.Ints("failed", res.Failed))

	if opts.OutputPath != "" {
		if err := os.WriteFile(opts.OutputPath, []byte(res.HTML), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.OutputPath, err)
		}
	}
	if opts.NoStore {
		return nil
	}
	return persist(ctx, cfg, bundle.PageInfo(opts.Key, opts.Title, res), res.HTML, logger)
}

func persist(ctx context.Context, cfg *config.Config, info bundle.BundleInfo, payload string, logger *zap.Logger) error {
	db, err := store.OpenBolt(cfg.Store.Path, logger, bundle.Buckets()...)
	if err != nil {
		return err
	}
	defer db.Close()

	rec, err := bundle.NewPersister(db, nil, logger).Persist(ctx, info, payload)
	if err != nil {
		return err
	}
	logger.Info("done", zap.String("key", rec.Key), zap.String("store", db.Path()))
	return nil
}

func printDocument(w io.Writer, doc *converter.Document) {
	md := doc.Metadata
	fmt.Fprintf(w, "Title:      %s\n", md.Title)
	fmt.Fprintf(w, "Creator:    %s\n", md.Creator)
	fmt.Fprintf(w, "Language:   %s\n", md.Language)
	fmt.Fprintf(w, "Publisher:  %s\n", md.Publisher)
	fmt.Fprintf(w, "Identifier: %s\n", md.Identifier)
	if cover, ok := doc.Cover(); ok {
		fmt.Fprintf(w, "Cover:      %s\n", cover.Href)
	}

	fmt.Fprintf(w, "\nSpine (%d):\n", len(doc.Spine))
	for _, ch := range doc.Chapters {
		start := 0.0
		if doc.Tracker != nil {
			start = doc.Tracker.ChapterStart(ch.Index)
		}
		fmt.Fprintf(w, "  %3d  %6.2f%%  %-20s %s\n", ch.Index, start, ch.ID, ch.Href)
	}

	fmt.Fprintf(w, "\nTable of contents:\n")
	printTOC(w, doc.TOC)

	if len(doc.Unresolved) > 0 {
		fmt.Fprintf(w, "\nUnresolved images (%d):\n", len(doc.Unresolved))
		for _, href := range doc.Unresolved {
			fmt.Fprintf(w, "  %s\n", href)
		}
	}
}

func printTOC(w io.Writer, entries []converter.TOCEntry) {
	for _, e := range entries {
		fmt.Fprintf(w, "%s%6.2f%%  %s\n", strings.Repeat("  ", e.Level), e.Position, e.Title)
		printTOC(w, e.Children)
	}
}

type downloadLister interface {
	ForEach(bucket string, fn func(key string, value []byte) error) error
}

func listDownloads(w io.Writer, db downloadLister) error {
	return db.ForEach(bundle.BucketDownloads, func(key string, value []byte) error {
		rec, err := bundle.DecodeDownload(value)
		if err != nil {
			return fmt.Errorf("download %s: %w", key, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			rec.Key, rec.Kind, rec.Size, rec.CompletedAt.Format("2006-01-02 15:04:05"), rec.Title)
		return nil
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
