// Command savewatch badges a model gallery in Chrome and saves images with
// their generation metadata.
//
// Usage:
//
//	savewatch -config savewatch.yaml                  # watch the configured page
//	savewatch -page https://civitai.com/models/45     # watch a page with defaults
//	savewatch -mode export -file saved.json           # write the saved-records file
//	savewatch -mode import -file saved.json -merge replace
//	savewatch -mode audit -file page.html -page <url> # badge a saved page offline
//
// Imports from the command line go straight to the durable store; a running
// session picks records up through its panel or drop folder instead.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/savewatch"
	"github.com/hazyhaar/savewatch/internal/config"
	"github.com/hazyhaar/savewatch/internal/panel"
	"github.com/hazyhaar/savewatch/internal/safeio"
	"github.com/hazyhaar/savewatch/internal/store"
	"github.com/hazyhaar/savewatch/record"
)

func main() {
	configPath := flag.String("config", "", "path to savewatch.yaml")
	mode := flag.String("mode", "run", "run, export, import or audit")
	pageURL := flag.String("page", "", "gallery page URL (overrides page_url)")
	file := flag.String("file", "", "export target, import source or audit HTML")
	mergeMode := flag.String("merge", "merge", "import mode: merge or replace")
	out := flag.String("out", "", "audit: write the annotated page here")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Credentials (S3 keys, remote browser URL) may live in .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("savewatch: .env not loaded", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("savewatch: config", "error", err)
		os.Exit(1)
	}
	if *pageURL != "" {
		cfg.PageURL = *pageURL
	}

	switch *mode {
	case "run":
		err = runSession(ctx, logger, cfg)
	case "export":
		err = runExport(ctx, logger, cfg, *file)
	case "import":
		err = runImport(ctx, logger, cfg, *file, *mergeMode)
	case "audit":
		err = runAudit(ctx, logger, cfg, *file, *out)
	default:
		fmt.Fprintln(os.Stderr, "usage: savewatch -mode run|export|import|audit [-config file]")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("savewatch: fatal", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg := config.Default()
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func runSession(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	s, err := savewatch.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("savewatch: close", "error", err)
		}
	}()
	logger.Info("savewatch: started", "page", cfg.PageURL, "records", s.Store().Len(), "panel", cfg.Panel.Addr)
	return s.Run(ctx)
}

func runExport(ctx context.Context, logger *slog.Logger, cfg *config.Config, path string) error {
	st, closeStore, err := savewatch.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if path == "" {
		path = store.ExportFileName(time.Now())
	}
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		defer f.Close()
		w = f
	}
	n, err := st.Export(w)
	if err != nil {
		return err
	}
	logger.Info("savewatch: exported", "records", n, "file", path)
	return nil
}

func runImport(ctx context.Context, logger *slog.Logger, cfg *config.Config, path, modeName string) error {
	if path == "" {
		return fmt.Errorf("import: -file is required")
	}
	mode, err := record.ParseMergeMode(modeName)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	data, err := safeio.LimitedReadAll(f, panel.MaxImportBody)
	f.Close()
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}

	st, closeStore, err := savewatch.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	rep, err := st.Import(ctx, data, mode)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(rep)
}

func runAudit(ctx context.Context, logger *slog.Logger, cfg *config.Config, path, outPath string) error {
	if path == "" || cfg.PageURL == "" {
		return fmt.Errorf("audit: -file and -page are required")
	}
	st, closeStore, err := savewatch.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer in.Close()

	var out io.Writer
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("audit: %w", err)
		}
		defer f.Close()
		out = f
	}
	rep, err := savewatch.Audit(ctx, in, cfg.PageURL, st, out)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
