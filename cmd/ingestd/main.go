package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tickerwell/ingest/internal/config"
	"github.com/tickerwell/ingest/internal/fetch"
	"github.com/tickerwell/ingest/internal/fetch/csvfeed"
	"github.com/tickerwell/ingest/internal/ingest"
	"github.com/tickerwell/ingest/internal/manifest"
	"github.com/tickerwell/ingest/internal/orchestrator"
	"github.com/tickerwell/ingest/internal/platform/sqlite"
	barsrepo "github.com/tickerwell/ingest/internal/repository/bars"
	batchrepo "github.com/tickerwell/ingest/internal/repository/batches"
	"github.com/tickerwell/ingest/internal/server"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Root context: cancelled on SIGINT/SIGTERM so in-flight batch workers
	// stop promptly during graceful shutdown.
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	barsRepo := barsrepo.NewRepository(db.DB)
	batchesRepo := batchrepo.NewRepository(db.DB)

	// Manifest: durable across restarts, recovers to empty on corruption.
	tracker := manifest.Load(cfg.Manifest.Path)
	slog.Info("manifest loaded", "path", cfg.Manifest.Path, "entries", tracker.Len())

	registry := fetch.NewRegistry()
	if cfg.Feed.BaseURL != "" {
		var adapter fetch.Adapter = csvfeed.New(cfg.Feed.Name, cfg.Feed.BaseURL)
		if cfg.Feed.Retries > 0 {
			adapter = fetch.WithRetry(adapter, uint64(cfg.Feed.Retries), cfg.Feed.RetryBase())
		}
		registry.Register(adapter)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
		JitterMin:      cfg.Orchestrator.JitterMin(),
		JitterMax:      cfg.Orchestrator.JitterMax(),
		FetchTimeout:   cfg.Orchestrator.FetchTimeout(),
	}, barsRepo, nil)
	if err != nil {
		slog.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	var scanner *ingest.Scanner
	if cfg.Imports.Dir != "" {
		scanner = ingest.NewScanner(tracker, barsRepo, cfg.Imports.Table, cfg.Imports.Workers, nil)

		// Initial scan so artifacts dropped while the process was down are
		// picked up without waiting for an API call.
		go func() {
			if _, err := scanner.ScanDir(rootCtx, cfg.Imports.Dir); err != nil {
				slog.Error("initial artifact scan failed", "error", err)
			}
		}()
	}

	srv := server.New(rootCtx, cfg.Server.Port, server.Deps{
		Registry:     registry,
		Orchestrator: orch,
		Store:        barsRepo,
		Batches:      batchesRepo,
		Scanner:      scanner,
		ImportsDir:   cfg.Imports.Dir,
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("server started", "port", cfg.Server.Port)
	<-done

	// Cancel root context first so in-flight requests (and their fetch
	// workers) begin winding down immediately.
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}
