package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tickerwell/ingest/internal/manifest"
	"github.com/tickerwell/ingest/internal/store"
)

// Scanner walks a directory of CSV artifacts and ingests only the ones whose
// content fingerprint changed since the last run. The manifest is consulted
// before any parsing happens so unchanged inputs cost one hash, nothing more.
type Scanner struct {
	tracker *manifest.Tracker
	store   store.Engine
	table   string
	workers int
	logger  *slog.Logger
}

func NewScanner(tracker *manifest.Tracker, st store.Engine, table string, workers int, logger *slog.Logger) *Scanner {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		tracker: tracker,
		store:   st,
		table:   table,
		workers: workers,
		logger:  logger,
	}
}

// Summary accounts for every candidate artifact in the scanned directory.
type Summary struct {
	Processed []string          `json:"processed"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed"`
	Records   int64             `json:"records"`
}

// ScanDir processes every *.csv under dir, bounded by the configured worker
// count. Per-artifact failures are collected, not fatal; the error return is
// reserved for the directory itself being unreadable.
func (s *Scanner) ScanDir(ctx context.Context, dir string) (*Summary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read artifact dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	summary := &Summary{
		Processed: []string{},
		Skipped:   []string{},
		Failed:    map[string]string{},
	}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.workers)

	for _, path := range paths {
		g.Go(func() error {
			n, err := s.ingestOne(ctx, path)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed[path] = err.Error()
			case n < 0:
				summary.Skipped = append(summary.Skipped, path)
			default:
				summary.Processed = append(summary.Processed, path)
				summary.Records += n
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("artifact scan complete",
		"dir", dir,
		"processed", len(summary.Processed),
		"skipped", len(summary.Skipped),
		"failed", len(summary.Failed),
		"records", summary.Records,
	)
	return summary, nil
}

// ingestOne returns -1 when the artifact was skipped as unchanged.
func (s *Scanner) ingestOne(ctx context.Context, path string) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	fp, err := manifest.FingerprintFile(path)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}

	if !s.tracker.ShouldProcess(path, fp) {
		return -1, nil
	}

	records, err := ReadArtifact(path)
	if err != nil {
		return 0, fmt.Errorf("parse: %w", err)
	}

	if len(records) > 0 {
		if err := s.store.Upsert(ctx, s.table, records); err != nil {
			return 0, fmt.Errorf("upsert: %w", err)
		}
	}

	// Record only after a durable write, so a failed upsert is retried on the
	// next scan.
	if err := s.tracker.Record(path, fp); err != nil {
		return 0, fmt.Errorf("record fingerprint: %w", err)
	}

	return int64(len(records)), nil
}
