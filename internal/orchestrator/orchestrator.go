package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tickerwell/ingest/internal/fetch"
	"github.com/tickerwell/ingest/internal/market"
	"github.com/tickerwell/ingest/internal/store"
)

// Config bounds a batch run. Constructed once at startup and injected; there
// is no process-wide mutable state here.
type Config struct {
	MaxConcurrency int           // in-flight fetches, >= 1
	JitterMin      time.Duration // randomized pre-fetch delay lower bound
	JitterMax      time.Duration // upper bound, >= JitterMin
	FetchTimeout   time.Duration // per-fetch deadline, > 0
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 5,
		JitterMin:      0,
		JitterMax:      0,
		FetchTimeout:   30 * time.Second,
	}
}

func (c Config) validate() error {
	if c.MaxConcurrency < 1 {
		return errors.New("max concurrency must be >= 1")
	}
	if c.JitterMin < 0 || c.JitterMax < c.JitterMin {
		return errors.New("jitter bounds must satisfy 0 <= min <= max")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("fetch timeout must be > 0")
	}
	return nil
}

// Orchestrator fans a batch of work items out to a bounded pool of fetch
// workers and forwards validated results to storage. Failures stay isolated
// per item; the report accounts for every submitted identifier exactly once.
type Orchestrator struct {
	cfg    Config
	store  store.Engine
	logger *slog.Logger
}

func New(cfg Config, st store.Engine, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, store: st, logger: logger}, nil
}

// Run executes the batch against adapter, storing results under table. It
// only returns once every item has an outcome. The returned error is non-nil
// solely for batch-fatal conditions (storage backend unreachable); per-item
// failures live in the report.
func (o *Orchestrator) Run(ctx context.Context, adapter fetch.Adapter, table string, batch []market.WorkItem) (*market.BatchReport, error) {
	if !store.ValidTableName(table) {
		return nil, fmt.Errorf("run batch: %w: %q", store.ErrBadTable, table)
	}
	report := market.NewBatchReport(adapter.Source(), table)
	if len(batch) == 0 {
		report.EndedAt = time.Now().UTC()
		return report, nil
	}

	outcomes := make([]market.Outcome, len(batch))
	var backendDown atomic.Bool

	// Plain errgroup, not WithContext: workers record outcomes instead of
	// returning errors, so one item can never cancel its siblings.
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrency)

	for i, item := range batch {
		g.Go(func() error {
			outcomes[i] = o.runOne(ctx, adapter, table, item, &backendDown)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		report.Absorb(out)
	}
	report.EndedAt = time.Now().UTC()

	o.logger.Info("batch complete",
		"batch", report.ID,
		"source", report.Source,
		"table", table,
		"items", len(batch),
		"succeeded", len(report.Succeeded),
		"empty", len(report.Empty),
		"failed", len(report.Failed),
		"records", report.Records,
		"duration", report.EndedAt.Sub(report.StartedAt).String(),
	)

	if backendDown.Load() {
		return report, fmt.Errorf("run batch %s: %w", report.ID, store.ErrUnavailable)
	}
	return report, nil
}

func (o *Orchestrator) runOne(ctx context.Context, adapter fetch.Adapter, table string, item market.WorkItem, backendDown *atomic.Bool) market.Outcome {
	// Once the backend is known dead, fail remaining items fast instead of
	// burning fetch quota on results that cannot be stored.
	if backendDown.Load() {
		return market.Failed(item.Identifier, market.FailureStorage, "storage backend unavailable")
	}
	if err := o.jitter(ctx); err != nil {
		return market.Failed(item.Identifier, market.FailureCanceled, "batch canceled before dispatch")
	}

	fctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	records, err := adapter.Fetch(fctx, item.Identifier, item.From, item.To)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return market.Failed(item.Identifier, market.FailureCanceled, "batch canceled in flight")
		}
		kind := failureKind(err)
		o.logger.Warn("fetch failed",
			"source", adapter.Source(),
			"identifier", item.Identifier,
			"kind", string(kind),
			"error", err,
		)
		return market.Failed(item.Identifier, kind, err.Error())
	}

	if len(records) == 0 {
		return market.Emptied(item.Identifier)
	}

	normalized, err := normalize(item, records)
	if err != nil {
		return market.Failed(item.Identifier, market.FailureValidation, err.Error())
	}

	if err := o.store.Upsert(ctx, table, normalized); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			backendDown.Store(true)
		}
		return market.Failed(item.Identifier, market.FailureStorage, err.Error())
	}

	return market.Succeeded(item.Identifier, len(normalized))
}

// jitter sleeps a random duration inside the configured bounds. Desynchronizes
// workers hammering the same rate-limited source; not a correctness knob.
func (o *Orchestrator) jitter(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	span := o.cfg.JitterMax - o.cfg.JitterMin
	if o.cfg.JitterMax <= 0 {
		return nil
	}
	d := o.cfg.JitterMin
	if span > 0 {
		d += rand.N(span)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// normalize pins every record to the item's identifier and strips time-of-day
// so the storage key is stable, then validates the required field set.
func normalize(item market.WorkItem, records []market.Record) ([]market.Record, error) {
	out := make([]market.Record, 0, len(records))
	for _, rec := range records {
		if rec.Identifier == "" {
			rec.Identifier = item.Identifier
		}
		rec.Identifier = strings.ToUpper(strings.TrimSpace(rec.Identifier))
		if rec.Identifier != strings.ToUpper(item.Identifier) {
			return nil, fmt.Errorf("record identifier %q does not match work item %q", rec.Identifier, item.Identifier)
		}
		rec.Timestamp = rec.Timestamp.UTC().Truncate(24 * time.Hour)
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func failureKind(err error) market.FailureKind {
	switch fetch.KindOf(err) {
	case fetch.KindTimeout:
		return market.FailureTimeout
	case fetch.KindRateLimit:
		return market.FailureRateLimit
	case fetch.KindUnknownID:
		return market.FailureUnknownID
	default:
		return market.FailureNetwork
	}
}
