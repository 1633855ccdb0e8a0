package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tickerwell/ingest/internal/fetch"
	"github.com/tickerwell/ingest/internal/market"
	"github.com/tickerwell/ingest/internal/platform/sqlite"
	"github.com/tickerwell/ingest/internal/repository/bars"
	"github.com/tickerwell/ingest/internal/store"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func items(ids ...string) []market.WorkItem {
	out := make([]market.WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, market.WorkItem{Identifier: id, From: day(1), To: day(31)})
	}
	return out
}

// fakeAdapter drives per-identifier behavior from a script map.
type fakeAdapter struct {
	name    string
	byID    map[string]func(ctx context.Context) ([]market.Record, error)
	inUse   atomic.Int64
	maxSeen atomic.Int64
}

func (f *fakeAdapter) Source() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeAdapter) Fetch(ctx context.Context, id string, _, _ time.Time) ([]market.Record, error) {
	cur := f.inUse.Add(1)
	defer f.inUse.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}

	if fn, ok := f.byID[id]; ok {
		return fn(ctx)
	}
	return []market.Record{{Identifier: id, Timestamp: day(2), Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10}}, nil
}

func okRecords(id string, n int) func(context.Context) ([]market.Record, error) {
	return func(context.Context) ([]market.Record, error) {
		recs := make([]market.Record, 0, n)
		for i := 0; i < n; i++ {
			recs = append(recs, market.Record{
				Identifier: id, Timestamp: day(i + 1),
				Open: 1, High: 2, Low: 0.5, Close: float64(i + 1), Volume: 100,
			})
		}
		return recs, nil
	}
}

// memStore is an in-memory store.Engine for tests that do not need SQLite.
type memStore struct {
	mu   sync.Mutex
	rows map[string]map[string]market.Record // table -> key -> record
	err  error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]map[string]market.Record)}
}

func (m *memStore) Upsert(_ context.Context, table string, records []market.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.rows[table] == nil {
		m.rows[table] = make(map[string]market.Record)
	}
	for _, rec := range records {
		m.rows[table][rec.Key()] = rec
	}
	return nil
}

func (m *memStore) QueryRange(_ context.Context, table, id string, from, to time.Time) ([]market.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []market.Record
	for _, rec := range m.rows[table] {
		if rec.Identifier == id && !rec.Timestamp.Before(from) && !rec.Timestamp.After(to) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func newOrchestrator(t *testing.T, cfg Config, st store.Engine) *Orchestrator {
	t.Helper()
	o, err := New(cfg, st, nil)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func TestRun_EmptyBatch(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig(), newMemStore())

	report, err := o.Run(context.Background(), &fakeAdapter{}, "bars_daily", nil)
	if err != nil {
		t.Fatalf("empty batch must not error: %v", err)
	}
	if report.Total() != 0 {
		t.Errorf("expected empty report, got %d outcomes", report.Total())
	}
}

func TestRun_BadTable(t *testing.T) {
	o := newOrchestrator(t, DefaultConfig(), newMemStore())

	// A bad table name is rejected whether or not the batch has items.
	for _, batch := range [][]market.WorkItem{nil, items("A")} {
		report, err := o.Run(context.Background(), &fakeAdapter{}, "Bad-Table", batch)
		if !errors.Is(err, store.ErrBadTable) {
			t.Errorf("batch of %d: err = %v, want ErrBadTable", len(batch), err)
		}
		if report != nil {
			t.Errorf("batch of %d: expected nil report", len(batch))
		}
	}
}

func TestRun_PartitionCompleteness(t *testing.T) {
	adapter := &fakeAdapter{byID: map[string]func(context.Context) ([]market.Record, error){
		"EMPTY1": func(context.Context) ([]market.Record, error) { return nil, nil },
		"FAIL1": func(context.Context) ([]market.Record, error) {
			return nil, fetch.NewError(fetch.KindNetwork, "refused", nil)
		},
		"FAIL2": func(context.Context) ([]market.Record, error) {
			return nil, fetch.NewError(fetch.KindRateLimit, "throttled", nil)
		},
	}}

	batch := items("OK1", "OK2", "EMPTY1", "FAIL1", "FAIL2", "OK3")
	o := newOrchestrator(t, DefaultConfig(), newMemStore())

	report, err := o.Run(context.Background(), adapter, "bars_daily", batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.Total() != len(batch) {
		t.Fatalf("partition does not cover batch: %d != %d", report.Total(), len(batch))
	}
	if len(report.Succeeded) != 3 {
		t.Errorf("expected 3 succeeded, got %d", len(report.Succeeded))
	}
	if len(report.Empty) != 1 {
		t.Errorf("expected 1 empty, got %d", len(report.Empty))
	}
	if len(report.Failed) != 2 {
		t.Errorf("expected 2 failed, got %d", len(report.Failed))
	}
	if report.Failed["FAIL2"].Kind != market.FailureRateLimit {
		t.Errorf("expected rate_limit kind, got %s", report.Failed["FAIL2"].Kind)
	}
}

func TestRun_FailureIsolation(t *testing.T) {
	adapter := &fakeAdapter{byID: map[string]func(context.Context) ([]market.Record, error){
		"X": func(context.Context) ([]market.Record, error) {
			return nil, fetch.NewError(fetch.KindNetwork, "boom", nil)
		},
	}}

	st := newMemStore()
	o := newOrchestrator(t, DefaultConfig(), st)

	report, err := o.Run(context.Background(), adapter, "bars_daily", items("X", "Y"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, failed := report.Failed["X"]; !failed {
		t.Error("expected X to fail")
	}
	if len(report.Succeeded) != 1 || report.Succeeded[0] != "Y" {
		t.Errorf("expected Y unaffected, got %v", report.Succeeded)
	}

	rows, _ := st.QueryRange(context.Background(), "bars_daily", "Y", day(1), day(31))
	if len(rows) == 0 {
		t.Error("expected Y's records stored despite X's failure")
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	const limit = 3
	slow := func(ctx context.Context) ([]market.Record, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []market.Record{{Timestamp: day(1), Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}}, nil
	}

	byID := make(map[string]func(context.Context) ([]market.Record, error))
	var ids []string
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("S%d", i)
		ids = append(ids, id)
		byID[id] = slow
	}
	adapter := &fakeAdapter{byID: byID}

	cfg := DefaultConfig()
	cfg.MaxConcurrency = limit
	o := newOrchestrator(t, cfg, newMemStore())

	report, err := o.Run(context.Background(), adapter, "bars_daily", items(ids...))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Total() != len(ids) {
		t.Fatalf("incomplete report: %d", report.Total())
	}
	if max := adapter.maxSeen.Load(); max > limit {
		t.Errorf("in-flight fetches exceeded limit: %d > %d", max, limit)
	}
}

func TestRun_FetchTimeout(t *testing.T) {
	adapter := &fakeAdapter{byID: map[string]func(context.Context) ([]market.Record, error){
		"SLOW": func(ctx context.Context) ([]market.Record, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}

	cfg := DefaultConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	o := newOrchestrator(t, cfg, newMemStore())

	report, err := o.Run(context.Background(), adapter, "bars_daily", items("SLOW"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed["SLOW"].Kind != market.FailureTimeout {
		t.Errorf("expected timeout failure, got %+v", report.Failed["SLOW"])
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	adapter := &fakeAdapter{byID: map[string]func(context.Context) ([]market.Record, error){
		"BAD": func(context.Context) ([]market.Record, error) {
			// Timestamp missing: fails validation, must not reach storage.
			return []market.Record{{Identifier: "BAD", Close: 1}}, nil
		},
	}}

	st := newMemStore()
	o := newOrchestrator(t, DefaultConfig(), st)

	report, err := o.Run(context.Background(), adapter, "bars_daily", items("BAD"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed["BAD"].Kind != market.FailureValidation {
		t.Errorf("expected validation failure, got %+v", report.Failed["BAD"])
	}
	if len(st.rows["bars_daily"]) != 0 {
		t.Error("invalid records must not be stored")
	}
}

func TestRun_BackendUnavailableIsBatchFatal(t *testing.T) {
	st := newMemStore()
	st.err = fmt.Errorf("upsert: %w", store.ErrUnavailable)

	o := newOrchestrator(t, DefaultConfig(), st)

	report, err := o.Run(context.Background(), &fakeAdapter{}, "bars_daily", items("A", "B", "C"))
	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected batch-fatal ErrUnavailable, got %v", err)
	}
	// Accounting still covers everything.
	if report.Total() != 3 {
		t.Errorf("expected full accounting despite fatal error, got %d", report.Total())
	}
	for id, f := range report.Failed {
		if f.Kind != market.FailureStorage {
			t.Errorf("%s: expected storage failure, got %s", id, f.Kind)
		}
	}
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once sync.Once
	adapter := &fakeAdapter{byID: map[string]func(context.Context) ([]market.Record, error){}}
	slow := func(c context.Context) ([]market.Record, error) {
		once.Do(func() { close(started) })
		<-c.Done()
		return nil, c.Err()
	}
	var ids []string
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("C%d", i)
		ids = append(ids, id)
		adapter.byID[id] = slow
	}

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 2
	o := newOrchestrator(t, cfg, newMemStore())

	go func() {
		<-started
		cancel()
	}()

	report, err := o.Run(ctx, adapter, "bars_daily", items(ids...))
	if err != nil {
		t.Fatalf("cancellation is not batch-fatal: %v", err)
	}
	if report.Total() != len(ids) {
		t.Fatalf("every item needs an outcome after cancel, got %d of %d", report.Total(), len(ids))
	}
	if len(report.Failed) != len(ids) {
		t.Errorf("expected all items failed after cancel, got %d", len(report.Failed))
	}
}

// Scenario: A returns 10 valid rows, B returns zero rows, C times out.
func TestRun_Scenario(t *testing.T) {
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := bars.NewRepository(db.DB)

	adapter := &fakeAdapter{byID: map[string]func(context.Context) ([]market.Record, error){
		"A": okRecords("A", 10),
		"B": func(context.Context) ([]market.Record, error) { return nil, nil },
		"C": func(ctx context.Context) ([]market.Record, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}}

	cfg := DefaultConfig()
	cfg.FetchTimeout = 30 * time.Millisecond
	o := newOrchestrator(t, cfg, repo)

	report, err := o.Run(context.Background(), adapter, "bars_daily", items("A", "B", "C"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(report.Succeeded) != 1 || report.Succeeded[0] != "A" {
		t.Errorf("succeeded = %v, want [A]", report.Succeeded)
	}
	if len(report.Empty) != 1 || report.Empty[0] != "B" {
		t.Errorf("empty = %v, want [B]", report.Empty)
	}
	if report.Failed["C"].Kind != market.FailureTimeout {
		t.Errorf("failed[C] = %+v, want timeout", report.Failed["C"])
	}

	rows, err := repo.QueryRange(context.Background(), "bars_daily", "A", day(1), day(31))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Errorf("expected 10 stored rows for A, got %d", len(rows))
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	bad := []Config{
		{MaxConcurrency: 0, FetchTimeout: time.Second},
		{MaxConcurrency: 1, FetchTimeout: 0},
		{MaxConcurrency: 1, FetchTimeout: time.Second, JitterMin: time.Second, JitterMax: 0},
	}
	for i, cfg := range bad {
		if _, err := New(cfg, newMemStore(), nil); err == nil {
			t.Errorf("config %d: expected error", i)
		}
	}
}
