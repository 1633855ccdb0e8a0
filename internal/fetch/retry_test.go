package fetch

import (
	"context"
	"testing"
	"time"

	"github.com/tickerwell/ingest/internal/market"
)

type flakyAdapter struct {
	failures int
	calls    int
	err      error
}

func (f *flakyAdapter) Source() string { return "flaky" }

func (f *flakyAdapter) Fetch(_ context.Context, id string, _, _ time.Time) ([]market.Record, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return []market.Record{{Identifier: id, Timestamp: date(1, 2), Close: 10}}, nil
}

func TestWithRetry_RecoversTransientFailure(t *testing.T) {
	inner := &flakyAdapter{failures: 2, err: NewError(KindNetwork, "connection reset", nil)}
	a := WithRetry(inner, 3, time.Millisecond)

	records, err := a.Fetch(context.Background(), "ACME", date(1, 1), date(1, 31))
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", inner.calls)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	inner := &flakyAdapter{failures: 100, err: NewError(KindRateLimit, "throttled", nil)}
	a := WithRetry(inner, 2, time.Millisecond)

	if _, err := a.Fetch(context.Background(), "ACME", date(1, 1), date(1, 31)); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", inner.calls)
	}
}

func TestWithRetry_PermanentFailureNotRetried(t *testing.T) {
	inner := &flakyAdapter{failures: 100, err: NewError(KindUnknownID, "no such symbol", nil)}
	a := WithRetry(inner, 5, time.Millisecond)

	if _, err := a.Fetch(context.Background(), "NOPE", date(1, 1), date(1, 31)); err == nil {
		t.Fatal("expected permanent failure")
	}
	if inner.calls != 1 {
		t.Errorf("expected a single call for a permanent failure, got %d", inner.calls)
	}
}

func TestWithRetry_PreservesSource(t *testing.T) {
	a := WithRetry(&flakyAdapter{}, 1, time.Millisecond)
	if a.Source() != "flaky" {
		t.Errorf("expected wrapped source name, got %s", a.Source())
	}
}
