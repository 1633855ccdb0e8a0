package fetch

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tickerwell/ingest/internal/market"
)

// retryAdapter decorates another adapter with bounded fibonacci backoff on
// transient failures. Permanent failures (unknown identifier) pass through on
// the first attempt. The orchestrator itself never retries; retry policy
// lives here so it can be composed and tested independently of fan-out.
type retryAdapter struct {
	next     Adapter
	attempts uint64
	base     time.Duration
}

// WithRetry wraps next so each Fetch is attempted up to 1+attempts times.
// A base of zero falls back to one second.
func WithRetry(next Adapter, attempts uint64, base time.Duration) Adapter {
	if base <= 0 {
		base = time.Second
	}
	return &retryAdapter{next: next, attempts: attempts, base: base}
}

func (r *retryAdapter) Source() string { return r.next.Source() }

func (r *retryAdapter) Fetch(ctx context.Context, identifier string, from, to time.Time) ([]market.Record, error) {
	var records []market.Record

	backoff := retry.WithMaxRetries(r.attempts, retry.NewFibonacci(r.base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := r.next.Fetch(ctx, identifier, from, to)
		if err != nil {
			if Transient(err) {
				slog.Warn("fetch attempt failed, retrying",
					"source", r.next.Source(),
					"identifier", identifier,
					"error", err,
				)
				return retry.RetryableError(err)
			}
			return err
		}
		records = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
