package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tickerwell/ingest/internal/market"
)

// Adapter retrieves raw records for one identifier over a date range. Each
// implementation is source-specific; the orchestrator only depends on this
// contract.
type Adapter interface {
	Source() string
	Fetch(ctx context.Context, identifier string, from, to time.Time) ([]market.Record, error)
}

type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindRateLimit ErrorKind = "rate_limit"
	KindTimeout   ErrorKind = "timeout"
	KindUnknownID ErrorKind = "unknown_identifier"
)

// Error is a typed fetch failure. Network, rate-limit and timeout errors are
// transient; an unknown identifier is permanent.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies an adapter error. Context deadline and cancellation are
// mapped before typed errors so a timed-out call never reads as a network
// failure.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		var fe *Error
		if errors.As(err, &fe) {
			return fe.Kind
		}
		return KindNetwork
	}
}

// Transient reports whether the failure is worth retrying.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimit, KindTimeout:
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Source()] = a
}

func (r *Registry) Get(source string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	if !ok {
		return nil, fmt.Errorf("adapter not found for source: %s", source)
	}
	return a, nil
}

func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sources := make([]string, 0, len(r.adapters))
	for src := range r.adapters {
		sources = append(sources, src)
	}
	return sources
}
