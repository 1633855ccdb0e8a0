package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/tickerwell/ingest/internal/market"
)

// Engine persists records keyed by (identifier, timestamp). Implementations
// must make Upsert atomic per call and safe under concurrent callers hitting
// the same table.
type Engine interface {
	// Upsert inserts or fully replaces each record by its composite key.
	// The whole batch applies in one transaction or not at all.
	Upsert(ctx context.Context, table string, records []market.Record) error

	// QueryRange returns stored records for one identifier ordered ascending
	// by timestamp. No rows is an empty slice, not an error.
	QueryRange(ctx context.Context, table, identifier string, from, to time.Time) ([]market.Record, error)
}

// ErrUnavailable marks the backend itself as unreachable. Callers treat it as
// fatal for the rest of a batch since every subsequent write will also fail.
var ErrUnavailable = errors.New("storage backend unavailable")

// ErrBadTable rejects table names outside the safe charset before they reach
// SQL text.
var ErrBadTable = errors.New("invalid table name")

var tableNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func ValidTableName(name string) bool {
	return tableNameRe.MatchString(name)
}
