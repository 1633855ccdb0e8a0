package bars

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tickerwell/ingest/internal/market"
	"github.com/tickerwell/ingest/internal/store"
)

const dateFormat = market.DateFormat

// Repository is the SQLite store.Engine. Writes to a single table are
// serialized behind a per-table mutex so the upsert invariant holds under
// concurrent batches; different tables write in parallel.
type Repository struct {
	db *sql.DB

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	tables map[string]bool
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:     db,
		locks:  make(map[string]*sync.Mutex),
		tables: make(map[string]bool),
	}
}

func (r *Repository) Upsert(ctx context.Context, table string, records []market.Record) error {
	if len(records) == 0 {
		return nil
	}
	if !store.ValidTableName(table) {
		return fmt.Errorf("upsert into %q: %w", table, store.ErrBadTable)
	}

	// Validate the whole batch up front: the call either fully applies or
	// fully fails, so a bad record must not leave earlier rows behind.
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("upsert into %s: %w", table, err)
		}
	}

	if err := r.ensureTable(ctx, table); err != nil {
		return err
	}

	lock := r.tableLock(table)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Sprintf("upsert into %s: begin", table), err)
	}
	defer func() { _ = tx.Rollback() }()

	const batchSize = 200

	for i := 0; i < len(records); i += batchSize {
		end := i + batchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*8)
		for j, rec := range batch {
			extras, err := encodeExtras(rec.Extras)
			if err != nil {
				return fmt.Errorf("upsert into %s: encode extras for %s: %w", table, rec.Key(), err)
			}
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				rec.Identifier,
				rec.Timestamp.Format(dateFormat),
				rec.Open, rec.High, rec.Low, rec.Close,
				rec.Volume,
				extras,
			)
		}

		query := fmt.Sprintf( //nolint:gosec // table name is charset-checked above, placeholders are not user input
			`INSERT INTO %s (identifier, date, open, high, low, close, volume, extras)
			VALUES %s
			ON CONFLICT(identifier, date) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume,
				extras = excluded.extras,
				updated_at = datetime('now')`,
			table,
			strings.Join(placeholders, ", "),
		)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return classify(fmt.Sprintf("upsert into %s", table), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Sprintf("upsert into %s: commit", table), err)
	}
	return nil
}

func (r *Repository) QueryRange(ctx context.Context, table, identifier string, from, to time.Time) ([]market.Record, error) {
	if !store.ValidTableName(table) {
		return nil, fmt.Errorf("query %q: %w", table, store.ErrBadTable)
	}
	if err := r.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf( //nolint:gosec // table name is charset-checked above
		`SELECT identifier, date, open, high, low, close, volume, extras
		FROM %s
		WHERE identifier = ? AND date >= ? AND date <= ?
		ORDER BY date ASC`,
		table,
	)

	rows, err := r.db.QueryContext(ctx, query,
		identifier,
		from.Format(dateFormat),
		to.Format(dateFormat),
	)
	if err != nil {
		return nil, classify(fmt.Sprintf("query %s", table), err)
	}
	defer func() { _ = rows.Close() }()

	records := []market.Record{}
	for rows.Next() {
		var rec market.Record
		var dateStr string
		var extras sql.NullString
		if err := rows.Scan(&rec.Identifier, &dateStr, &rec.Open, &rec.High, &rec.Low, &rec.Close, &rec.Volume, &extras); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		rec.Timestamp, err = time.Parse(dateFormat, dateStr)
		if err != nil {
			return nil, fmt.Errorf("parse date for %s in %s: %w", rec.Identifier, table, err)
		}
		if extras.Valid && extras.String != "" {
			if err := json.Unmarshal([]byte(extras.String), &rec.Extras); err != nil {
				return nil, fmt.Errorf("decode extras for %s: %w", rec.Key(), err)
			}
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ensureTable creates the fixed bar schema for table if absent. Creation is
// cached so steady-state upserts skip the DDL round trip.
func (r *Repository) ensureTable(ctx context.Context, table string) error {
	r.mu.Lock()
	known := r.tables[table]
	r.mu.Unlock()
	if known {
		return nil
	}

	ddl := fmt.Sprintf( //nolint:gosec // table name is charset-checked by callers
		`CREATE TABLE IF NOT EXISTS %s (
			identifier TEXT NOT NULL,
			date TEXT NOT NULL,
			open REAL NOT NULL DEFAULT 0,
			high REAL NOT NULL DEFAULT 0,
			low REAL NOT NULL DEFAULT 0,
			close REAL NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			extras TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (identifier, date)
		)`,
		table,
	)

	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return classify(fmt.Sprintf("create table %s", table), err)
	}

	r.mu.Lock()
	r.tables[table] = true
	r.mu.Unlock()
	return nil
}

func (r *Repository) tableLock(table string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[table]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[table] = lock
	}
	return lock
}

func encodeExtras(extras map[string]float64) (any, error) {
	if len(extras) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extras)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// classify wraps backend-down conditions with store.ErrUnavailable so the
// orchestrator can tell "this batch is doomed" from a per-item write problem.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(msg, "database is closed") {
		return fmt.Errorf("%s: %w: %v", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
