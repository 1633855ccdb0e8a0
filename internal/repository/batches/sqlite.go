package batches

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tickerwell/ingest/internal/apperror"
	"github.com/tickerwell/ingest/internal/market"
)

// Repository keeps an audit trail of finished batch runs so callers can look
// a report up after the fact and resubmit failed identifiers.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Save(ctx context.Context, rep *market.BatchReport) error {
	detail, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode batch report: %w", err)
	}

	const query = `INSERT INTO batches
		(id, source, target_table, succeeded, empty, failed, records, report, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		rep.ID, rep.Source, rep.Table,
		len(rep.Succeeded), len(rep.Empty), len(rep.Failed),
		rep.Records,
		string(detail),
		rep.StartedAt.UTC().Format(time.RFC3339),
		rep.EndedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save batch report: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*market.BatchReport, error) {
	const query = `SELECT report FROM batches WHERE id = ?`

	var detail string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&detail)
	if err == sql.ErrNoRows {
		return nil, apperror.New(apperror.NotFound, "batch not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	rep := &market.BatchReport{}
	if err := json.Unmarshal([]byte(detail), rep); err != nil {
		return nil, fmt.Errorf("decode batch report: %w", err)
	}
	return rep, nil
}

// Summary is one row of the batch listing; the full partition stays in Get.
type Summary struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Table     string    `json:"table"`
	Succeeded int       `json:"succeeded"`
	Empty     int       `json:"empty"`
	Failed    int       `json:"failed"`
	Records   int64     `json:"records"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

func (r *Repository) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `SELECT id, source, target_table, succeeded, empty, failed, records, started_at, ended_at
		FROM batches ORDER BY started_at DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var s Summary
		var startedStr, endedStr string
		if err := rows.Scan(&s.ID, &s.Source, &s.Table, &s.Succeeded, &s.Empty, &s.Failed, &s.Records, &startedStr, &endedStr); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		s.StartedAt, err = time.Parse(time.RFC3339, startedStr)
		if err != nil {
			return nil, fmt.Errorf("parse started_at for batch %s: %w", s.ID, err)
		}
		s.EndedAt, err = time.Parse(time.RFC3339, endedStr)
		if err != nil {
			return nil, fmt.Errorf("parse ended_at for batch %s: %w", s.ID, err)
		}
		out = append(out, s)
	}

	return out, rows.Err()
}
