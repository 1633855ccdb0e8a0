package server

import (
	"strings"
	"time"

	"github.com/tickerwell/ingest/internal/apperror"
	"github.com/tickerwell/ingest/internal/market"
	"github.com/tickerwell/ingest/internal/store"
)

type BatchRequest struct {
	Source    string   `json:"source"`
	Table     string   `json:"table"`
	Symbols   []string `json:"symbols"`
	StartDate string   `json:"startDate"`
	EndDate   string   `json:"endDate"`
}

func (r BatchRequest) Validate() *apperror.AppError {
	if r.Source == "" {
		return apperror.New(apperror.BadRequest, "source is required")
	}
	if !store.ValidTableName(r.Table) {
		return apperror.New(apperror.BadRequest, "table must be lowercase letters, digits or underscores")
	}
	if len(r.Symbols) == 0 {
		return apperror.New(apperror.BadRequest, "symbols must not be empty")
	}
	for _, s := range r.Symbols {
		if strings.TrimSpace(s) == "" {
			return apperror.New(apperror.BadRequest, "symbols must not contain blanks")
		}
	}
	if _, err := time.Parse(market.DateFormat, r.StartDate); err != nil {
		return apperror.New(apperror.BadRequest, "invalid startDate, expected YYYY-MM-DD")
	}
	if r.EndDate != "" {
		end, err := time.Parse(market.DateFormat, r.EndDate)
		if err != nil {
			return apperror.New(apperror.BadRequest, "invalid endDate, expected YYYY-MM-DD")
		}
		start, _ := time.Parse(market.DateFormat, r.StartDate)
		if end.Before(start) {
			return apperror.New(apperror.BadRequest, "endDate must not be before startDate")
		}
	}
	return nil
}

// Items expands the request into work items with a shared date range.
func (r BatchRequest) Items() []market.WorkItem {
	start, _ := time.Parse(market.DateFormat, r.StartDate)
	end := time.Now().UTC().Truncate(24 * time.Hour)
	if r.EndDate != "" {
		end, _ = time.Parse(market.DateFormat, r.EndDate)
	}

	items := make([]market.WorkItem, 0, len(r.Symbols))
	seen := make(map[string]bool, len(r.Symbols))
	for _, s := range r.Symbols {
		id := strings.ToUpper(strings.TrimSpace(s))
		if seen[id] {
			continue
		}
		seen[id] = true
		items = append(items, market.WorkItem{Identifier: id, From: start, To: end})
	}
	return items
}
