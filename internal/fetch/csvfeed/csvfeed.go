// Package csvfeed fetches daily bars from an HTTP endpoint serving CSV, the
// simplest provider shape the ingestion core talks to. Any richer provider
// implements the same fetch.Adapter contract.
package csvfeed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tickerwell/ingest/internal/fetch"
	"github.com/tickerwell/ingest/internal/market"
)

const (
	defaultChunkDays = 90
	dateFormat       = market.DateFormat
)

type Adapter struct {
	name      string
	baseURL   string
	workers   int
	chunkDays int
	client    *http.Client
}

func New(name, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		name:      name,
		baseURL:   strings.TrimRight(baseURL, "/"),
		workers:   3,
		chunkDays: defaultChunkDays,
		client:    http.DefaultClient,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type Option func(*Adapter)

func WithWorkers(n int) Option {
	return func(a *Adapter) { a.workers = n }
}

func WithClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

func WithChunkDays(n int) Option {
	return func(a *Adapter) { a.chunkDays = n }
}

func (a *Adapter) Source() string { return a.name }

func (a *Adapter) Fetch(ctx context.Context, identifier string, from, to time.Time) ([]market.Record, error) {
	if identifier == "" {
		return nil, fetch.NewError(fetch.KindUnknownID, "identifier cannot be empty", nil)
	}
	if from.IsZero() {
		return nil, fmt.Errorf("start date cannot be empty")
	}
	if to.IsZero() {
		to = time.Now()
	}
	if from.After(to) {
		return nil, fmt.Errorf("start date cannot be after end date")
	}

	chunks := fetch.SplitDateRange(from, to, a.chunkDays)
	results := make([][]market.Record, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for i, c := range chunks {
		g.Go(func() error {
			recs, err := a.fetchChunk(ctx, identifier, c.From, c.To)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []market.Record
	for _, recs := range results {
		out = append(out, recs...)
	}
	return out, nil
}

func (a *Adapter) fetchChunk(ctx context.Context, identifier string, from, to time.Time) ([]market.Record, error) {
	q := url.Values{}
	q.Set("start", from.Format(dateFormat))
	q.Set("end", to.Format(dateFormat))
	endpoint := fmt.Sprintf("%s/bars/%s.csv?%s", a.baseURL, url.PathEscape(identifier), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fetch.NewError(fetch.KindNetwork, "request "+endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fetch.NewError(fetch.KindUnknownID, "unknown identifier "+identifier, nil)
	case http.StatusTooManyRequests:
		return nil, fetch.NewError(fetch.KindRateLimit, "rate limited by feed", nil)
	default:
		return nil, fetch.NewError(fetch.KindNetwork, fmt.Sprintf("feed returned status %d", resp.StatusCode), nil)
	}

	return parseBody(identifier, resp.Body)
}

// feed CSV layout: header row, then date,open,high,low,close,volume.
func parseBody(identifier string, r io.Reader) ([]market.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read feed header: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(header[0]), "date") {
		return nil, fmt.Errorf("unexpected feed header: %q", header[0])
	}

	var records []market.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read feed row: %w", err)
		}

		ts, err := time.Parse(dateFormat, strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("bad feed date %q: %w", row[0], err)
		}

		var prices [4]float64
		for i := range prices {
			prices[i], err = strconv.ParseFloat(strings.TrimSpace(row[1+i]), 64)
			if err != nil {
				return nil, fmt.Errorf("bad feed value %q: %w", row[1+i], err)
			}
		}

		volume, err := strconv.ParseInt(strings.TrimSpace(row[5]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad feed volume %q: %w", row[5], err)
		}

		records = append(records, market.Record{
			Identifier: identifier,
			Timestamp:  ts,
			Open:       prices[0],
			High:       prices[1],
			Low:        prices[2],
			Close:      prices[3],
			Volume:     volume,
		})
	}
	return records, nil
}
