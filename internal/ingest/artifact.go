package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tickerwell/ingest/internal/market"
)

// artifact CSV layout: header row, then
// identifier,date,open,high,low,close,volume with date as YYYY-MM-DD.
var artifactHeader = []string{"identifier", "date", "open", "high", "low", "close", "volume"}

// ReadArtifact parses one CSV artifact into records. Header order is fixed;
// a malformed row fails the whole artifact so a partial file never gets half
// ingested.
func ReadArtifact(path string) ([]market.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	return parseArtifact(f)
}

func parseArtifact(r io.Reader) ([]market.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(artifactHeader)

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, want := range artifactHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return nil, fmt.Errorf("unexpected header column %d: got %q, want %q", i, header[i], want)
		}
	}

	var records []market.Record
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rec, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRow(row []string) (market.Record, error) {
	var rec market.Record

	rec.Identifier = strings.ToUpper(strings.TrimSpace(row[0]))
	if rec.Identifier == "" {
		return rec, fmt.Errorf("empty identifier")
	}

	ts, err := time.Parse(market.DateFormat, strings.TrimSpace(row[1]))
	if err != nil {
		return rec, fmt.Errorf("bad date %q: %w", row[1], err)
	}
	rec.Timestamp = ts

	prices := []*float64{&rec.Open, &rec.High, &rec.Low, &rec.Close}
	for i, dst := range prices {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[2+i]), 64)
		if err != nil {
			return rec, fmt.Errorf("bad %s %q: %w", artifactHeader[2+i], row[2+i], err)
		}
		*dst = v
	}

	vol, err := strconv.ParseInt(strings.TrimSpace(row[6]), 10, 64)
	if err != nil {
		return rec, fmt.Errorf("bad volume %q: %w", row[6], err)
	}
	rec.Volume = vol

	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}
