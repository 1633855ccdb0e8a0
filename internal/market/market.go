package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DateFormat = "2006-01-02"

// Record is a single daily bar for one identifier. The (Identifier, Timestamp)
// pair is the natural key; everything else is payload and may be overwritten
// by a later fetch of the same key.
type Record struct {
	Identifier string             `json:"identifier"`
	Timestamp  time.Time          `json:"timestamp"`
	Open       float64            `json:"open"`
	High       float64            `json:"high"`
	Low        float64            `json:"low"`
	Close      float64            `json:"close"`
	Volume     int64              `json:"volume"`
	Extras     map[string]float64 `json:"extras,omitempty"`
}

// Validate checks the required field set. Records failing validation never
// reach storage.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Identifier) == "" {
		return fmt.Errorf("record identifier is empty")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record %s has no timestamp", r.Identifier)
	}
	if r.Close == 0 && r.Open == 0 && r.High == 0 && r.Low == 0 {
		return fmt.Errorf("record %s@%s has no price fields", r.Identifier, r.Timestamp.Format(DateFormat))
	}
	return nil
}

// Key returns the composite identity used for upserts.
func (r Record) Key() string {
	return r.Identifier + "|" + r.Timestamp.Format(DateFormat)
}

// WorkItem is one unit of requested work: fetch one identifier over a date
// range. Immutable once dispatched.
type WorkItem struct {
	Identifier string    `json:"identifier"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Attempt    int       `json:"attempt"`
}

type FailureKind string

const (
	FailureNetwork    FailureKind = "network"
	FailureRateLimit  FailureKind = "rate_limit"
	FailureTimeout    FailureKind = "timeout"
	FailureUnknownID  FailureKind = "unknown_identifier"
	FailureValidation FailureKind = "validation"
	FailureStorage    FailureKind = "storage"
	FailureCanceled   FailureKind = "canceled"
)

// Failure describes why a WorkItem did not produce stored records.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeEmpty   OutcomeStatus = "empty"
	OutcomeFailure OutcomeStatus = "failure"
)

// Outcome is the terminal result of one WorkItem. Exactly one is produced per
// item per run.
type Outcome struct {
	Identifier string
	Status     OutcomeStatus
	Records    int
	Failure    *Failure
}

func Succeeded(identifier string, records int) Outcome {
	return Outcome{Identifier: identifier, Status: OutcomeSuccess, Records: records}
}

func Emptied(identifier string) Outcome {
	return Outcome{Identifier: identifier, Status: OutcomeEmpty}
}

func Failed(identifier string, kind FailureKind, message string) Outcome {
	return Outcome{Identifier: identifier, Status: OutcomeFailure, Failure: &Failure{Kind: kind, Message: message}}
}

// BatchReport accounts for every submitted identifier exactly once, split
// three ways: stored, no data in range, failed.
type BatchReport struct {
	ID        string             `json:"id"`
	Source    string             `json:"source"`
	Table     string             `json:"table"`
	Succeeded []string           `json:"succeeded"`
	Empty     []string           `json:"empty"`
	Failed    map[string]Failure `json:"failed"`
	Records   int64              `json:"records"`
	StartedAt time.Time          `json:"startedAt"`
	EndedAt   time.Time          `json:"endedAt"`
}

func NewBatchReport(source, table string) *BatchReport {
	return &BatchReport{
		ID:        uuid.NewString(),
		Source:    source,
		Table:     table,
		Succeeded: []string{},
		Empty:     []string{},
		Failed:    map[string]Failure{},
		StartedAt: time.Now().UTC(),
	}
}

// Absorb folds one outcome into the partition.
func (b *BatchReport) Absorb(o Outcome) {
	switch o.Status {
	case OutcomeSuccess:
		b.Succeeded = append(b.Succeeded, o.Identifier)
		b.Records += int64(o.Records)
	case OutcomeEmpty:
		b.Empty = append(b.Empty, o.Identifier)
	case OutcomeFailure:
		f := Failure{Kind: FailureNetwork, Message: "unknown failure"}
		if o.Failure != nil {
			f = *o.Failure
		}
		b.Failed[o.Identifier] = f
	}
}

// Total is the number of identifiers accounted for.
func (b *BatchReport) Total() int {
	return len(b.Succeeded) + len(b.Empty) + len(b.Failed)
}
