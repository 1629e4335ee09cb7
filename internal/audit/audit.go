// Package audit holds the append-only log of rule executions.
package audit

import (
	"context"
	"fmt"
	"time"
)

// Outcome summarizes one rule execution against one record.
type Outcome string

const (
	Success        Outcome = "success"
	PartialFailure Outcome = "partial_failure"
	Failure        Outcome = "failure"
)

// Classify derives the outcome from the actions that were due to run
// (everything not skipped by conflict resolution) and how many succeeded.
// A run with nothing due is a Success.
func Classify(due, succeeded int) Outcome {
	switch {
	case succeeded >= due:
		return Success
	case succeeded == 0:
		return Failure
	}
	return PartialFailure
}

// Step is the recorded result of one action.
type Step struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// ExecutionRecord is one audit entry: one rule fired against one record.
// It is never modified after it is written.
type ExecutionRecord struct {
	ID                  string    `json:"id"`
	RuleID              string    `json:"ruleId"`
	RuleName            string    `json:"ruleName"`
	RuleType            string    `json:"ruleType"`
	RecordID            string    `json:"recordId"`
	MatchedAt           time.Time `json:"matchedAt"`
	ConditionsEvaluated []bool    `json:"conditionsEvaluated"`
	Steps               []Step    `json:"actions"`
	ActionsAttempted    int       `json:"actionsAttempted"`
	ActionsSucceeded    int       `json:"actionsSucceeded"`
	ActionsSkipped      int       `json:"actionsSkipped"`
	Outcome             Outcome   `json:"outcome"`
	DurationMs          float64   `json:"durationMs"`
	Error               string    `json:"error,omitempty"`
}

// Query filters List results. Zero fields match everything.
type Query struct {
	RuleID   string
	RecordID string
	Outcome  Outcome
	// Limit caps the number of entries returned, newest first. Zero means 100.
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(r *ExecutionRecord) bool {
	return (q.RuleID == "" || r.RuleID == q.RuleID) &&
		(q.RecordID == "" || r.RecordID == q.RecordID) &&
		(q.Outcome == "" || r.Outcome == q.Outcome)
}

// Sink receives execution records.
type Sink interface {
	Write(ctx context.Context, rec ExecutionRecord) error
}

// Reader lists execution records.
type Reader interface {
	List(ctx context.Context, q Query) ([]ExecutionRecord, error)
}

// Log is a Sink that can be read back.
type Log interface {
	Sink
	Reader
	Close() error
}

// Open returns the log for driver: "memory" (or empty), "sqlite3" or
// "postgres".
func Open(driver, dsn string) (Log, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite3", "postgres":
		return OpenSQL(driver, dsn)
	}
	return nil, fmt.Errorf("unknown audit driver %q", driver)
}
