package engine

import (
	"errors"
	"fmt"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/audit"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Phase is a step of the per-record state machine.
type Phase string

const (
	PhaseReceived    Phase = "received"
	PhaseMatching    Phase = "matching"
	PhaseResolving   Phase = "resolving"
	PhaseDispatching Phase = "dispatching"
	PhaseRecorded    Phase = "recorded"
)

// EvaluationError is an unexpected failure while evaluating one rule against
// one record. The rule is skipped for that record; other rules continue.
type EvaluationError struct {
	RuleID string
	Err    error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate rule %s: %v", e.RuleID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// IsEvaluationError reports whether err is (or wraps) an *EvaluationError.
func IsEvaluationError(err error) bool {
	var ee *EvaluationError
	return errors.As(err, &ee)
}

// RuleResult describes one matching rule's execution for a record.
type RuleResult struct {
	RuleID              string           `json:"ruleId"`
	RuleName            string           `json:"ruleName"`
	Priority            int              `json:"priority"`
	ConditionsEvaluated []bool           `json:"conditionsEvaluated"`
	Actions             []action.Outcome `json:"actions,omitempty"`
	Outcome             audit.Outcome    `json:"outcome,omitempty"`
	// Deferred is set when a delay action suspended the pipeline; the
	// execution is recorded once it completes.
	Deferred bool `json:"deferred,omitempty"`
	// Throttled is set when the rule's hourly limit stopped it from firing.
	Throttled   bool    `json:"throttled,omitempty"`
	ExecutionID string  `json:"executionId,omitempty"`
	DurationMs  float64 `json:"durationMs"`
}

// Result is the outcome of processing one record. Execution failures are
// reported here, never as errors from Submit.
type Result struct {
	RecordID         string        `json:"recordId"`
	Status           record.Status `json:"status"`
	Phase            Phase         `json:"phase"`
	RulesEvaluated   int           `json:"rulesEvaluated"`
	Matched          []RuleResult  `json:"matched"`
	EvaluationErrors []string      `json:"evaluationErrors,omitempty"`
	DurationMs       float64       `json:"durationMs"`
}

// PlannedAction is one action as conflict resolution left it.
type PlannedAction struct {
	Index int             `json:"index"`
	Type  rule.ActionType `json:"type"`
	Skip  bool            `json:"skippedConflict,omitempty"`
}

// PlannedRule is a matching rule in resolved order.
type PlannedRule struct {
	RuleID              string          `json:"ruleId"`
	RuleName            string          `json:"ruleName"`
	Priority            int             `json:"priority"`
	ConditionsEvaluated []bool          `json:"conditionsEvaluated"`
	Actions             []PlannedAction `json:"actions"`
}

// Plan is a dry run: what would fire for a record, without side effects.
type Plan struct {
	RecordID         string        `json:"recordId"`
	RulesEvaluated   int           `json:"rulesEvaluated"`
	Rules            []PlannedRule `json:"rules"`
	EvaluationErrors []string      `json:"evaluationErrors,omitempty"`
}

// RescanReport summarizes one periodic re-scan.
type RescanReport struct {
	Rules      int `json:"rules"`
	Candidates int `json:"candidates"`
	Triggered  int `json:"triggered"`
	Fired      int `json:"fired"`
}
