package action

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Status is what happened to one action of a pipeline.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusSkippedConflict Status = "skipped_conflict"
	StatusCancelled       Status = "cancelled"
)

// Outcome is the result of one action.
type Outcome struct {
	Index      int             `json:"index"`
	Type       rule.ActionType `json:"type"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	DurationMs float64         `json:"durationMs"`
}

// Attempted reports whether the action was run at all.
func (o Outcome) Attempted() bool {
	return o.Status == StatusSucceeded || o.Status == StatusFailed
}

// Policy is the retry and timeout policy applied to every action.
type Policy struct {
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps the wait between retries.
	MaxDelay time.Duration
	// DefaultTimeout bounds an attempt whose action has no timeoutMs.
	DefaultTimeout time.Duration
}

// DefaultPolicy is 200ms doubling backoff capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		DefaultTimeout: 5 * time.Second,
	}
}

// Job is one rule's action pipeline for one record.
type Job struct {
	Actions []rule.Action
	// Skip marks actions dropped by conflict resolution.
	Skip   []bool
	Record *record.Record
	Env    Env
}

// Run is the result of executing a pipeline, possibly only up to a delay.
type Run struct {
	Outcomes []Outcome
	// Record is the working copy with every succeeded action's effect applied.
	Record *record.Record
	// Pending is set when a delay action suspended the pipeline.
	Pending *Continuation
}

// Counts tallies the outcomes. Delay steps are pacing, not work, so they
// count as neither attempted nor succeeded.
func (r Run) Counts() (attempted, succeeded, skipped int) {
	for _, o := range r.Outcomes {
		switch {
		case o.Status == StatusSkippedConflict:
			skipped++
		case o.Type == rule.ActionDelay:
		case o.Attempted():
			attempted++
			if o.Status == StatusSucceeded {
				succeeded++
			}
		}
	}
	return attempted, succeeded, skipped
}

// Due is how many outcomes the rule's result is judged on: every step except
// conflict skips and delays.
func (r Run) Due() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status != StatusSkippedConflict && o.Type != rule.ActionDelay {
			n++
		}
	}
	return n
}

// Continuation is the remainder of a pipeline suspended by a delay action.
// Pass it to Dispatcher.Resume once Delay has elapsed.
type Continuation struct {
	Delay time.Duration

	job      Job
	next     int
	record   *record.Record
	outcomes []Outcome
}

// Remaining is the number of actions still to run.
func (c *Continuation) Remaining() int { return len(c.job.Actions) - c.next }

// Dispatcher runs action pipelines in declared order. It performs no I/O of
// its own; every side effect goes through the Env collaborators.
type Dispatcher struct {
	registry *Registry
	policy   Policy
	logger   *slog.Logger
	observe  func(ruleID string, o Outcome)
}

// NewDispatcher creates a Dispatcher. Zero policy fields take the defaults.
func NewDispatcher(reg *Registry, policy Policy, logger *slog.Logger) *Dispatcher {
	def := DefaultPolicy()
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.DefaultTimeout <= 0 {
		policy.DefaultTimeout = def.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, policy: policy, logger: logger}
}

// OnOutcome registers fn to be called for every finished action.
// Call before the dispatcher is used.
func (d *Dispatcher) OnOutcome(fn func(ruleID string, o Outcome)) {
	d.observe = fn
}

// Policy returns the effective policy.
func (d *Dispatcher) Policy() Policy { return d.policy }

// Execute runs job's actions in order. A failed action does not stop the
// pipeline. Cancelling ctx stops it between actions, never inside one.
func (d *Dispatcher) Execute(ctx context.Context, job Job) Run {
	return d.run(ctx, job, 0, job.Record.Clone(), make([]Outcome, 0, len(job.Actions)))
}

// Resume continues a pipeline suspended by a delay action.
func (d *Dispatcher) Resume(ctx context.Context, c *Continuation) Run {
	return d.run(ctx, c.job, c.next, c.record.Clone(), slices.Clone(c.outcomes))
}

func (d *Dispatcher) run(ctx context.Context, job Job, start int, working *record.Record, outcomes []Outcome) Run {
	for i := start; i < len(job.Actions); i++ {
		a := job.Actions[i]
		if i < len(job.Skip) && job.Skip[i] {
			outcomes = append(outcomes, d.finish(job.Env.RuleID, Outcome{Index: i, Type: a.Type, Status: StatusSkippedConflict}))
			d.logger.Info("action skipped: conflict",
				"rule_id", job.Env.RuleID, "record_id", working.ID, "action", a.Type, "index", i)
			continue
		}
		if err := ctx.Err(); err != nil {
			d.logger.Info("pipeline cancelled",
				"rule_id", job.Env.RuleID, "record_id", working.ID, "remaining", len(job.Actions)-i, "err", err)
			for j := i; j < len(job.Actions); j++ {
				st := StatusCancelled
				if j < len(job.Skip) && job.Skip[j] {
					st = StatusSkippedConflict
				}
				outcomes = append(outcomes, d.finish(job.Env.RuleID, Outcome{Index: j, Type: job.Actions[j].Type, Status: st}))
			}
			return Run{Outcomes: outcomes, Record: working}
		}
		if a.Type == rule.ActionDelay {
			p, _ := a.Params.(rule.DelayParams)
			outcomes = append(outcomes, d.finish(job.Env.RuleID, Outcome{Index: i, Type: a.Type, Status: StatusSucceeded, Attempts: 1}))
			if i+1 < len(job.Actions) && p.Duration > 0 {
				return Run{
					Outcomes: outcomes,
					Record:   working,
					Pending: &Continuation{
						Delay:    p.Duration,
						job:      job,
						next:     i + 1,
						record:   working.Clone(),
						outcomes: slices.Clone(outcomes),
					},
				}
			}
			continue
		}
		outcomes = append(outcomes, d.finish(job.Env.RuleID, d.dispatch(ctx, i, a, working, job.Env)))
	}
	return Run{Outcomes: outcomes, Record: working}
}

func (d *Dispatcher) finish(ruleID string, o Outcome) Outcome {
	if d.observe != nil {
		d.observe(ruleID, o)
	}
	return o
}

// dispatch runs one action with retries and applies its effect on success.
func (d *Dispatcher) dispatch(ctx context.Context, i int, a rule.Action, working *record.Record, env Env) Outcome {
	start := time.Now()
	out := Outcome{Index: i, Type: a.Type}
	exec, err := d.registry.Get(a.Type)
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		d.logger.Warn("action failed", "rule_id", env.RuleID, "record_id", working.ID, "action", a.Type, "err", err)
		return out
	}

	eff, attempts, err := d.retry(ctx, exec, a, working, env)
	out.Attempts = attempts
	out.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		d.logger.Warn("action failed",
			"rule_id", env.RuleID, "record_id", working.ID, "action", a.Type, "attempts", attempts, "err", err)
		return out
	}
	out.Status = StatusSucceeded
	if eff != nil {
		eff(working)
	}
	return out
}

// retry attempts a up to RetryCount+1 times with exponential backoff.
// Attempts are detached from ctx cancellation.
func (d *Dispatcher) retry(ctx context.Context, exec Executor, a rule.Action, working *record.Record, env Env) (Effect, int, error) {
	actx := context.WithoutCancel(ctx)
	var (
		eff       Effect
		attempts  int
		permanent bool
	)
	op := func() error {
		attempts++
		e, err := d.attempt(actx, exec, a, working, env)
		if err != nil {
			permanent = IsPermanent(err)
			return err
		}
		eff = e
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug("action attempt failed, retrying",
			"rule_id", env.RuleID, "record_id", working.ID, "action", a.Type,
			"attempt", attempts, "wait", wait, "err", err)
	}
	if err := backoff.RetryNotify(op, d.backoff(a.RetryCount), notify); err != nil {
		return nil, attempts, &Error{Type: a.Type, Attempts: attempts, Permanent: permanent, Err: err}
	}
	return eff, attempts, nil
}

func (d *Dispatcher) backoff(retries int) backoff.BackOff {
	if retries <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.policy.BaseDelay
	b.MaxInterval = d.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(retries))
}

// attempt runs one attempt under the action's timeout. The executor runs in
// its own goroutine so the timeout holds even if it ignores ctx.
func (d *Dispatcher) attempt(ctx context.Context, exec Executor, a rule.Action, working *record.Record, env Env) (Effect, error) {
	timeout := a.Timeout(d.policy.DefaultTimeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		eff Effect
		err error
	}
	ch := make(chan result, 1)
	rec := working.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		eff, err := exec.Execute(actx, a, rec, env)
		ch <- result{eff: eff, err: err}
	}()

	select {
	case r := <-ch:
		return r.eff, r.err
	case <-actx.Done():
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
