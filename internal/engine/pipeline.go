package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/audit"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// match is a rule whose conditions held for the record.
type match struct {
	rule      *rule.Compiled
	trace     []bool
	matchedAt time.Time
}

// firing is a match with the conflict plan for its actions.
type firing struct {
	match
	skip []bool
}

// dispatched is a firing after its pipeline ran (or was suspended).
type dispatched struct {
	firing
	run  action.Run
	took time.Duration
}

// process runs one record through Received → Matching → Resolving →
// Dispatching → Recorded. only, when set, restricts the rules considered.
func (e *Engine) process(ctx context.Context, rec *record.Record, fresh bool, only func(*rule.Compiled) bool) *Result {
	start := time.Now()

	// Received
	rec = e.receive(ctx, rec, fresh)
	if fresh {
		e.opts.Records.Put(rec)
	}
	res := &Result{RecordID: rec.ID, Status: rec.Status, Phase: PhaseReceived, Matched: []RuleResult{}}

	// Matching
	res.Phase = PhaseMatching
	candidates := e.rules.Snapshot().Enabled()
	if only != nil {
		filtered := make([]*rule.Compiled, 0, len(candidates))
		for _, c := range candidates {
			if only(c) {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}
	res.RulesEvaluated = len(candidates)
	matches, errs := e.match(candidates, rec)
	for _, err := range errs {
		res.EvaluationErrors = append(res.EvaluationErrors, err.Error())
	}

	// Resolving
	res.Phase = PhaseResolving
	allowed := matches[:0:0]
	now := e.opts.Clock()
	for _, m := range matches {
		r := m.rule.Rule
		if !m.rule.Stats.Allow(now, r.MaxExecutionsPerHour) {
			e.logger.Info("rule throttled", "rule_id", r.ID, "record_id", rec.ID, "limit_per_hour", r.MaxExecutionsPerHour)
			metrics.RulesThrottled.WithLabelValues(r.ID).Inc()
			res.Matched = append(res.Matched, RuleResult{
				RuleID: r.ID, RuleName: r.Name, Priority: r.Priority,
				ConditionsEvaluated: m.trace, Throttled: true,
			})
			continue
		}
		allowed = append(allowed, m)
	}
	firings := resolve(allowed)

	// Dispatching
	res.Phase = PhaseDispatching
	working := rec
	done := make([]dispatched, 0, len(firings))
	for _, f := range firings {
		metrics.RulesMatched.WithLabelValues(f.rule.Rule.ID).Inc()
		t0 := time.Now()
		run := e.dispatcher.Execute(ctx, action.Job{
			Actions: f.rule.Rule.Actions,
			Skip:    f.skip,
			Record:  working,
			Env:     e.env(f.rule),
		})
		working = run.Record
		done = append(done, dispatched{firing: f, run: run, took: time.Since(t0)})
	}

	// Recorded
	res.Phase = PhaseRecorded
	for _, d := range done {
		r := d.rule.Rule
		rr := RuleResult{
			RuleID:              r.ID,
			RuleName:            r.Name,
			Priority:            r.Priority,
			ConditionsEvaluated: d.trace,
			Actions:             d.run.Outcomes,
			DurationMs:          millis(d.took),
		}
		if d.run.Pending != nil {
			rr.Deferred = true
			e.suspend(d.match, d.run, d.took)
		} else {
			exec := e.record(ctx, d.match, d.run, d.took)
			rr.Outcome = exec.Outcome
			rr.ExecutionID = exec.ID
		}
		res.Matched = append(res.Matched, rr)
	}
	res.Status = working.Status
	res.DurationMs = millis(time.Since(start))

	metrics.RecordsProcessed.Inc()
	metrics.RecordProcessingDuration.Observe(res.DurationMs)
	return res
}

// receive normalizes a copy of rec and merges classifier scores into it.
func (e *Engine) receive(ctx context.Context, rec *record.Record, classify bool) *record.Record {
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = record.StatusPending
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = e.opts.Clock()
	}
	if classify && e.opts.Classifier != nil {
		scores, err := e.opts.Classifier.Classify(ctx, rec)
		if err != nil {
			e.logger.Warn("classifier failed", "record_id", rec.ID, "err", err)
			return rec
		}
		for field, score := range scores {
			if _, ok := rec.Lookup(field); !ok {
				rec.Set(field, score)
			}
		}
	}
	return rec
}

// match evaluates every rule against rec. Rules are read-only here, so they
// may be evaluated concurrently. Results keep the order of rules.
func (e *Engine) match(rules []*rule.Compiled, rec *record.Record) ([]match, []error) {
	type eval struct {
		ok    bool
		trace []bool
		err   error
	}
	evals := make([]eval, len(rules))
	evalOne := func(i int) {
		ok, trace, err := evaluate(rules[i], rec)
		evals[i] = eval{ok: ok, trace: trace, err: err}
	}
	if e.opts.ParallelMatching && len(rules) > 1 {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range rules {
			g.Go(func() error {
				evalOne(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range rules {
			evalOne(i)
		}
	}

	matchedAt := e.opts.Clock()
	var (
		matches []match
		errs    []error
	)
	for i, ev := range evals {
		if ev.err != nil {
			e.logger.Warn("rule evaluation failed, skipping rule", "rule_id", rules[i].Rule.ID, "record_id", rec.ID, "err", ev.err)
			metrics.EvaluationErrors.WithLabelValues(rules[i].Rule.ID).Inc()
			errs = append(errs, ev.err)
			continue
		}
		if ev.ok {
			matches = append(matches, match{rule: rules[i], trace: ev.trace, matchedAt: matchedAt})
		}
	}
	return matches, errs
}

// evaluate folds one rule's conditions inside a recover boundary.
func evaluate(c *rule.Compiled, rec *record.Record) (ok bool, trace []bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, trace = false, nil
			err = &EvaluationError{RuleID: c.Rule.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	ok, trace = c.Matches(rec)
	return ok, trace, nil
}

// resolve builds the conflict plan. matches are already in resolution order
// (priority descending, then creation order). Every rule fires, but once a
// rule holding an approve or reject action has fired, the terminal actions
// of every later rule are skipped.
func resolve(matches []match) []firing {
	out := make([]firing, len(matches))
	claimed := false
	for i, m := range matches {
		actions := m.rule.Rule.Actions
		skip := make([]bool, len(actions))
		if claimed {
			for j, a := range actions {
				skip[j] = a.Type.Terminal()
			}
		}
		if m.rule.Rule.HasTerminalAction() {
			claimed = true
		}
		out[i] = firing{match: m, skip: skip}
	}
	return out
}

func (e *Engine) env(c *rule.Compiled) action.Env {
	return action.Env{
		RuleID:   c.Rule.ID,
		RuleName: c.Rule.Name,
		Status:   e.opts.Records,
		Notifier: e.opts.Notifier,
		Webhooks: e.opts.Webhooks,
	}
}

// record updates the rule's stats and writes its execution record.
func (e *Engine) record(ctx context.Context, m match, run action.Run, took time.Duration) audit.ExecutionRecord {
	r := m.rule.Rule
	attempted, succeeded, skipped := run.Counts()
	outcome := audit.Classify(run.Due(), succeeded)

	exec := audit.ExecutionRecord{
		ID:                  uuid.NewString(),
		RuleID:              r.ID,
		RuleName:            r.Name,
		RuleType:            string(r.Kind),
		RecordID:            run.Record.ID,
		MatchedAt:           m.matchedAt,
		ConditionsEvaluated: m.trace,
		Steps:               make([]audit.Step, len(run.Outcomes)),
		ActionsAttempted:    attempted,
		ActionsSucceeded:    succeeded,
		ActionsSkipped:      skipped,
		Outcome:             outcome,
		DurationMs:          millis(took),
	}
	for i, o := range run.Outcomes {
		exec.Steps[i] = audit.Step{Type: string(o.Type), Status: string(o.Status), Attempts: o.Attempts, Error: o.Error}
		if exec.Error == "" && o.Error != "" {
			exec.Error = o.Error
		}
	}

	m.rule.Stats.Record(e.opts.Clock(), took, outcome == audit.Success)
	metrics.RuleExecutions.WithLabelValues(string(outcome)).Inc()
	if err := e.opts.Audit.Write(context.WithoutCancel(ctx), exec); err != nil {
		metrics.AuditWriteErrors.Inc()
		e.logger.Warn("audit write failed", "rule_id", r.ID, "record_id", exec.RecordID, "err", err)
	}
	e.logger.Debug("rule executed", "rule_id", r.ID, "record_id", exec.RecordID, "outcome", outcome, "duration_ms", exec.DurationMs)
	return exec
}

// suspend hands the rest of a pipeline to the deferrer. Stats and the audit
// entry are written when the pipeline finally completes; time spent waiting
// does not count toward its duration.
func (e *Engine) suspend(m match, run action.Run, took time.Duration) {
	cont := run.Pending
	e.pending.Add(1)
	metrics.DelayedPipelines.Inc()
	e.logger.Info("pipeline suspended",
		"rule_id", m.rule.Rule.ID, "record_id", run.Record.ID, "delay", cont.Delay, "remaining", cont.Remaining())

	e.getDeferrer().Defer(cont.Delay, func(ctx context.Context) {
		e.pending.Add(-1)
		metrics.DelayedPipelines.Dec()
		t0 := time.Now()
		next := e.dispatcher.Resume(ctx, cont)
		elapsed := took + time.Since(t0)
		if next.Pending != nil {
			e.suspend(m, next, elapsed)
			return
		}
		e.record(ctx, m, next, elapsed)
	})
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
