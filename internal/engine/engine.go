package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/audit"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

var (
	// ErrQueueFull is returned by Submit when the record queue has no room.
	ErrQueueFull = errors.New("record queue full")
	// ErrTimeout is returned by Submit when no worker picked the record up
	// within SubmitTimeout. The record is then never processed.
	ErrTimeout = errors.New("record not picked up in time")
)

// Work states. A worker moves queued to started; a Submit that gives up
// waiting moves queued to abandoned. Whichever lands first wins.
const (
	workQueued int32 = iota
	workStarted
	workAbandoned
)

// Classifier scores a record (sentiment, quality). Scores are merged into
// the record's fields before matching; fields the caller already set win.
type Classifier interface {
	Classify(ctx context.Context, rec *record.Record) (map[string]float64, error)
}

// Deferrer runs fn once d has elapsed. The scheduler implements it.
type Deferrer interface {
	Defer(d time.Duration, fn func(ctx context.Context))
}

// RecordStore keeps submitted records. It is the status store actions
// mutate and the candidate source for periodic re-scans.
type RecordStore interface {
	action.StatusStore
	Put(rec *record.Record)
	Candidates(ctx context.Context) ([]*record.Record, error)
}

// Options configures an Engine. Zero values take defaults.
type Options struct {
	Workers          int
	QueueDepth       int
	SubmitTimeout    time.Duration
	ParallelMatching bool

	Records    RecordStore
	Notifier   action.Notifier
	Webhooks   action.WebhookCaller
	Audit      audit.Sink
	Classifier Classifier
	Deferrer   Deferrer

	Clock  func() time.Time
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1000
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 10 * time.Second
	}
	if o.Records == nil {
		o.Records = record.NewMemoryStore()
	}
	if o.Audit == nil {
		o.Audit = audit.NewMemory()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine evaluates records against the rule store and runs the winning
// action pipelines.
type Engine struct {
	rules      *rule.Store
	dispatcher *action.Dispatcher
	opts       Options
	logger     *slog.Logger
	pool       *workerPool[*work]

	deferMu  sync.RWMutex
	deferrer Deferrer
	pending  atomic.Int64
}

// work is one record queued for processing.
type work struct {
	ctx context.Context
	rec *record.Record
	// fresh records are classified and stored; re-scanned ones already are.
	fresh   bool
	only    func(*rule.Compiled) bool
	resultC chan *Result
	state   atomic.Int32
	started chan struct{}
}

// claim marks w as running. It fails if the submitter already gave up.
func (w *work) claim() bool {
	if !w.state.CompareAndSwap(workQueued, workStarted) {
		return false
	}
	if w.started != nil {
		close(w.started)
	}
	return true
}

// New creates an Engine and starts its worker pool. The pool stops when ctx
// is cancelled or Shutdown is called.
func New(ctx context.Context, rules *rule.Store, disp *action.Dispatcher, opts Options) *Engine {
	opts.applyDefaults()
	e := &Engine{
		rules:      rules,
		dispatcher: disp,
		opts:       opts,
		logger:     opts.Logger,
		deferrer:   opts.Deferrer,
	}
	if e.deferrer == nil {
		e.deferrer = afterFuncDeferrer{}
	}
	disp.OnOutcome(func(_ string, o action.Outcome) {
		metrics.ActionsExecuted.WithLabelValues(string(o.Type), string(o.Status)).Inc()
	})
	e.pool = newWorkerPool[*work](ctx, opts.Workers, opts.QueueDepth, func(ctx context.Context, w *work) {
		wctx := ctx
		if w.ctx != nil {
			wctx = w.ctx
		}
		var res *Result
		switch {
		case !w.claim():
			e.logger.Info("record dropped: submitter gave up", "record_id", w.rec.ID)
		case wctx.Err() != nil:
			e.logger.Info("record dropped: caller gone", "record_id", w.rec.ID)
		default:
			res = e.process(wctx, w.rec, w.fresh, w.only)
		}
		if w.resultC != nil {
			w.resultC <- res
		}
	})
	return e
}

// SetDeferrer replaces the deferrer used for delay actions.
func (e *Engine) SetDeferrer(d Deferrer) {
	e.deferMu.Lock()
	defer e.deferMu.Unlock()
	e.deferrer = d
}

func (e *Engine) getDeferrer() Deferrer {
	e.deferMu.RLock()
	defer e.deferMu.RUnlock()
	return e.deferrer
}

// Records returns the record store the engine writes to.
func (e *Engine) Records() RecordStore { return e.opts.Records }

// Submit processes a record synchronously and returns the result. The error
// is non-nil only when the record could not be processed at all: the queue
// is full (ErrQueueFull), no worker picked it up within SubmitTimeout
// (ErrTimeout) or ctx ended first. Once a worker has started on the record
// Submit waits for the pipeline to finish, bounded only by ctx; failed
// actions show up in the Result, not as an error.
func (e *Engine) Submit(ctx context.Context, rec *record.Record) (*Result, error) {
	resultC := make(chan *Result, 1)
	w := &work{ctx: ctx, rec: rec, fresh: true, resultC: resultC, started: make(chan struct{})}

	if !e.pool.Submit(w) {
		metrics.RecordsDropped.Inc()
		return nil, fmt.Errorf("%w (capacity %d)", ErrQueueFull, e.pool.QueueCap())
	}
	metrics.RecordsEnqueued.Inc()

	timer := time.NewTimer(e.opts.SubmitTimeout)
	defer timer.Stop()
	select {
	case <-w.started:
	case <-timer.C:
		if w.state.CompareAndSwap(workQueued, workAbandoned) {
			metrics.RecordsDropped.Inc()
			return nil, fmt.Errorf("%w: waited %v", ErrTimeout, e.opts.SubmitTimeout)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-resultC:
		if res == nil {
			return nil, fmt.Errorf("record %s not processed: %w", rec.ID, context.Cause(ctx))
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue queues a record for background processing. Returns false if the
// queue is full.
func (e *Engine) Enqueue(rec *record.Record) bool {
	if !e.pool.Submit(&work{rec: rec, fresh: true}) {
		metrics.RecordsDropped.Inc()
		return false
	}
	metrics.RecordsEnqueued.Inc()
	return true
}

// Rescan re-evaluates every stored record against the enabled time-windowed
// rules, with the evaluation instant moved to now. It waits for queue room
// rather than dropping records, so each eligible record is triggered once
// per call.
func (e *Engine) Rescan(ctx context.Context) (RescanReport, error) {
	var report RescanReport
	for _, c := range e.rules.ListEnabledByPriorityDesc() {
		if c.TimeWindowed {
			report.Rules++
		}
	}
	if report.Rules == 0 {
		return report, nil
	}
	recs, err := e.opts.Records.Candidates(ctx)
	if err != nil {
		return report, fmt.Errorf("list candidates: %w", err)
	}
	report.Candidates = len(recs)

	now := e.opts.Clock()
	only := func(c *rule.Compiled) bool { return c.TimeWindowed }
	pending := make([]chan *Result, 0, len(recs))
	for _, rec := range recs {
		rec.ObservedAt = now
		resultC := make(chan *Result, 1)
		if !e.pool.SubmitWait(ctx, &work{ctx: ctx, rec: rec, only: only, resultC: resultC}) {
			break
		}
		report.Triggered++
		pending = append(pending, resultC)
	}
	for _, resultC := range pending {
		select {
		case res := <-resultC:
			if res != nil && len(res.Matched) > 0 {
				report.Fired++
			}
		case <-ctx.Done():
			return report, ctx.Err()
		}
	}
	return report, ctx.Err()
}

// DryRun matches and resolves rec against the enabled rules without running
// any action or touching stats, throttles or the audit log.
func (e *Engine) DryRun(ctx context.Context, rec *record.Record) *Plan {
	rec = e.receive(ctx, rec, true)
	snap := e.rules.Snapshot()
	candidates := snap.Enabled()
	matches, errs := e.match(candidates, rec)
	plan := &Plan{
		RecordID:       rec.ID,
		RulesEvaluated: len(candidates),
		Rules:          make([]PlannedRule, 0, len(matches)),
	}
	for _, err := range errs {
		plan.EvaluationErrors = append(plan.EvaluationErrors, err.Error())
	}
	for _, f := range resolve(matches) {
		pr := PlannedRule{
			RuleID:              f.rule.Rule.ID,
			RuleName:            f.rule.Rule.Name,
			Priority:            f.rule.Rule.Priority,
			ConditionsEvaluated: f.trace,
			Actions:             make([]PlannedAction, len(f.rule.Rule.Actions)),
		}
		for i, a := range f.rule.Rule.Actions {
			pr.Actions[i] = PlannedAction{Index: i, Type: a.Type, Skip: f.skip[i]}
		}
		plan.Rules = append(plan.Rules, pr)
	}
	return plan
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

// PendingDelayed is the number of pipelines suspended by a delay action.
func (e *Engine) PendingDelayed() int64 {
	return e.pending.Load()
}

// Shutdown drains the queue, finishing every record already accepted.
// Pipelines still suspended by a delay are left to the deferrer.
func (e *Engine) Shutdown() {
	e.pool.Drain()
	if n := e.pending.Load(); n > 0 {
		e.logger.Warn("engine stopped with delayed pipelines pending", "count", n)
	}
}

// afterFuncDeferrer is used when no scheduler is wired.
type afterFuncDeferrer struct{}

func (afterFuncDeferrer) Defer(d time.Duration, fn func(ctx context.Context)) {
	time.AfterFunc(d, func() { fn(context.Background()) })
}
