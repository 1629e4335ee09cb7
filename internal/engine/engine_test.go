package engine_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
	"github.com/gyaneshwarpardhi/ruleflow/internal/audit"
	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

var t0 = time.Date(2024, 1, 16, 10, 30, 0, 0, time.UTC)

type harness struct {
	eng     *engine.Engine
	rules   *rule.Store
	records *record.MemoryStore
	audit   *audit.Memory
	notes   *notes
}

type notes struct {
	mu  sync.Mutex
	got []action.Notification
}

func (n *notes) Notify(_ context.Context, msg action.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, msg)
	return nil
}

func (n *notes) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

func newHarness(t *testing.T, mutate func(*engine.Options)) *harness {
	t.Helper()
	h := &harness{
		rules:   rule.NewStore(record.DefaultSchema()),
		records: record.NewMemoryStore(),
		audit:   audit.NewMemory(),
		notes:   &notes{},
	}
	disp := action.NewDispatcher(action.NewDefaultRegistry(),
		action.Policy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, DefaultTimeout: time.Second}, nil)
	opts := engine.Options{
		Workers:    4,
		QueueDepth: 256,
		Records:    h.records,
		Notifier:   h.notes,
		Audit:      h.audit,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.eng = engine.New(context.Background(), h.rules, disp, opts)
	t.Cleanup(h.eng.Shutdown)
	return h
}

func (h *harness) addRule(t *testing.T, name string, priority int, conds []condition.Condition, actions ...rule.Action) *rule.Rule {
	t.Helper()
	r, err := h.rules.Create(rule.Rule{Name: name, Enabled: true, Priority: priority, Conditions: conds, Actions: actions})
	require.NoError(t, err)
	return r
}

func (h *harness) entries(t *testing.T, q audit.Query) []audit.ExecutionRecord {
	t.Helper()
	got, err := h.audit.List(context.Background(), q)
	require.NoError(t, err)
	return got
}

func ratingIs(n int) []condition.Condition {
	return []condition.Condition{{Field: "rating", Operator: condition.OpEquals, Value: n}}
}

func approve() rule.Action { return rule.Action{Type: rule.ActionApprove, Params: rule.ApproveParams{}} }
func reject() rule.Action  { return rule.Action{Type: rule.ActionReject, Params: rule.RejectParams{}} }

func testimonial(id string, rating int) *record.Record {
	return &record.Record{ID: id, Status: record.StatusPending, Fields: map[string]interface{}{"rating": rating, "text": "great product"}}
}

func TestSubmit_EndToEndApprove(t *testing.T) {
	h := newHarness(t, nil)
	r := h.addRule(t, "five stars", 9, ratingIs(5), approve())

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)

	assert.Equal(t, engine.PhaseRecorded, res.Phase)
	assert.Equal(t, record.StatusApproved, res.Status)
	require.Len(t, res.Matched, 1)
	assert.Equal(t, audit.Success, res.Matched[0].Outcome)

	stored, ok := h.records.Get("t-1")
	require.True(t, ok)
	assert.Equal(t, record.StatusApproved, stored.Status)

	entries := h.entries(t, audit.Query{})
	require.Len(t, entries, 1)
	assert.Equal(t, r.ID, entries[0].RuleID)
	assert.Equal(t, "t-1", entries[0].RecordID)
	assert.Equal(t, audit.Success, entries[0].Outcome)
	assert.Equal(t, []bool{true}, entries[0].ConditionsEvaluated)
	assert.Equal(t, 1, entries[0].ActionsAttempted)
	assert.Equal(t, 1, entries[0].ActionsSucceeded)

	stats, err := h.rules.Stats(r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ExecutionCount)
	assert.Equal(t, int64(1), stats.SuccessCount)
}

func TestSubmit_PriorityConflict(t *testing.T) {
	h := newHarness(t, nil)
	low := h.addRule(t, "reject", 3, ratingIs(5), reject())
	high := h.addRule(t, "approve", 8, ratingIs(5), approve())

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)

	require.Len(t, res.Matched, 2)
	assert.Equal(t, high.ID, res.Matched[0].RuleID)
	assert.Equal(t, action.StatusSucceeded, res.Matched[0].Actions[0].Status)
	assert.Equal(t, low.ID, res.Matched[1].RuleID)
	assert.Equal(t, action.StatusSkippedConflict, res.Matched[1].Actions[0].Status)
	assert.Equal(t, record.StatusApproved, res.Status)

	lowEntries := h.entries(t, audit.Query{RuleID: low.ID})
	require.Len(t, lowEntries, 1)
	assert.Equal(t, 0, lowEntries[0].ActionsAttempted)
	assert.Equal(t, 1, lowEntries[0].ActionsSkipped)
	assert.Equal(t, audit.Success, lowEntries[0].Outcome)
}

func TestSubmit_TieBreakIsCreationOrder(t *testing.T) {
	h := newHarness(t, nil)
	first := h.addRule(t, "first", 5, ratingIs(5), reject())
	h.addRule(t, "second", 5, ratingIs(5), approve())

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.Matched[0].RuleID)
	assert.Equal(t, record.StatusRejected, res.Status)
	assert.Equal(t, action.StatusSkippedConflict, res.Matched[1].Actions[0].Status)
}

func TestSubmit_NonTerminalActionsStillFire(t *testing.T) {
	h := newHarness(t, nil)
	h.addRule(t, "approve", 8, ratingIs(5), approve())
	h.addRule(t, "reject and tell", 3, ratingIs(5),
		reject(),
		rule.Action{Type: rule.ActionNotify, Params: rule.NotifyParams{Template: "{{.ID}} {{.Status}}"}},
	)

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	second := res.Matched[1]
	assert.Equal(t, action.StatusSkippedConflict, second.Actions[0].Status)
	assert.Equal(t, action.StatusSucceeded, second.Actions[1].Status)
	assert.Equal(t, 1, h.notes.len())
	assert.Equal(t, "t-1 approved", h.notes.got[0].Body, "later rules see earlier rules' effects")
}

func TestSubmit_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	r := h.addRule(t, "approve pending", 5,
		[]condition.Condition{{Field: "status", Operator: condition.OpEquals, Value: "pending"}},
		approve())

	first, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	require.Equal(t, record.StatusApproved, first.Status)

	again, _ := h.records.Get("t-1")
	res, err := h.eng.Submit(context.Background(), again)
	require.NoError(t, err)
	assert.Empty(t, res.Matched)

	stats, _ := h.rules.Stats(r.ID)
	assert.Equal(t, int64(1), stats.ExecutionCount)
	assert.Len(t, h.entries(t, audit.Query{}), 1)
}

func TestSubmit_ConcurrentStats(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) { o.ParallelMatching = true })
	r := h.addRule(t, "five stars", 9, ratingIs(5), approve())
	h.addRule(t, "never", 2, ratingIs(1), approve())

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.eng.Submit(context.Background(), testimonial(fmt.Sprintf("t-%d", i), 5))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats, err := h.rules.Stats(r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats.ExecutionCount)
	assert.Equal(t, int64(n), stats.SuccessCount)
	assert.Len(t, h.entries(t, audit.Query{Limit: 1000}), n)
}

// exploding panics when a string operator renders it.
type exploding struct{}

func (exploding) String() string { panic("boom") }

func TestSubmit_BadRuleIsolated(t *testing.T) {
	h := newHarness(t, nil)
	bad := h.addRule(t, "text probe", 9,
		[]condition.Condition{{Field: "text", Operator: condition.OpContains, Value: "x"}},
		reject())
	good := h.addRule(t, "five stars", 5, ratingIs(5), approve())

	rec := testimonial("t-1", 5)
	rec.Fields["text"] = exploding{}
	res, err := h.eng.Submit(context.Background(), rec)
	require.NoError(t, err)

	require.Len(t, res.EvaluationErrors, 1)
	assert.Contains(t, res.EvaluationErrors[0], bad.ID)
	require.Len(t, res.Matched, 1)
	assert.Equal(t, good.ID, res.Matched[0].RuleID)
	assert.Equal(t, record.StatusApproved, res.Status)
}

func TestSubmit_PartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	r := h.addRule(t, "approve and hook", 5, ratingIs(5),
		approve(),
		rule.Action{Type: rule.ActionWebhook, Params: rule.WebhookParams{URL: "https://hooks.example.com"}, RetryCount: 1},
	)

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	assert.Equal(t, audit.PartialFailure, res.Matched[0].Outcome)
	assert.Equal(t, 1, res.Matched[0].Actions[1].Attempts, "missing webhook caller is permanent")

	stats, _ := h.rules.Stats(r.ID)
	assert.Equal(t, int64(1), stats.ExecutionCount)
	assert.Equal(t, int64(0), stats.SuccessCount)
	entries := h.entries(t, audit.Query{})
	assert.NotEmpty(t, entries[0].Error)
}

type manualDeferrer struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func(context.Context)
}

func (m *manualDeferrer) Defer(d time.Duration, fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.fns = append(m.fns, fn)
}

func TestSubmit_DelaySuspendsUntilResumed(t *testing.T) {
	def := &manualDeferrer{}
	h := newHarness(t, func(o *engine.Options) { o.Deferrer = def })
	r := h.addRule(t, "approve then remind", 5, ratingIs(5),
		approve(),
		rule.Action{Type: rule.ActionDelay, Params: rule.DelayParams{Duration: 24 * time.Hour}},
		rule.Action{Type: rule.ActionNotify, Params: rule.NotifyParams{Template: "reminder {{.ID}}"}},
	)

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	require.Len(t, res.Matched, 1)
	assert.True(t, res.Matched[0].Deferred)
	assert.Equal(t, record.StatusApproved, res.Status)
	assert.Empty(t, h.entries(t, audit.Query{}))
	assert.Equal(t, int64(1), h.eng.PendingDelayed())
	require.Equal(t, []time.Duration{24 * time.Hour}, def.delays)

	def.fns[0](context.Background())

	assert.Equal(t, int64(0), h.eng.PendingDelayed())
	assert.Equal(t, 1, h.notes.len())
	entries := h.entries(t, audit.Query{})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.Success, entries[0].Outcome)
	assert.Equal(t, 2, entries[0].ActionsAttempted, "the delay step is not an action attempt")
	stats, _ := h.rules.Stats(r.ID)
	assert.Equal(t, int64(1), stats.ExecutionCount)
}

func TestSubmit_Throttle(t *testing.T) {
	h := newHarness(t, nil)
	created, err := h.rules.Create(rule.Rule{
		Name: "limited", Enabled: true, Priority: 5, MaxExecutionsPerHour: 1,
		Conditions: ratingIs(5), Actions: []rule.Action{approve()},
	})
	require.NoError(t, err)

	_, err = h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	res, err := h.eng.Submit(context.Background(), testimonial("t-2", 5))
	require.NoError(t, err)

	require.Len(t, res.Matched, 1)
	assert.True(t, res.Matched[0].Throttled)
	assert.Equal(t, record.StatusPending, res.Status)
	stats, _ := h.rules.Stats(created.ID)
	assert.Equal(t, int64(1), stats.ExecutionCount)
}

func TestRescan_TimeWindowedRulesOnly(t *testing.T) {
	var (
		mu  sync.Mutex
		now = t0
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, func(o *engine.Options) { o.Clock = clock })
	stale := h.addRule(t, "inactive a week", 5,
		[]condition.Condition{{Field: "last_activity", Operator: condition.OpLessThan, Value: "-7d"}},
		rule.Action{Type: rule.ActionFlag, Params: rule.FlagParams{Reason: "inactive"}})
	h.addRule(t, "low rating", 5,
		[]condition.Condition{{Field: "rating", Operator: condition.OpLessThan, Value: 2}},
		reject())

	quiet := testimonial("t-quiet", 1)
	quiet.Fields["last_activity"] = t0.Add(-2 * 24 * time.Hour)
	quiet.Status = record.StatusApproved
	active := testimonial("t-active", 4)
	active.Fields["last_activity"] = t0
	for _, rec := range []*record.Record{quiet, active} {
		h.records.Put(rec)
	}

	report, err := h.eng.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.RescanReport{Rules: 1, Candidates: 2, Triggered: 2, Fired: 0}, report)

	mu.Lock()
	now = t0.Add(6 * 24 * time.Hour)
	mu.Unlock()

	report, err = h.eng.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Fired)

	got, _ := h.records.Get("t-quiet")
	assert.Equal(t, record.StatusFlagged, got.Status)
	got, _ = h.records.Get("t-active")
	assert.Equal(t, record.StatusPending, got.Status)
	entries := h.entries(t, audit.Query{})
	require.Len(t, entries, 1, "the low rating rule is not time-windowed")
	assert.Equal(t, stale.ID, entries[0].RuleID)
}

func TestRescan_NoTimeWindowedRules(t *testing.T) {
	h := newHarness(t, nil)
	h.addRule(t, "five stars", 9, ratingIs(5), approve())
	h.records.Put(testimonial("t-1", 5))

	report, err := h.eng.Rescan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.RescanReport{}, report)
}

func TestDryRun(t *testing.T) {
	h := newHarness(t, nil)
	high := h.addRule(t, "approve", 8, ratingIs(5), approve())
	h.addRule(t, "reject", 3, ratingIs(5), reject(),
		rule.Action{Type: rule.ActionFlag, Params: rule.FlagParams{}})
	h.addRule(t, "other", 3, ratingIs(1), reject())

	plan := h.eng.DryRun(context.Background(), testimonial("t-1", 5))
	assert.Equal(t, 3, plan.RulesEvaluated)
	require.Len(t, plan.Rules, 2)
	assert.Equal(t, high.ID, plan.Rules[0].RuleID)
	assert.False(t, plan.Rules[0].Actions[0].Skip)
	assert.True(t, plan.Rules[1].Actions[0].Skip)
	assert.False(t, plan.Rules[1].Actions[1].Skip)

	assert.Equal(t, 0, h.records.Len())
	assert.Empty(t, h.entries(t, audit.Query{}))
	stats, _ := h.rules.Stats(high.ID)
	assert.Zero(t, stats.ExecutionCount)
}

type fixedClassifier map[string]float64

func (f fixedClassifier) Classify(context.Context, *record.Record) (map[string]float64, error) {
	return f, nil
}

func TestSubmit_ClassifierScores(t *testing.T) {
	h := newHarness(t, func(o *engine.Options) {
		o.Classifier = fixedClassifier{"sentiment": 0.9, "quality": 0.2}
	})
	h.addRule(t, "happy", 5,
		[]condition.Condition{{Field: "sentiment", Operator: condition.OpGreaterThan, Value: 0.8}},
		approve())
	h.addRule(t, "good quality", 4,
		[]condition.Condition{{Field: "quality", Operator: condition.OpGreaterThan, Value: 0.5}},
		rule.Action{Type: rule.ActionCategorize, Params: rule.CategorizeParams{Category: "featured"}})

	rec := testimonial("t-1", 5)
	rec.Fields["quality"] = 0.7 // caller-provided scores win
	res, err := h.eng.Submit(context.Background(), rec)
	require.NoError(t, err)
	assert.Len(t, res.Matched, 2)

	stored, _ := h.records.Get("t-1")
	assert.Equal(t, "featured", stored.Fields["category"])
	assert.Equal(t, 0.9, stored.Fields["sentiment"])
}

func TestSubmit_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	h.addRule(t, "five stars", 9, ratingIs(5), approve())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.eng.Submit(ctx, testimonial("t-1", 5))
	assert.Error(t, err)
}

// blockingNotifier holds every Notify until release is closed or ctx ends.
type blockingNotifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingNotifier) Notify(ctx context.Context, _ action.Notification) error {
	b.calls.Add(1)
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSubmit_SlowPipelineIsNotAnError(t *testing.T) {
	slow := &blockingNotifier{release: make(chan struct{})}
	h := newHarness(t, func(o *engine.Options) {
		o.Notifier = slow
		o.SubmitTimeout = 100 * time.Millisecond
	})
	h.addRule(t, "notify", 5, ratingIs(5),
		rule.Action{Type: rule.ActionNotify, Params: rule.NotifyParams{Template: "new {{.ID}}"}, RetryCount: 1, TimeoutMs: 60},
	)

	res, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	require.Len(t, res.Matched, 1)
	assert.Equal(t, audit.Failure, res.Matched[0].Outcome)
	assert.Equal(t, int32(2), slow.calls.Load())
	assert.Len(t, h.entries(t, audit.Query{}), 1)
}

func TestSubmit_TimeoutBeforePickup(t *testing.T) {
	slow := &blockingNotifier{release: make(chan struct{})}
	h := newHarness(t, func(o *engine.Options) {
		o.Workers = 1
		o.Notifier = slow
		o.SubmitTimeout = 50 * time.Millisecond
	})
	h.addRule(t, "notify", 5, ratingIs(5),
		rule.Action{Type: rule.ActionNotify, Params: rule.NotifyParams{Template: "new {{.ID}}"}, TimeoutMs: 5000},
	)

	require.True(t, h.eng.Enqueue(testimonial("busy", 5)))
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err := h.eng.Submit(context.Background(), testimonial("waiting", 5))
	require.ErrorIs(t, err, engine.ErrTimeout)

	close(slow.release)
	require.Eventually(t, func() bool { return len(h.entries(t, audit.Query{})) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	entries := h.entries(t, audit.Query{})
	require.Len(t, entries, 1, "an abandoned record is never processed")
	assert.Equal(t, "busy", entries[0].RecordID)
}

func TestSubmit_DelayDoesNotCountAsSuccess(t *testing.T) {
	def := &manualDeferrer{}
	h := newHarness(t, func(o *engine.Options) {
		o.Deferrer = def
		o.Notifier = nil
	})
	h.addRule(t, "wait then notify", 5, ratingIs(5),
		rule.Action{Type: rule.ActionDelay, Params: rule.DelayParams{Duration: time.Millisecond}},
		rule.Action{Type: rule.ActionNotify, Params: rule.NotifyParams{Template: "new {{.ID}}"}},
	)

	_, err := h.eng.Submit(context.Background(), testimonial("t-1", 5))
	require.NoError(t, err)
	require.Len(t, def.fns, 1)
	def.fns[0](context.Background())

	entries := h.entries(t, audit.Query{})
	require.Len(t, entries, 1)
	assert.Equal(t, audit.Failure, entries[0].Outcome)
	assert.Equal(t, 1, entries[0].ActionsAttempted)
	assert.Equal(t, 0, entries[0].ActionsSucceeded)
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t, nil)
	r := h.addRule(t, "five stars", 9, ratingIs(5), approve())

	for i := 0; i < 10; i++ {
		require.True(t, h.eng.Enqueue(testimonial(fmt.Sprintf("t-%d", i), 5)))
	}
	require.Eventually(t, func() bool {
		st, _ := h.rules.Stats(r.ID)
		return st.ExecutionCount == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, h.eng.QueueUtilization(), 1.0)
}
