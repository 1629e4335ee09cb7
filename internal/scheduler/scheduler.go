// Package scheduler drives the engine from outside the request path: it
// forwards new records, runs periodic re-scans for time-windowed rules and
// resumes pipelines suspended by a delay action.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/metrics"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
)

// Engine is the part of *engine.Engine the scheduler drives.
type Engine interface {
	Submit(ctx context.Context, rec *record.Record) (*engine.Result, error)
	Rescan(ctx context.Context) (engine.RescanReport, error)
}

// Tick is delivered to subscribers after every re-scan.
type Tick struct {
	Seq    uint64              `json:"seq"`
	At     time.Time           `json:"at"`
	Report engine.RescanReport `json:"report"`
	Err    string              `json:"error,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	// Interval between periodic re-scans. Zero disables the ticker; Tick
	// can still be called directly.
	Interval time.Duration
	Clock    func() time.Time
	Logger   *slog.Logger
}

// Scheduler implements engine.Deferrer.
type Scheduler struct {
	eng      Engine
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	seq     uint64
	subs    map[uint64]func(Tick)
	nextSub uint64
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. It does nothing periodic until Start.
func New(eng Engine, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		eng:      eng,
		interval: opts.Interval,
		clock:    opts.Clock,
		logger:   opts.Logger,
		subs:     make(map[uint64]func(Tick)),
		timers:   make(map[uint64]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Trigger evaluates a new or updated record immediately.
func (s *Scheduler) Trigger(ctx context.Context, rec *record.Record) (*engine.Result, error) {
	return s.eng.Submit(ctx, rec)
}

// Start runs the periodic re-scan loop until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduler: periodic re-scan disabled")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("scheduler started", "interval", s.interval)
		for {
			select {
			case <-ticker.C:
				s.Tick(s.ctx)
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Tick runs one re-scan and notifies subscribers.
func (s *Scheduler) Tick(ctx context.Context) Tick {
	report, err := s.eng.Rescan(ctx)
	metrics.SchedulerTicks.Inc()

	s.mu.Lock()
	s.seq++
	t := Tick{Seq: s.seq, At: s.clock(), Report: report}
	subs := make([]func(Tick), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if err != nil {
		t.Err = err.Error()
		s.logger.Warn("re-scan incomplete", "seq", t.Seq, "triggered", report.Triggered, "err", err)
	} else if report.Rules > 0 {
		s.logger.Debug("re-scan done", "seq", t.Seq, "rules", report.Rules,
			"candidates", report.Candidates, "fired", report.Fired)
	}
	for _, fn := range subs {
		fn(t)
	}
	return t
}

// Subscribe registers fn for every tick. Call the returned function to
// unsubscribe.
func (s *Scheduler) Subscribe(fn func(Tick)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Defer runs fn after d on its own goroutine. After Stop, deferred work is
// dropped.
func (s *Scheduler) Defer(d time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Warn("scheduler stopped, delayed pipeline dropped", "delay", d)
		return
	}
	s.nextID++
	id := s.nextID
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(d, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		fn(s.ctx)
	})
}

// Pending is the number of deferred functions not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop ends the re-scan loop and drops pending deferred work. Deferred
// functions already running are waited for.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := 0
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
			dropped++
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if dropped > 0 {
		s.logger.Warn("scheduler stopped with delayed pipelines pending", "dropped", dropped)
	}
}
