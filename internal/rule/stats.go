package rule

import (
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionStats is a point-in-time view of a rule's counters.
type ExecutionStats struct {
	ExecutionCount         int64      `json:"executionCount"`
	SuccessCount           int64      `json:"successCount"`
	LastExecutedAt         *time.Time `json:"lastExecutedAt,omitempty"`
	AverageExecutionTimeMs float64    `json:"averageExecutionTimeMs"`
	SuccessRate            float64    `json:"successRate"`
}

// Stats holds the live counters of one rule. Counters only grow and are safe
// for concurrent use by any number of workers.
type Stats struct {
	executions  atomic.Int64
	successes   atomic.Int64
	totalMicros atomic.Int64
	lastNanos   atomic.Int64

	mu     sync.Mutex
	firing []time.Time // within the last hour, oldest first
}

// Record adds one execution.
func (s *Stats) Record(at time.Time, took time.Duration, success bool) {
	s.executions.Add(1)
	if success {
		s.successes.Add(1)
	}
	s.totalMicros.Add(took.Microseconds())
	n := at.UnixNano()
	for {
		prev := s.lastNanos.Load()
		if n <= prev || s.lastNanos.CompareAndSwap(prev, n) {
			return
		}
	}
}

// Snapshot reads the counters.
func (s *Stats) Snapshot() ExecutionStats {
	out := ExecutionStats{
		ExecutionCount: s.executions.Load(),
		SuccessCount:   s.successes.Load(),
	}
	if n := s.lastNanos.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		out.LastExecutedAt = &t
	}
	if out.ExecutionCount > 0 {
		out.AverageExecutionTimeMs = float64(s.totalMicros.Load()) / float64(out.ExecutionCount) / 1000
		out.SuccessRate = float64(out.SuccessCount) / float64(out.ExecutionCount)
	}
	return out
}

// Allow reserves one firing within the hour ending at now. A limit of zero
// or less never throttles.
func (s *Stats) Allow(now time.Time, perHour int) bool {
	if perHour <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(s.firing) && !s.firing[i].After(cutoff) {
		i++
	}
	s.firing = s.firing[i:]
	if len(s.firing) >= perHour {
		return false
	}
	s.firing = append(s.firing, now)
	return true
}
