package audit

import (
	"context"
	"slices"
	"sync"
)

// Memory keeps execution records in process.
type Memory struct {
	mu      sync.RWMutex
	records []ExecutionRecord
	ids     map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{ids: make(map[string]struct{})}
}

// Write appends rec. A record whose id was already written is ignored.
func (m *Memory) Write(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID != "" {
		if _, dup := m.ids[rec.ID]; dup {
			return nil
		}
		m.ids[rec.ID] = struct{}{}
	}
	rec.ConditionsEvaluated = slices.Clone(rec.ConditionsEvaluated)
	rec.Steps = slices.Clone(rec.Steps)
	m.records = append(m.records, rec)
	return nil
}

// List returns matching records, newest first.
func (m *Memory) List(_ context.Context, q Query) ([]ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExecutionRecord, 0)
	for i := len(m.records) - 1; i >= 0 && len(out) < q.limit(); i-- {
		if q.match(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

// Len is the number of records written.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error { return nil }
