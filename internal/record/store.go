package record

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a record id is unknown to the store.
var ErrNotFound = errors.New("record not found")

// MemoryStore keeps the latest copy of every submitted record. It is the
// status store mutated by Approve/Reject/Categorize/Flag actions and the
// source of candidates for periodic re-scans.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Put stores a copy of rec, replacing any previous version.
func (s *MemoryStore) Put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec.Clone()
}

// Get returns a copy of the stored record.
func (s *MemoryStore) Get(id string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// SetStatus records a status transition. reason is kept in the
// "status_reason" field when non-empty.
func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("set status on %s: %w", id, ErrNotFound)
	}
	next := r.Clone()
	next.Status = status
	if reason != "" {
		next.Set("status_reason", reason)
	}
	s.records[id] = next
	return nil
}

// SetCategory assigns the record's category field.
func (s *MemoryStore) SetCategory(_ context.Context, id, category string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("set category on %s: %w", id, ErrNotFound)
	}
	next := r.Clone()
	next.Set("category", category)
	s.records[id] = next
	return nil
}

// Candidates returns copies of all stored records ordered by id.
func (s *MemoryStore) Candidates(_ context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
