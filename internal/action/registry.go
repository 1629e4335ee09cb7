package action

import (
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Registry maps action types to their executors.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[rule.ActionType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[rule.ActionType]Executor)}
}

// NewDefaultRegistry returns a registry holding the built-in executors.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, e := range Builtins() {
		r.Register(e)
	}
	return r
}

// Register adds an executor. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Get returns the executor for the given type.
func (r *Registry) Get(t rule.ActionType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for action type %q", t)
	}
	return e, nil
}

// Types returns all registered action types.
func (r *Registry) Types() []rule.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]rule.ActionType, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	return out
}
