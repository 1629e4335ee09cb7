package rule

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
)

// Compiled is a rule ready for evaluation. Everything reachable from it is
// immutable except Stats.
type Compiled struct {
	Rule       *Rule
	Conditions []*condition.Compiled
	Stats      *Stats
	// Seq is the creation order, used to break priority ties.
	Seq uint64
	// TimeWindowed rules reference relative time literals and are the ones
	// the periodic re-scan re-evaluates.
	TimeWindowed bool
}

// Matches folds the rule's conditions against ctx.
func (c *Compiled) Matches(ctx condition.EvalContext) (bool, []bool) {
	return condition.Match(c.Conditions, ctx)
}

// Snapshot is one immutable version of the rule set.
type Snapshot struct {
	version uint64
	schema  *record.Schema
	byID    map[string]*Compiled
	ordered []*Compiled
	enabled []*Compiled
}

// Version increases with every write.
func (s *Snapshot) Version() uint64 { return s.version }

// Schema is the field schema the snapshot was compiled against.
func (s *Snapshot) Schema() *record.Schema { return s.schema }

// Enabled returns the enabled rules ordered by priority descending, then
// creation order. The slice is shared and must not be modified.
func (s *Snapshot) Enabled() []*Compiled { return s.enabled }

// All returns every rule in resolution order.
func (s *Snapshot) All() []*Compiled { return s.ordered }

// Get returns the compiled rule with the given id.
func (s *Snapshot) Get(id string) (*Compiled, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Len is the number of rules.
func (s *Snapshot) Len() int { return len(s.byID) }

// Store holds the rule set as a versioned snapshot. Readers load the current
// snapshot pointer and never block; writers serialize on a mutex, build a new
// snapshot and swap it in.
type Store struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	seq  uint64

	now              func() time.Time
	defaultTimeoutMs int
	logger           *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for CreatedAt/UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDefaultTimeout sets the timeoutMs given to actions that leave it unset.
func WithDefaultTimeout(ms int) Option {
	return func(s *Store) {
		if ms > 0 {
			s.defaultTimeoutMs = ms
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore returns an empty store validating against schema.
func NewStore(schema *record.Schema, opts ...Option) *Store {
	if schema == nil {
		schema = record.DefaultSchema()
	}
	s := &Store{
		now:              time.Now,
		defaultTimeoutMs: 5000,
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.snap.Store(&Snapshot{schema: schema, byID: map[string]*Compiled{}})
	return s
}

// Snapshot returns the current rule set.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// ListEnabledByPriorityDesc returns the enabled rules in resolution order.
func (s *Store) ListEnabledByPriorityDesc() []*Compiled {
	return s.snap.Load().Enabled()
}

// List returns copies of all rules in resolution order.
func (s *Store) List() []*Rule {
	all := s.snap.Load().All()
	out := make([]*Rule, len(all))
	for i, c := range all {
		out[i] = c.Rule.Clone()
	}
	return out
}

// Get returns a copy of the rule.
func (s *Store) Get(id string) (*Rule, error) {
	c, ok := s.snap.Load().Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Rule.Clone(), nil
}

// Stats returns the rule's execution counters.
func (s *Store) Stats(id string) (ExecutionStats, error) {
	c, ok := s.snap.Load().Get(id)
	if !ok {
		return ExecutionStats{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.Stats.Snapshot(), nil
}

// Create validates and adds r. An empty id is replaced with a UUID.
func (s *Store) Create(r Rule) (*Rule, error) {
	nr := r.Clone()
	if nr.ID == "" {
		nr.ID = uuid.NewString()
	}
	normalize(nr, s.defaultTimeoutMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	if _, exists := cur.byID[nr.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, nr.ID)
	}
	conds, err := Validate(nr, cur.schema)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	nr.Source = SourceAPI
	nr.Version = 1
	nr.CreatedAt, nr.UpdatedAt = now, now
	s.seq++
	c := newCompiled(nr, conds, &Stats{}, s.seq)

	next := maps.Clone(cur.byID)
	next[nr.ID] = c
	s.swap(cur, cur.schema, next)
	s.logger.Info("rule created", "rule_id", nr.ID, "name", nr.Name, "priority", nr.Priority)
	return nr.Clone(), nil
}

// Update replaces the rule with the given id. Stats and creation order are
// kept; Version is incremented.
func (s *Store) Update(id string, r Rule) (*Rule, error) {
	nr := r.Clone()
	nr.ID = id
	normalize(nr, s.defaultTimeoutMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	old, ok := cur.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	conds, err := Validate(nr, cur.schema)
	if err != nil {
		return nil, err
	}
	nr.Source = SourceAPI
	nr.Version = old.Rule.Version + 1
	nr.CreatedAt = old.Rule.CreatedAt
	nr.UpdatedAt = s.now().UTC()

	next := maps.Clone(cur.byID)
	next[id] = newCompiled(nr, conds, old.Stats, old.Seq)
	s.swap(cur, cur.schema, next)
	s.logger.Info("rule updated", "rule_id", id, "version", nr.Version)
	return nr.Clone(), nil
}

// Delete removes the rule. Rules that have executed may be deleted; audit
// entries keep their rule id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	if _, ok := cur.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := maps.Clone(cur.byID)
	delete(next, id)
	s.swap(cur, cur.schema, next)
	s.logger.Info("rule deleted", "rule_id", id)
	return nil
}

// Toggle enables or disables the rule.
func (s *Store) Toggle(id string, enabled bool) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	old, ok := cur.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if old.Rule.Enabled == enabled {
		return old.Rule.Clone(), nil
	}
	nr := old.Rule.Clone()
	nr.Enabled = enabled
	nr.Source = SourceAPI
	nr.Version++
	nr.UpdatedAt = s.now().UTC()

	next := maps.Clone(cur.byID)
	next[id] = newCompiled(nr, old.Conditions, old.Stats, old.Seq)
	s.swap(cur, cur.schema, next)
	s.logger.Info("rule toggled", "rule_id", id, "enabled", enabled)
	return nr.Clone(), nil
}

// Replace swaps in the config-file rule set. Either every rule is valid and
// the set is replaced, or nothing changes. Rules whose id already exists keep
// their stats and creation order. Rules owned by the API are left alone: they
// survive the reload, and a file rule with the same id is ignored.
func (s *Store) Replace(rules []Rule) error {
	return s.Load(nil, rules)
}

// Load is Replace with a new schema swapped in the same snapshot. A nil
// schema keeps the current one.
func (s *Store) Load(schema *record.Schema, rules []Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	if schema == nil {
		schema = cur.schema
	}
	next, err := s.rebuild(cur, schema, rules)
	if err != nil {
		return err
	}
	s.swap(cur, schema, next)
	s.logger.Info("rules replaced", "count", len(next), "from_file", len(rules))
	return nil
}

// SetSchema recompiles every rule against schema. It fails without changing
// anything if an existing rule is invalid under the new schema.
func (s *Store) SetSchema(schema *record.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	ve := &ValidationError{}
	next := make(map[string]*Compiled, len(cur.byID))
	for id, c := range cur.byID {
		conds, err := Validate(c.Rule, schema)
		if err != nil {
			ve.prefixed("rules["+id+"]", asValidation(err))
			continue
		}
		next[id] = newCompiled(c.Rule, conds, c.Stats, c.Seq)
	}
	if err := ve.err(); err != nil {
		return err
	}
	s.swap(cur, schema, next)
	return nil
}

// rebuild validates the file rules and builds the id map for a reload. API
// rules are carried over, recompiled against schema.
func (s *Store) rebuild(cur *Snapshot, schema *record.Schema, rules []Rule) (map[string]*Compiled, error) {
	ve := &ValidationError{}
	next := make(map[string]*Compiled, len(rules))
	for id, c := range cur.byID {
		if c.Rule.Source != SourceAPI {
			continue
		}
		conds, err := Validate(c.Rule, schema)
		if err != nil {
			ve.prefixed("rules["+id+"]", asValidation(err))
			continue
		}
		next[id] = newCompiled(c.Rule, conds, c.Stats, c.Seq)
	}
	seen := make(map[string]bool, len(rules))
	var shadowed []string
	now := s.now().UTC()
	for i := range rules {
		nr := rules[i].Clone()
		path := fmt.Sprintf("rules[%d]", i)
		if nr.ID == "" {
			ve.add(path+".id", "is required")
			continue
		}
		if seen[nr.ID] {
			ve.add(path+".id", "duplicate id %q", nr.ID)
			continue
		}
		seen[nr.ID] = true
		if old, ok := cur.byID[nr.ID]; ok && old.Rule.Source == SourceAPI {
			shadowed = append(shadowed, nr.ID)
			continue
		}
		normalize(nr, s.defaultTimeoutMs)
		conds, err := Validate(nr, schema)
		if err != nil {
			ve.prefixed(path, asValidation(err))
			continue
		}
		stats := &Stats{}
		var seq uint64
		if old, ok := cur.byID[nr.ID]; ok {
			stats, seq = old.Stats, old.Seq
			nr.CreatedAt = old.Rule.CreatedAt
			nr.Version = old.Rule.Version + 1
		} else {
			s.seq++
			seq = s.seq
			nr.CreatedAt = now
			nr.Version = 1
		}
		nr.Source = SourceConfig
		nr.UpdatedAt = now
		next[nr.ID] = newCompiled(nr, conds, stats, seq)
	}
	if err := ve.err(); err != nil {
		return nil, err
	}
	if len(shadowed) > 0 {
		s.logger.Warn("file rules ignored: changed through the API", "rule_ids", shadowed)
	}
	return next, nil
}

// swap publishes a snapshot built from byID. Callers hold s.mu.
func (s *Store) swap(cur *Snapshot, schema *record.Schema, byID map[string]*Compiled) {
	ordered := make([]*Compiled, 0, len(byID))
	for _, c := range byID {
		ordered = append(ordered, c)
	}
	slices.SortFunc(ordered, compareResolution)
	enabled := make([]*Compiled, 0, len(ordered))
	for _, c := range ordered {
		if c.Rule.Enabled {
			enabled = append(enabled, c)
		}
	}
	s.snap.Store(&Snapshot{
		version: cur.version + 1,
		schema:  schema,
		byID:    byID,
		ordered: ordered,
		enabled: enabled,
	})
}

// compareResolution orders by priority descending, then creation order.
func compareResolution(a, b *Compiled) int {
	if a.Rule.Priority != b.Rule.Priority {
		return b.Rule.Priority - a.Rule.Priority
	}
	if a.Seq != b.Seq {
		if a.Seq < b.Seq {
			return -1
		}
		return 1
	}
	switch {
	case a.Rule.ID < b.Rule.ID:
		return -1
	case a.Rule.ID > b.Rule.ID:
		return 1
	}
	return 0
}

func newCompiled(r *Rule, conds []*condition.Compiled, stats *Stats, seq uint64) *Compiled {
	c := &Compiled{Rule: r, Conditions: conds, Stats: stats, Seq: seq}
	for _, cc := range conds {
		if cc.TimeRelative() {
			c.TimeWindowed = true
			break
		}
	}
	return c
}

func asValidation(err error) *ValidationError {
	if ve, ok := err.(*ValidationError); ok {
		return ve
	}
	return &ValidationError{Problems: []Problem{{Message: err.Error()}}}
}
