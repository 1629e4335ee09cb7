// Package advisor suggests rule edits from execution statistics. It only
// reads the rule store and never takes part in evaluation.
package advisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Kind names the heuristic that produced a suggestion.
type Kind string

const (
	KindLowSuccessRate Kind = "low_success_rate"
	KindPriorityTie    Kind = "priority_tie"
	KindIdle           Kind = "idle"
)

// Edit is a proposed change to a rule. Only the set fields change.
type Edit struct {
	Enabled  *bool `json:"enabled,omitempty"`
	Priority *int  `json:"priority,omitempty"`
}

// Suggestion is advisory output. Applying it is up to the caller.
type Suggestion struct {
	RuleID   string   `json:"ruleId"`
	RuleName string   `json:"ruleName"`
	Kind     Kind     `json:"kind"`
	Message  string   `json:"message"`
	Related  []string `json:"related,omitempty"`
	Edit     *Edit    `json:"edit,omitempty"`
}

// Advisor produces suggestions. Implementations may be slow or
// non-deterministic; callers must not depend on them for evaluation.
type Advisor interface {
	Suggest(ctx context.Context) ([]Suggestion, error)
}

// Source is the read side of the rule store.
type Source interface {
	Snapshot() *rule.Snapshot
}

// Options tunes StatsAdvisor. Zero values take defaults.
type Options struct {
	// MinExecutions before a success rate is trusted.
	MinExecutions int64
	// MinSuccessRate below which disabling is suggested.
	MinSuccessRate float64
	// IdleAfter is how long an enabled rule may go without firing.
	IdleAfter time.Duration
	Clock     func() time.Time
}

// StatsAdvisor derives suggestions from rule stats and rule shape.
type StatsAdvisor struct {
	src  Source
	opts Options
}

// NewStatsAdvisor creates a StatsAdvisor over src.
func NewStatsAdvisor(src Source, opts Options) *StatsAdvisor {
	if opts.MinExecutions <= 0 {
		opts.MinExecutions = 20
	}
	if opts.MinSuccessRate <= 0 {
		opts.MinSuccessRate = 0.5
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = 7 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &StatsAdvisor{src: src, opts: opts}
}

// Suggest implements Advisor. Output is ordered by rule resolution order.
func (a *StatsAdvisor) Suggest(ctx context.Context) ([]Suggestion, error) {
	snap := a.src.Snapshot()
	now := a.opts.Clock()
	var out []Suggestion

	for _, c := range snap.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := c.Rule
		if !r.Enabled {
			continue
		}
		st := c.Stats.Snapshot()
		switch {
		case st.ExecutionCount >= a.opts.MinExecutions && st.SuccessRate < a.opts.MinSuccessRate:
			off := false
			out = append(out, Suggestion{
				RuleID: r.ID, RuleName: r.Name, Kind: KindLowSuccessRate,
				Message: fmt.Sprintf("only %.0f%% of %d executions succeeded; review its actions or disable it",
					st.SuccessRate*100, st.ExecutionCount),
				Edit: &Edit{Enabled: &off},
			})
		case st.ExecutionCount == 0 && now.Sub(r.CreatedAt) >= a.opts.IdleAfter:
			out = append(out, Suggestion{
				RuleID: r.ID, RuleName: r.Name, Kind: KindIdle,
				Message: fmt.Sprintf("has not fired since it was created %s ago; its conditions may be too narrow",
					now.Sub(r.CreatedAt).Truncate(time.Hour)),
			})
		}
	}
	out = append(out, ties(snap.Enabled())...)
	return out, nil
}

// ties flags enabled rules sharing a priority where more than one holds a
// terminal action: the winner then depends on creation order alone.
func ties(enabled []*rule.Compiled) []Suggestion {
	byPriority := make(map[int][]*rule.Rule)
	for _, c := range enabled {
		if c.Rule.HasTerminalAction() {
			byPriority[c.Rule.Priority] = append(byPriority[c.Rule.Priority], c.Rule)
		}
	}
	priorities := make([]int, 0, len(byPriority))
	for p, rs := range byPriority {
		if len(rs) > 1 {
			priorities = append(priorities, p)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	var out []Suggestion
	for _, p := range priorities {
		rs := byPriority[p]
		winner := rs[0]
		for _, loser := range rs[1:] {
			next := p - 1
			s := Suggestion{
				RuleID: loser.ID, RuleName: loser.Name, Kind: KindPriorityTie,
				Message: fmt.Sprintf("shares priority %d with %q; its approve/reject actions are skipped whenever both match", p, winner.Name),
				Related: []string{winner.ID},
			}
			if next >= rule.MinPriority {
				s.Edit = &Edit{Priority: &next}
			}
			out = append(out, s)
		}
	}
	return out
}
