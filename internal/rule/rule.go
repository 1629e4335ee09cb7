package rule

import (
	"slices"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
)

// Kind classifies a rule for reporting. It has no effect on evaluation.
type Kind string

const (
	KindAutoApproval   Kind = "auto_approval"
	KindSpamDetection  Kind = "spam_detection"
	KindCategorization Kind = "categorization"
	KindCustom         Kind = "custom"
)

func (k Kind) valid() bool {
	switch k {
	case KindAutoApproval, KindSpamDetection, KindCategorization, KindCustom:
		return true
	}
	return false
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// Rule is a named, prioritized condition and action bundle.
// Conditions are folded left to right; actions run in declared order.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Kind        Kind   `json:"type,omitempty" yaml:"type,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	// Priority ranges 1..10; higher is evaluated and resolved first.
	Priority   int                   `json:"priority" yaml:"priority"`
	Conditions []condition.Condition `json:"conditions" yaml:"conditions"`
	Actions    []Action              `json:"actions" yaml:"actions"`
	// MaxExecutionsPerHour throttles firing; 0 is unlimited.
	MaxExecutionsPerHour int `json:"maxExecutionsPerHour,omitempty" yaml:"max_executions_per_hour,omitempty"`

	// Source records who owns the rule. Reloads only touch config rules.
	Source    Source    `json:"source,omitempty" yaml:"-"`
	Version   int       `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"-"`
}

// Source is where a rule was last written from.
type Source string

const (
	// SourceConfig rules come from the rules file and are replaced on reload.
	SourceConfig Source = "config"
	// SourceAPI rules were created or changed through CRUD or toggle calls.
	// A reload never removes or overwrites them.
	SourceAPI Source = "api"
)

// HasTerminalAction reports whether any action approves or rejects.
func (r *Rule) HasTerminalAction() bool {
	for _, a := range r.Actions {
		if a.Type.Terminal() {
			return true
		}
	}
	return false
}

// Clone returns a copy whose slices can be modified independently.
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = slices.Clone(r.Conditions)
	c.Actions = slices.Clone(r.Actions)
	return &c
}
