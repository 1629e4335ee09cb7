package advisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/ruleflow/internal/condition"
	"github.com/gyaneshwarpardhi/ruleflow/internal/record"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

var created = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *rule.Store {
	t.Helper()
	return rule.NewStore(record.DefaultSchema(), rule.WithClock(func() time.Time { return created }))
}

func addRule(t *testing.T, s *rule.Store, name string, priority int, typ rule.ActionType) *rule.Rule {
	t.Helper()
	var params rule.Params
	switch typ {
	case rule.ActionApprove:
		params = rule.ApproveParams{}
	case rule.ActionReject:
		params = rule.RejectParams{}
	default:
		params = rule.FlagParams{}
	}
	r, err := s.Create(rule.Rule{
		Name: name, Enabled: true, Priority: priority,
		Conditions: []condition.Condition{{Field: "rating", Operator: condition.OpGreaterThan, Value: 0}},
		Actions:    []rule.Action{{Type: typ, Params: params}},
	})
	require.NoError(t, err)
	return r
}

func fire(s *rule.Store, id string, ok, failed int) {
	c, _ := s.Snapshot().Get(id)
	for i := 0; i < ok; i++ {
		c.Stats.Record(created, time.Millisecond, true)
	}
	for i := 0; i < failed; i++ {
		c.Stats.Record(created, time.Millisecond, false)
	}
}

func TestSuggest(t *testing.T) {
	s := newStore(t)
	flaky := addRule(t, s, "flaky", 9, rule.ActionFlag)
	healthy := addRule(t, s, "healthy", 8, rule.ActionFlag)
	idle := addRule(t, s, "idle", 7, rule.ActionFlag)
	fire(s, flaky.ID, 5, 20)
	fire(s, healthy.ID, 30, 1)

	adv := NewStatsAdvisor(s, Options{Clock: func() time.Time { return created.Add(10 * 24 * time.Hour) }})
	got, err := adv.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, flaky.ID, got[0].RuleID)
	assert.Equal(t, KindLowSuccessRate, got[0].Kind)
	require.NotNil(t, got[0].Edit)
	require.NotNil(t, got[0].Edit.Enabled)
	assert.False(t, *got[0].Edit.Enabled)
	assert.Contains(t, got[0].Message, "20%")

	assert.Equal(t, idle.ID, got[1].RuleID)
	assert.Equal(t, KindIdle, got[1].Kind)
	assert.Nil(t, got[1].Edit)
}

func TestSuggest_SkipsDisabledAndYoungRules(t *testing.T) {
	s := newStore(t)
	flaky := addRule(t, s, "flaky", 9, rule.ActionFlag)
	fire(s, flaky.ID, 0, 50)
	_, err := s.Toggle(flaky.ID, false)
	require.NoError(t, err)
	addRule(t, s, "new", 5, rule.ActionFlag)

	adv := NewStatsAdvisor(s, Options{Clock: func() time.Time { return created.Add(time.Hour) }})
	got, err := adv.Suggest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSuggest_PriorityTies(t *testing.T) {
	s := newStore(t)
	first := addRule(t, s, "approve good", 5, rule.ActionApprove)
	second := addRule(t, s, "reject short", 5, rule.ActionReject)
	addRule(t, s, "flag only", 5, rule.ActionFlag)
	low1 := addRule(t, s, "low a", 1, rule.ActionApprove)
	low2 := addRule(t, s, "low b", 1, rule.ActionReject)

	adv := NewStatsAdvisor(s, Options{Clock: func() time.Time { return created }})
	got, err := adv.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, KindPriorityTie, got[0].Kind)
	assert.Equal(t, second.ID, got[0].RuleID)
	assert.Equal(t, []string{first.ID}, got[0].Related)
	require.NotNil(t, got[0].Edit)
	assert.Equal(t, 4, *got[0].Edit.Priority)

	assert.Equal(t, low2.ID, got[1].RuleID)
	assert.Equal(t, []string{low1.ID}, got[1].Related)
	assert.Nil(t, got[1].Edit, "no lower priority to move to")
}

func TestSuggest_Cancelled(t *testing.T) {
	s := newStore(t)
	addRule(t, s, "one", 5, rule.ActionFlag)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStatsAdvisor(s, Options{}).Suggest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
