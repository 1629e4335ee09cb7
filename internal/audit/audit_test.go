package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		due, succeeded int
		want           Outcome
	}{
		{0, 0, Success},
		{3, 3, Success},
		{3, 1, PartialFailure},
		{3, 0, Failure},
		{1, 0, Failure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.due, tc.succeeded), "Classify(%d, %d)", tc.due, tc.succeeded)
	}
}

func entry(i int, ruleID, recordID string, outcome Outcome) ExecutionRecord {
	return ExecutionRecord{
		ID:                  fmt.Sprintf("e-%02d", i),
		RuleID:              ruleID,
		RuleName:            "rule " + ruleID,
		RuleType:            "auto_approval",
		RecordID:            recordID,
		MatchedAt:           time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		ConditionsEvaluated: []bool{true, false, true},
		Steps:               []Step{{Type: "approve", Status: "succeeded", Attempts: 1}},
		ActionsAttempted:    1,
		ActionsSucceeded:    1,
		Outcome:             outcome,
		DurationMs:          1.5,
	}
}

// exerciseLog runs the same checks against every Log implementation.
func exerciseLog(t *testing.T, log Log) {
	ctx := context.Background()
	require.NoError(t, log.Write(ctx, entry(1, "r-1", "t-1", Success)))
	require.NoError(t, log.Write(ctx, entry(2, "r-2", "t-1", Failure)))
	require.NoError(t, log.Write(ctx, entry(3, "r-1", "t-2", PartialFailure)))

	dup := entry(1, "r-9", "t-9", Failure)
	require.NoError(t, log.Write(ctx, dup), "duplicate ids are ignored")

	all, err := log.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e-03", all[0].ID, "newest first")
	assert.Equal(t, "e-01", all[2].ID)
	assert.Equal(t, "r-1", all[2].RuleID, "first write wins")
	assert.Equal(t, []bool{true, false, true}, all[0].ConditionsEvaluated)
	assert.Equal(t, []Step{{Type: "approve", Status: "succeeded", Attempts: 1}}, all[0].Steps)
	assert.True(t, all[0].MatchedAt.Equal(time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC)))

	byRule, err := log.List(ctx, Query{RuleID: "r-1"})
	require.NoError(t, err)
	assert.Len(t, byRule, 2)

	byRecord, err := log.List(ctx, Query{RecordID: "t-1", Outcome: Failure})
	require.NoError(t, err)
	require.Len(t, byRecord, 1)
	assert.Equal(t, "e-02", byRecord[0].ID)

	limited, err := log.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemory(t *testing.T) {
	exerciseLog(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	log, err := Open("sqlite3", dsn)
	require.NoError(t, err)
	defer log.Close()
	exerciseLog(t, log)
}

func TestSQLite_ReopenIsIdempotent(t *testing.T) {
	path := t.TempDir() + "/audit.db"
	first, err := OpenSQL("sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, first.Write(context.Background(), entry(1, "r-1", "t-1", Success)))
	require.NoError(t, first.Close())

	second, err := OpenSQL("sqlite3", path)
	require.NoError(t, err)
	defer second.Close()
	got, err := second.List(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRebind(t *testing.T) {
	pg := &SQL{driver: "postgres"}
	assert.Equal(t, "a = $1 AND b = $2 LIMIT $3", pg.rebind("a = ? AND b = ? LIMIT ?"))
	lite := &SQL{driver: "sqlite3"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mongo", "")
	assert.Error(t, err)
}
