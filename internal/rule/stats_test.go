package rule

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_ConcurrentRecord(t *testing.T) {
	var s Stats
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const workers, per = 8, 250

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				s.Record(base.Add(time.Duration(w*per+i)*time.Second), 2*time.Millisecond, i%2 == 0)
			}
		}(w)
	}
	wg.Wait()

	snap := s.Snapshot()
	assert.Equal(t, int64(workers*per), snap.ExecutionCount)
	assert.Equal(t, int64(workers*per/2), snap.SuccessCount)
	assert.InDelta(t, 2.0, snap.AverageExecutionTimeMs, 1e-9)
	assert.InDelta(t, 0.5, snap.SuccessRate, 1e-9)
	require.NotNil(t, snap.LastExecutedAt)
	assert.Equal(t, base.Add(time.Duration(workers*per-1)*time.Second), *snap.LastExecutedAt)
}

func TestStats_LastExecutedNeverMovesBack(t *testing.T) {
	var s Stats
	late := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	s.Record(late, 0, true)
	s.Record(late.Add(-time.Hour), 0, true)
	assert.Equal(t, late, *s.Snapshot().LastExecutedAt)
}

func TestStats_EmptySnapshot(t *testing.T) {
	var s Stats
	snap := s.Snapshot()
	assert.Zero(t, snap.ExecutionCount)
	assert.Nil(t, snap.LastExecutedAt)
	assert.Zero(t, snap.SuccessRate)
}

func TestStats_Allow(t *testing.T) {
	var s Stats
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, s.Allow(now, 0), "zero is unlimited")

	assert.True(t, s.Allow(now, 2))
	assert.True(t, s.Allow(now.Add(10*time.Minute), 2))
	assert.False(t, s.Allow(now.Add(20*time.Minute), 2))
	// first firing leaves the window
	assert.True(t, s.Allow(now.Add(61*time.Minute), 2))
	assert.False(t, s.Allow(now.Add(62*time.Minute), 2))
}
