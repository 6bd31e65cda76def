package trust

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTierFor verifies the tier boundaries.
func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{0, TierUntrusted},
		{0.29, TierUntrusted},
		{0.3, TierMinimal},
		{0.49, TierMinimal},
		{0.5, TierBasic},
		{0.69, TierBasic},
		{0.7, TierStandard},
		{0.89, TierStandard},
		{0.9, TierHigh},
		{1, TierHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.score), "score %v", tt.score)
	}
	assert.True(t, TierUntrusted.Low())
	assert.True(t, TierMinimal.Low())
	assert.False(t, TierBasic.Low())
}

// TestUnknownNodeDefaults verifies first-contact scores.
func TestUnknownNodeDefaults(t *testing.T) {
	m := NewManager()

	eval := m.EvaluateNodeTrust("ghost")
	assert.InDelta(t, 0.5, eval.Score, 1e-9)
	assert.Equal(t, TierBasic, eval.Tier)
	assert.False(t, eval.Blacklisted)

	_, err := m.Get("ghost")
	assert.ErrorIs(t, err, ErrUnknownNode)

	m.Touch("ghost")
	rep, err := m.Get("ghost")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep.TaskCompletion, 1e-9)
	assert.InDelta(t, 0.5, rep.ValidationAccuracy, 1e-9)
	assert.InDelta(t, 0.5, rep.Availability, 1e-9)
	assert.InDelta(t, 0.5, rep.Behavior, 1e-9)
	assert.Equal(t, 0, rep.Events)
}

// TestCompositeScore verifies the weighted combination of sub-scores.
func TestCompositeScore(t *testing.T) {
	m := NewManager()

	// completion 3/4, validation 1/1, availability untouched, behavior mean of
	// (+1,+1,+1,-1,+1) = 0.6 -> 0.8
	m.RecordTaskCompletion("n1", true)
	m.RecordTaskCompletion("n1", true)
	m.RecordTaskCompletion("n1", true)
	m.RecordTaskCompletion("n1", false)
	m.RecordValidation("n1", true)

	rep, err := m.Get("n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, rep.TaskCompletion, 1e-9)
	assert.InDelta(t, 1.0, rep.ValidationAccuracy, 1e-9)
	assert.InDelta(t, 0.5, rep.Availability, 1e-9)
	assert.InDelta(t, 0.8, rep.Behavior, 1e-9)

	want := 0.3*0.75 + 0.3*1.0 + 0.2*0.5 + 0.2*0.8
	assert.InDelta(t, want, rep.Score, 1e-9)
	assert.InDelta(t, want, m.Score("n1"), 1e-9)
	assert.Equal(t, TierStandard, rep.Tier)
}

// TestBehaviorUsesRecentWindow verifies only the newest events count.
func TestBehaviorUsesRecentWindow(t *testing.T) {
	m := NewManager()

	for i := 0; i < 500; i++ {
		m.RecordAvailability("n1", false)
	}
	for i := 0; i < BehaviorWindow; i++ {
		m.RecordAvailability("n1", true)
	}

	rep, err := m.Get("n1")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rep.Behavior, 1e-9)
	assert.Equal(t, 600, rep.Events)

	for i := 0; i < 2*HistorySize; i++ {
		m.RecordAvailability("n1", true)
	}
	rep, err = m.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, HistorySize, rep.Events)
}

// TestBlacklistIsOneWay verifies blacklisting cannot be undone and keeps the record.
func TestBlacklistIsOneWay(t *testing.T) {
	var calls []string
	m := NewManager(OnBlacklist(func(id, reason string) {
		calls = append(calls, id+":"+reason)
	}))

	m.RecordTaskCompletion("n1", true)
	assert.True(t, m.BlacklistNode("n1", "bad results"))
	assert.False(t, m.BlacklistNode("n1", "again"))
	assert.True(t, m.IsBlacklisted("n1"))

	m.RecordTaskCompletion("n1", true)
	assert.True(t, m.IsBlacklisted("n1"))

	rep, err := m.Get("n1")
	require.NoError(t, err)
	assert.True(t, rep.Blacklisted)
	assert.Equal(t, "bad results", rep.BlacklistReason)
	assert.False(t, rep.BlacklistedAt.IsZero())
	assert.Equal(t, 2, rep.Events)
	assert.Equal(t, []string{"n1:bad results"}, calls)

	assert.True(t, m.EvaluateNodeTrust("n1").Blacklisted)
}

// TestAutoBlacklist verifies the optional score floor.
func TestAutoBlacklist(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		m := NewManager()
		for i := 0; i < 50; i++ {
			m.RecordTaskCompletion("n1", false)
			m.RecordValidation("n1", false)
		}
		assert.False(t, m.IsBlacklisted("n1"))
	})

	t.Run("fires below threshold after enough events", func(t *testing.T) {
		m := NewManager(WithBlacklistThreshold(0.2))
		for i := 0; i < minEventsForAutoBlacklist/2-1; i++ {
			m.RecordTaskCompletion("n1", false)
			m.RecordValidation("n1", false)
		}
		assert.False(t, m.IsBlacklisted("n1"), "too few events")

		m.RecordTaskCompletion("n1", false)
		m.RecordValidation("n1", false)
		assert.True(t, m.IsBlacklisted("n1"))

		rep, err := m.Get("n1")
		require.NoError(t, err)
		assert.Equal(t, "trust score below threshold", rep.BlacklistReason)
	})
}

// TestAllSorted verifies All returns every node ordered by id.
func TestAllSorted(t *testing.T) {
	m := NewManager()
	m.Touch("c")
	m.Touch("a")
	m.Touch("b")

	all := m.All()
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].NodeID)
	assert.Equal(t, "b", all[1].NodeID)
	assert.Equal(t, "c", all[2].NodeID)
}

// TestConcurrentRecording verifies the manager is safe under concurrent use.
func TestConcurrentRecording(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordTaskCompletion("n1", j%2 == 0)
				_ = m.EvaluateNodeTrust("n1")
			}
		}()
	}
	wg.Wait()

	rep, err := m.Get("n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rep.TaskCompletion, 1e-9)
	assert.Equal(t, 1000, rep.Events)
}
