package governor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(t *testing.T, limit int) *Governor {
	t.Helper()
	dir := t.TempDir()
	g := New(filepath.Join(dir, "api_call_history.json"), limit)
	return g
}

func TestCanCall_BoundaryAtDailyLimit(t *testing.T) {
	g := newTestGovernor(t, 30)

	for i := 0; i < 29; i++ {
		require.NoError(t, g.RecordCall("scheduler"))
	}
	ok, err := g.CanCall()
	require.NoError(t, err)
	assert.True(t, ok, "at daily_limit-1 calls made, CanCall must be true")

	require.NoError(t, g.RecordCall("scheduler"))
	ok, err = g.CanCall()
	require.NoError(t, err)
	assert.False(t, ok, "at daily_limit calls made, CanCall must be false")

	st, err := g.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.RemainingCalls)
}

func TestRecordCall_TracksCallNumberAndRing(t *testing.T) {
	g := newTestGovernor(t, 30)

	for i := 1; i <= 5; i++ {
		require.NoError(t, g.RecordCall("manual"))
	}

	st, err := g.Status()
	require.NoError(t, err)
	assert.Equal(t, 5, st.CallsToday)

	ring := g.load().CallSources
	require.Len(t, ring, 5)
	for i, rec := range ring {
		assert.Equal(t, i+1, rec.CallNumber)
		assert.Equal(t, "manual", rec.Source)
	}
}

func TestRecordCall_RingCapsAt50(t *testing.T) {
	g := newTestGovernor(t, 1000)

	for i := 0; i < 75; i++ {
		require.NoError(t, g.RecordCall("scheduler"))
	}

	st := g.load()
	assert.Len(t, st.CallSources, callRingSize)
	assert.Equal(t, 75, st.CallSources[len(st.CallSources)-1].CallNumber)
}

func TestBackoffClimb(t *testing.T) {
	g := newTestGovernor(t, 30)

	require.NoError(t, g.RecordRateLimitHit("scheduler", "429"))
	st, err := g.Status()
	require.NoError(t, err)
	assert.InDelta(t, 1.5, st.BackoffMultiplier, 1e-9)

	require.NoError(t, g.RecordRateLimitHit("scheduler", "429"))
	st, err = g.Status()
	require.NoError(t, err)
	assert.InDelta(t, 2.25, st.BackoffMultiplier, 1e-9)

	require.NoError(t, g.RecordRateLimitHit("scheduler", "429"))
	st, err = g.Status()
	require.NoError(t, err)
	assert.InDelta(t, 3.375, st.BackoffMultiplier, 1e-9)

	require.NoError(t, g.RecordRateLimitHit("scheduler", "429"))
	st, err = g.Status()
	require.NoError(t, err)
	assert.InDelta(t, 4.0, st.BackoffMultiplier, 1e-9, "backoff must clamp at 4.0")
}

func TestResetBackoff(t *testing.T) {
	g := newTestGovernor(t, 30)
	require.NoError(t, g.RecordRateLimitHit("scheduler", "429"))
	require.NoError(t, g.ResetBackoff())

	st, err := g.Status()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, st.BackoffMultiplier, 1e-9)
}

func TestRollover_ResetsCounterButKeepsBackoff(t *testing.T) {
	g := newTestGovernor(t, 30)
	yesterday := time.Now().Add(-36 * time.Hour)
	g.now = func() time.Time { return yesterday }

	require.NoError(t, g.RecordCall("scheduler"))
	require.NoError(t, g.RecordRateLimitHit("scheduler", "429"))

	g.now = time.Now // roll forward to "today"

	ok, err := g.CanCall()
	require.NoError(t, err)
	assert.True(t, ok)

	st, err := g.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, st.CallsToday, "counters reset across a date rollover")
	assert.InDelta(t, 1.5, st.BackoffMultiplier, 1e-9, "backoff multiplier is not reset by rollover")
}

func TestCorruptStateFile_TreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api_call_history.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	g := New(path, 30)
	ok, err := g.CanCall()
	require.NoError(t, err)
	assert.True(t, ok)
}
