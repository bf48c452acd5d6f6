package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthatch/bluelink-agent/internal/governor"
)

func newTestGovernor(t *testing.T, dailyLimit int) *governor.Governor {
	t.Helper()
	return governor.New(filepath.Join(t.TempDir(), "gov.json"), dailyLimit)
}

func TestNextPollAt_NoCallsYetUsesGridSlot(t *testing.T) {
	gov := newTestGovernor(t, 48) // 30-minute slots
	s := New(gov, func(ctx context.Context, source string) error { return nil })

	next, err := s.NextPollAt()
	require.NoError(t, err)
	assert.True(t, next.After(time.Now()))
}

func TestNextPollAt_AfterCallUsesEffectiveInterval(t *testing.T) {
	gov := newTestGovernor(t, 48)
	require.NoError(t, gov.RecordCall("scheduler"))

	s := New(gov, func(ctx context.Context, source string) error { return nil })
	next, err := s.NextPollAt()
	require.NoError(t, err)

	last, err := gov.LastCallAt()
	require.NoError(t, err)
	interval, err := gov.EffectiveIntervalMinutes()
	require.NoError(t, err)
	assert.Equal(t, last.Add(time.Duration(interval*float64(time.Minute))), next)
}

func TestNextPollAt_StaleCandidateFallsBackToGridSlot(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "gov.json")

	now := time.Now()
	staleLastCall := now.Add(-2 * time.Hour)
	state := fmt.Sprintf(`{
		"date_of_counter": %q,
		"calls_today": 1,
		"last_call_at": %q,
		"backoff_multiplier": 1.0,
		"call_sources": [],
		"rate_limit_events": []
	}`, now.In(time.Local).Format("2006-01-02"), staleLastCall.Format(time.RFC3339))
	require.NoError(t, os.WriteFile(statePath, []byte(state), 0o644))

	gov := governor.New(statePath, 48) // 30-minute slots, effective interval well under 2h
	s := New(gov, func(ctx context.Context, source string) error { return nil })

	next, err := s.NextPollAt()
	require.NoError(t, err)
	assert.True(t, next.After(now), "stale candidate (last_call_at+interval already elapsed) must fall back to the grid, not fire immediately")
}

func TestRunOnce_InvokesPollWithManualSource(t *testing.T) {
	gov := newTestGovernor(t, 48)
	var gotSource string
	s := New(gov, func(ctx context.Context, source string) error {
		gotSource = source
		return nil
	})

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, "manual", gotSource)
}

func TestRun_StopsOnStopSignal(t *testing.T) {
	gov := newTestGovernor(t, 48)
	polled := make(chan struct{}, 1)
	s := New(gov, func(ctx context.Context, source string) error {
		polled <- struct{}{}
		return nil
	})
	s.Now = func() time.Time { return time.Now() }

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}
