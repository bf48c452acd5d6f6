package csvstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthatch/bluelink-agent/internal/models"
	"github.com/jthatch/bluelink-agent/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestAppendTrips_DedupsByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trip := models.TripRecord{TripDate: "2025-01-01", DistanceKm: 12.3, OdometerStartKm: 1000}

	written, err := s.AppendTrips(ctx, []models.TripRecord{trip})
	require.NoError(t, err)
	assert.Equal(t, 1, written.Inserted)
	assert.Equal(t, 0, written.Skipped)

	written, err = s.AppendTrips(ctx, []models.TripRecord{trip})
	require.NoError(t, err)
	assert.Equal(t, 0, written.Inserted)
	assert.Equal(t, 1, written.Skipped)

	trips, err := s.LatestTrips(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, trip.DistanceKm, trips[0].DistanceKm)
}

func TestAppendBattery_AndLastBatteryReading(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := models.BatteryReading{Timestamp: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), Level: 60}
	r2 := models.BatteryReading{Timestamp: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), Level: 65}

	require.NoError(t, s.AppendBattery(ctx, r1))
	require.NoError(t, s.AppendBattery(ctx, r2))

	last, err := s.LastBatteryReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 65.0, last.Level)

	history, err := s.BatteryHistory(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAppendLocation_SkipsZeroFix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLocation(ctx, models.LocationReading{}))
	rows, err := s.readRows(s.locationPath())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestUpsertChargingSession_InsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := models.ChargingSession{SessionID: "chg_1", StartTime: time.Now(), StartBattery: 40}
	require.NoError(t, s.UpsertChargingSession(ctx, sess))

	active, err := s.ActiveChargingSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "chg_1", active.SessionID)

	end := time.Now()
	sess.EndTime = &end
	sess.EndBattery = 80
	sess.IsComplete = true
	require.NoError(t, s.UpsertChargingSession(ctx, sess))

	active, err = s.ActiveChargingSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestChargingSessionsInWindow_FallsBackWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, -1, 0)
	end := old.Add(time.Hour)
	require.NoError(t, s.UpsertChargingSession(ctx, models.ChargingSession{
		SessionID: "chg_old", StartTime: old, EndTime: &end, StartBattery: 10, EndBattery: 90, IsComplete: true,
	}))

	sessions, err := s.ChargingSessionsInWindow(ctx, time.Now(), time.Now().Add(time.Hour), 5)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "chg_old", sessions[0].SessionID)
}

func TestTripsInWindow_PaginatesAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.AppendTrips(ctx, []models.TripRecord{{
			TripDate: "2025-01-0" + string(rune('1'+i)), DistanceKm: float64(i + 1), OdometerStartKm: float64(i * 10),
		}})
		require.NoError(t, err)
	}

	trips, total, err := s.TripsInWindow(ctx, storage.TripQuery{Page: 1, PerPage: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, trips, 2)

	minDistance := 2.0
	trips, total, err = s.TripsInWindow(ctx, storage.TripQuery{Page: 1, PerPage: 10, MinDistance: &minDistance})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, trips, 2)
}
