package dualstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jthatch/bluelink-agent/internal/models"
	"github.com/jthatch/bluelink-agent/internal/storage/csvstore"
	"github.com/jthatch/bluelink-agent/internal/storage/sqlstore"
)

func newTestStore(t *testing.T, readFromSecondary bool) *Store {
	t.Helper()
	primary, err := csvstore.New(t.TempDir())
	require.NoError(t, err)
	secondary, err := sqlstore.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { secondary.Close() })
	return New(primary, secondary, readFromSecondary)
}

func TestAppendBattery_WritesBothBackends(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	r := models.BatteryReading{Timestamp: time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC), Level: 55}
	require.NoError(t, s.AppendBattery(ctx, r))

	fromPrimary, err := s.Primary.LastBatteryReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, fromPrimary)
	assert.Equal(t, 55.0, fromPrimary.Level)

	fromSecondary, err := s.Secondary.LastBatteryReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, fromSecondary)
	assert.Equal(t, 55.0, fromSecondary.Level)
}

func TestReadFrom_SelectsConfiguredSide(t *testing.T) {
	ctx := context.Background()

	primaryOnly := newTestStore(t, false)
	require.NoError(t, primaryOnly.Primary.AppendBattery(ctx, models.BatteryReading{
		Timestamp: time.Now(), Level: 10,
	}))
	last, err := primaryOnly.LastBatteryReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 10.0, last.Level)

	secondaryRead := newTestStore(t, true)
	require.NoError(t, secondaryRead.Secondary.AppendBattery(ctx, models.BatteryReading{
		Timestamp: time.Now(), Level: 20,
	}))
	last, err = secondaryRead.LastBatteryReading(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 20.0, last.Level)
}

func TestAppendTrips_DedupsIndependentlyPerBackendButReportsFromPrimary(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	trip := models.TripRecord{TripDate: "2025-02-01", DistanceKm: 5, OdometerStartKm: 100}

	written, err := s.AppendTrips(ctx, []models.TripRecord{trip})
	require.NoError(t, err)
	assert.Equal(t, 1, written.Inserted)

	written, err = s.AppendTrips(ctx, []models.TripRecord{trip})
	require.NoError(t, err)
	assert.Equal(t, 1, written.Skipped)
}

func TestUpsertChargingSession_PropagatesToReadFrom(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	sess := models.ChargingSession{SessionID: "chg_dual", StartTime: time.Now(), StartBattery: 30}
	require.NoError(t, s.UpsertChargingSession(ctx, sess))

	active, err := s.ActiveChargingSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "chg_dual", active.SessionID)
}

func TestClose_ReturnsPrimaryErrorOnly(t *testing.T) {
	s := newTestStore(t, false)
	assert.NoError(t, s.Close())
}
