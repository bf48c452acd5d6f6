// Package storage defines the polymorphic storage contract of spec §4.5,
// component C5: append-with-dedup writes and windowed reads over trips,
// battery readings, locations, and charging sessions. Three variants
// implement it: csvstore, sqlstore, and dualstore (the tagged-variant
// design spec §9 asks for in place of the original's CSV/Oracle/dual
// polymorphism).
package storage

import (
	"context"
	"time"

	"github.com/jthatch/bluelink-agent/internal/models"
)

// TripsWritten summarizes an AppendTrips call for logging (spec §4.5:
// "Skip duplicates silently, log the count").
type TripsWritten struct {
	Inserted int
	Skipped  int
}

// Store is the capability set every storage backend implements.
type Store interface {
	// AppendBattery always appends; temperature selection (meteo vs.
	// vehicle) is resolved by the caller before this is called.
	AppendBattery(ctx context.Context, r models.BatteryReading) error

	// AppendLocation appends when the reading has a GPS fix; callers
	// should skip calling this otherwise, but implementations must also
	// tolerate being called with a zero-value fix.
	AppendLocation(ctx context.Context, r models.LocationReading) error

	// AppendTrips dedups on (trip_date, distance_km, odometer_start_km),
	// skipping duplicates silently and reporting counts for the caller to
	// log.
	AppendTrips(ctx context.Context, trips []models.TripRecord) (TripsWritten, error)

	// UpsertChargingSession inserts a new session or updates an existing
	// one by SessionID — the charging engine (C6) is the only writer.
	UpsertChargingSession(ctx context.Context, s models.ChargingSession) error

	// LatestTrips returns the n newest trips, newest first.
	LatestTrips(ctx context.Context, n int) ([]models.TripRecord, error)

	// TripsInWindow returns trips within [start,end] (either may be
	// zero-value to mean unbounded), filtered by distance and paginated.
	TripsInWindow(ctx context.Context, q TripQuery) ([]models.TripRecord, int, error)

	// BatteryHistory returns readings oldest-first. days == nil means
	// "all".
	BatteryHistory(ctx context.Context, days *int) ([]models.BatteryReading, error)

	// BatteryHistoryRange returns readings oldest-first within [start,end].
	BatteryHistoryRange(ctx context.Context, start, end time.Time) ([]models.BatteryReading, error)

	// LastBatteryReading returns the most recent reading, used to resume
	// the charging engine across restarts.
	LastBatteryReading(ctx context.Context) (*models.BatteryReading, error)

	// ActiveChargingSession returns the one incomplete session, if any,
	// used to resume the charging engine across restarts.
	ActiveChargingSession(ctx context.Context) (*models.ChargingSession, error)

	// ChargingSessionsInWindow returns sessions whose start time falls
	// within [start,end] (either may be zero-value to mean unbounded),
	// newest first; when no sessions match and fallbackN > 0, the
	// fallbackN most recent sessions are returned instead (spec §4.8's
	// dashboard fallback). The CSV backend first applies the normalization
	// pass of spec §4.5 and persists corrected rows; the SQL backend
	// returns sessions as stored, without normalization.
	ChargingSessionsInWindow(ctx context.Context, start, end time.Time, fallbackN int) ([]models.ChargingSession, error)

	Close() error
}

// TripQuery is the filter set for TripsInWindow (spec §6 /api/trips).
type TripQuery struct {
	Page, PerPage          int
	Start, End             time.Time
	MinDistance, MaxDistance *float64
}
