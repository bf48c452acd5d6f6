// Package dualstore composes two storage.Store backends, writing to
// both and reading from a configured primary (spec §9 Open Question 2:
// dual-write for a migration window, not a permanent fan-out). It
// replaces the original's oracle+csv dual_store.py with the same
// "write-both, read-one, log the secondary's failures" policy.
package dualstore

import (
	"context"
	"log"
	"time"

	"github.com/jthatch/bluelink-agent/internal/models"
	"github.com/jthatch/bluelink-agent/internal/storage"
)

// Store fans writes out to Primary and Secondary, surfacing only
// Primary's errors; Secondary failures are logged, never returned, so a
// broken migration target cannot stall collection.
type Store struct {
	Primary   storage.Store
	Secondary storage.Store
	ReadFrom  storage.Store // usually == Primary; set explicitly for clarity
}

// New wires primary/secondary with reads served from readFrom (spec §9:
// "dual_read_from" config selects which side answers dashboard queries).
func New(primary, secondary storage.Store, readFromSecondary bool) *Store {
	readFrom := primary
	if readFromSecondary {
		readFrom = secondary
	}
	return &Store{Primary: primary, Secondary: secondary, ReadFrom: readFrom}
}

func (s *Store) AppendBattery(ctx context.Context, r models.BatteryReading) error {
	err := s.Primary.AppendBattery(ctx, r)
	if secErr := s.Secondary.AppendBattery(ctx, r); secErr != nil {
		log.Printf("dualstore: secondary AppendBattery failed: %v", secErr)
	}
	return err
}

func (s *Store) AppendLocation(ctx context.Context, r models.LocationReading) error {
	err := s.Primary.AppendLocation(ctx, r)
	if secErr := s.Secondary.AppendLocation(ctx, r); secErr != nil {
		log.Printf("dualstore: secondary AppendLocation failed: %v", secErr)
	}
	return err
}

func (s *Store) AppendTrips(ctx context.Context, trips []models.TripRecord) (storage.TripsWritten, error) {
	result, err := s.Primary.AppendTrips(ctx, trips)
	if _, secErr := s.Secondary.AppendTrips(ctx, trips); secErr != nil {
		log.Printf("dualstore: secondary AppendTrips failed: %v", secErr)
	}
	return result, err
}

func (s *Store) UpsertChargingSession(ctx context.Context, sess models.ChargingSession) error {
	err := s.Primary.UpsertChargingSession(ctx, sess)
	if secErr := s.Secondary.UpsertChargingSession(ctx, sess); secErr != nil {
		log.Printf("dualstore: secondary UpsertChargingSession failed: %v", secErr)
	}
	return err
}

func (s *Store) LatestTrips(ctx context.Context, n int) ([]models.TripRecord, error) {
	return s.ReadFrom.LatestTrips(ctx, n)
}

func (s *Store) TripsInWindow(ctx context.Context, q storage.TripQuery) ([]models.TripRecord, int, error) {
	return s.ReadFrom.TripsInWindow(ctx, q)
}

func (s *Store) BatteryHistory(ctx context.Context, days *int) ([]models.BatteryReading, error) {
	return s.ReadFrom.BatteryHistory(ctx, days)
}

func (s *Store) BatteryHistoryRange(ctx context.Context, start, end time.Time) ([]models.BatteryReading, error) {
	return s.ReadFrom.BatteryHistoryRange(ctx, start, end)
}

func (s *Store) LastBatteryReading(ctx context.Context) (*models.BatteryReading, error) {
	return s.ReadFrom.LastBatteryReading(ctx)
}

func (s *Store) ActiveChargingSession(ctx context.Context) (*models.ChargingSession, error) {
	return s.ReadFrom.ActiveChargingSession(ctx)
}

func (s *Store) ChargingSessionsInWindow(ctx context.Context, start, end time.Time, fallbackN int) ([]models.ChargingSession, error) {
	return s.ReadFrom.ChargingSessionsInWindow(ctx, start, end, fallbackN)
}

func (s *Store) Close() error {
	err := s.Primary.Close()
	if secErr := s.Secondary.Close(); secErr != nil {
		log.Printf("dualstore: secondary Close failed: %v", secErr)
	}
	return err
}
