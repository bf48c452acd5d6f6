// Package sqlstore implements storage.Store over database/sql and
// mattn/go-sqlite3, grounded on the teacher's database/db.go connection
// setup (WAL mode, busy_timeout) and database/migrations.go's
// CREATE TABLE IF NOT EXISTS migration style.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jthatch/bluelink-agent/internal/models"
	"github.com/jthatch/bluelink-agent/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS trips (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL,
	trip_date TEXT NOT NULL,
	distance_km REAL NOT NULL,
	odometer_start_km REAL NOT NULL,
	duration_min REAL,
	avg_speed_kph REAL,
	max_speed_kph REAL,
	idle_min REAL,
	energy_drivetrain_wh REAL,
	energy_climate_wh REAL,
	energy_accessories_wh REAL,
	energy_battery_care_wh REAL,
	regenerated_energy_wh REAL,
	start_lat REAL,
	start_lon REAL,
	end_lat REAL,
	end_lon REAL,
	end_temp_c REAL,
	UNIQUE(trip_date, distance_km, odometer_start_km)
);

CREATE TABLE IF NOT EXISTS battery_status (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	level REAL,
	is_charging INTEGER,
	is_plugged_in INTEGER,
	charging_power REAL,
	range_km REAL,
	meteo_temp REAL,
	vehicle_temp REAL,
	temperature REAL,
	odometer REAL,
	is_cached INTEGER
);
CREATE INDEX IF NOT EXISTS idx_battery_status_timestamp ON battery_status(timestamp);

CREATE TABLE IF NOT EXISTS locations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	lat REAL,
	lon REAL,
	last_updated TEXT
);
CREATE INDEX IF NOT EXISTS idx_locations_timestamp ON locations(timestamp);

CREATE TABLE IF NOT EXISTS charging_sessions (
	session_id TEXT PRIMARY KEY,
	start_time TEXT NOT NULL,
	end_time TEXT,
	duration_min REAL,
	start_battery REAL,
	end_battery REAL,
	energy_added_kwh REAL,
	avg_power_kw REAL,
	max_power_kw REAL,
	location_lat REAL,
	location_lon REAL,
	is_complete INTEGER
);
`

// Store is the sqlite-backed storage.Store implementation.
type Store struct {
	db *sql.DB
}

// New opens (creating if absent) the sqlite database at path, applies
// the migration set, and enables WAL mode the same way the teacher's
// database/db.go does for its billing database.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver: single writer, matches the teacher's connection pool sizing

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) AppendBattery(ctx context.Context, r models.BatteryReading) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO battery_status
			(timestamp, level, is_charging, is_plugged_in, charging_power, range_km,
			 meteo_temp, vehicle_temp, temperature, odometer, is_cached)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339), r.Level, boolToInt(r.IsCharging), nullableBool(r.IsPluggedIn),
		r.ChargingPower, r.RangeKm, r.MeteoTempC, r.VehicleTempC, r.TempC, r.OdometerKm, boolToInt(r.IsCached))
	if err != nil {
		return fmt.Errorf("sqlstore: append battery: %w", err)
	}
	return nil
}

func (s *Store) AppendLocation(ctx context.Context, r models.LocationReading) error {
	if r.Lat == 0 && r.Lon == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locations (timestamp, lat, lon, last_updated) VALUES (?, ?, ?, ?)`,
		r.Timestamp.UTC().Format(time.RFC3339), r.Lat, r.Lon, r.LastUpdated.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlstore: append location: %w", err)
	}
	return nil
}

func (s *Store) AppendTrips(ctx context.Context, trips []models.TripRecord) (storage.TripsWritten, error) {
	var result storage.TripsWritten
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trips
			(created_at, trip_date, distance_km, odometer_start_km, duration_min, avg_speed_kph,
			 max_speed_kph, idle_min, energy_drivetrain_wh, energy_climate_wh, energy_accessories_wh,
			 energy_battery_care_wh, regenerated_energy_wh, start_lat, start_lon, end_lat, end_lon, end_temp_c)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return result, fmt.Errorf("sqlstore: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, t := range trips {
		res, err := stmt.ExecContext(ctx, now, t.TripDate, t.DistanceKm, t.OdometerStartKm,
			t.DurationMin, t.AvgSpeedKph, t.MaxSpeedKph, t.IdleMin,
			t.Energy.Drivetrain, t.Energy.Climate, t.Energy.Accessories, t.Energy.BatteryCare,
			t.RegeneratedWh, t.StartLat, t.StartLon, t.EndLat, t.EndLon, t.EndTempC)
		if err != nil {
			return result, fmt.Errorf("sqlstore: insert trip: %w", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}
	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("sqlstore: commit: %w", err)
	}
	return result, nil
}

func (s *Store) UpsertChargingSession(ctx context.Context, sess models.ChargingSession) error {
	var end any
	if sess.EndTime != nil {
		end = sess.EndTime.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charging_sessions
			(session_id, start_time, end_time, duration_min, start_battery, end_battery,
			 energy_added_kwh, avg_power_kw, max_power_kw, location_lat, location_lon, is_complete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			end_time=excluded.end_time, duration_min=excluded.duration_min,
			start_battery=excluded.start_battery, end_battery=excluded.end_battery,
			energy_added_kwh=excluded.energy_added_kwh, avg_power_kw=excluded.avg_power_kw,
			max_power_kw=excluded.max_power_kw, location_lat=excluded.location_lat,
			location_lon=excluded.location_lon, is_complete=excluded.is_complete`,
		sess.SessionID, sess.StartTime.UTC().Format(time.RFC3339), end, sess.DurationMin,
		sess.StartBattery, sess.EndBattery, sess.EnergyAddedKWh, sess.AvgPowerKW, sess.MaxPowerKW,
		sess.LocationLat, sess.LocationLon, boolToInt(sess.IsComplete))
	if err != nil {
		return fmt.Errorf("sqlstore: upsert charging session: %w", err)
	}
	return nil
}

func (s *Store) LatestTrips(ctx context.Context, n int) ([]models.TripRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trip_date, distance_km, odometer_start_km, duration_min, avg_speed_kph, max_speed_kph,
		        idle_min, energy_drivetrain_wh, energy_climate_wh, energy_accessories_wh,
		        energy_battery_care_wh, regenerated_energy_wh, start_lat, start_lon, end_lat, end_lon, end_temp_c
		 FROM trips ORDER BY trip_date DESC LIMIT ?`, nonZeroOrAll(n))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: latest trips: %w", err)
	}
	defer rows.Close()
	return scanTrips(rows)
}

func (s *Store) TripsInWindow(ctx context.Context, q storage.TripQuery) ([]models.TripRecord, int, error) {
	where, args := "WHERE 1=1", []any{}
	if !q.Start.IsZero() {
		where += " AND trip_date >= ?"
		args = append(args, q.Start.Format("2006-01-02"))
	}
	if !q.End.IsZero() {
		where += " AND trip_date <= ?"
		args = append(args, q.End.Format("2006-01-02"))
	}
	if q.MinDistance != nil {
		where += " AND distance_km >= ?"
		args = append(args, *q.MinDistance)
	}
	if q.MaxDistance != nil {
		where += " AND distance_km <= ?"
		args = append(args, *q.MaxDistance)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trips "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: count trips: %w", err)
	}

	page, perPage := q.Page, q.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	pagedArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)

	rows, err := s.db.QueryContext(ctx,
		`SELECT trip_date, distance_km, odometer_start_km, duration_min, avg_speed_kph, max_speed_kph,
		        idle_min, energy_drivetrain_wh, energy_climate_wh, energy_accessories_wh,
		        energy_battery_care_wh, regenerated_energy_wh, start_lat, start_lon, end_lat, end_lon, end_temp_c
		 FROM trips `+where+` ORDER BY trip_date DESC LIMIT ? OFFSET ?`, pagedArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlstore: trips in window: %w", err)
	}
	defer rows.Close()
	trips, err := scanTrips(rows)
	return trips, total, err
}

func scanTrips(rows *sql.Rows) ([]models.TripRecord, error) {
	var out []models.TripRecord
	for rows.Next() {
		var t models.TripRecord
		if err := rows.Scan(&t.TripDate, &t.DistanceKm, &t.OdometerStartKm, &t.DurationMin,
			&t.AvgSpeedKph, &t.MaxSpeedKph, &t.IdleMin, &t.Energy.Drivetrain, &t.Energy.Climate,
			&t.Energy.Accessories, &t.Energy.BatteryCare, &t.RegeneratedWh,
			&t.StartLat, &t.StartLon, &t.EndLat, &t.EndLon, &t.EndTempC); err != nil {
			return nil, fmt.Errorf("sqlstore: scan trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) BatteryHistory(ctx context.Context, days *int) ([]models.BatteryReading, error) {
	if days == nil {
		return s.queryBattery(ctx, "SELECT timestamp, level, is_charging, is_plugged_in, charging_power, range_km, meteo_temp, vehicle_temp, temperature, odometer, is_cached FROM battery_status ORDER BY timestamp ASC")
	}
	cutoff := time.Now().AddDate(0, 0, -*days).UTC().Format(time.RFC3339)
	return s.queryBattery(ctx, "SELECT timestamp, level, is_charging, is_plugged_in, charging_power, range_km, meteo_temp, vehicle_temp, temperature, odometer, is_cached FROM battery_status WHERE timestamp >= ? ORDER BY timestamp ASC", cutoff)
}

func (s *Store) BatteryHistoryRange(ctx context.Context, start, end time.Time) ([]models.BatteryReading, error) {
	return s.queryBattery(ctx,
		"SELECT timestamp, level, is_charging, is_plugged_in, charging_power, range_km, meteo_temp, vehicle_temp, temperature, odometer, is_cached FROM battery_status WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

func (s *Store) queryBattery(ctx context.Context, query string, args ...any) ([]models.BatteryReading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query battery: %w", err)
	}
	defer rows.Close()

	var out []models.BatteryReading
	for rows.Next() {
		var r models.BatteryReading
		var ts string
		var isCharging, isCached int
		var isPluggedIn sql.NullBool
		if err := rows.Scan(&ts, &r.Level, &isCharging, &isPluggedIn, &r.ChargingPower, &r.RangeKm,
			&r.MeteoTempC, &r.VehicleTempC, &r.TempC, &r.OdometerKm, &isCached); err != nil {
			return nil, fmt.Errorf("sqlstore: scan battery: %w", err)
		}
		r.Timestamp, _ = time.Parse(time.RFC3339, ts)
		r.IsCharging = isCharging != 0
		r.IsCached = isCached != 0
		if isPluggedIn.Valid {
			v := isPluggedIn.Bool
			r.IsPluggedIn = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LastBatteryReading(ctx context.Context) (*models.BatteryReading, error) {
	rows, err := s.queryBattery(ctx, "SELECT timestamp, level, is_charging, is_plugged_in, charging_power, range_km, meteo_temp, vehicle_temp, temperature, odometer, is_cached FROM battery_status ORDER BY timestamp DESC LIMIT 1")
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (s *Store) ActiveChargingSession(ctx context.Context) (*models.ChargingSession, error) {
	sessions, err := s.queryChargingSessions(ctx, "SELECT session_id, start_time, end_time, duration_min, start_battery, end_battery, energy_added_kwh, avg_power_kw, max_power_kw, location_lat, location_lon, is_complete FROM charging_sessions WHERE is_complete = 0 LIMIT 1")
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

func (s *Store) ChargingSessionsInWindow(ctx context.Context, start, end time.Time, fallbackN int) ([]models.ChargingSession, error) {
	where, args := "WHERE 1=1", []any{}
	if !start.IsZero() {
		where += " AND start_time >= ?"
		args = append(args, start.UTC().Format(time.RFC3339))
	}
	if !end.IsZero() {
		where += " AND start_time <= ?"
		args = append(args, end.UTC().Format(time.RFC3339))
	}

	sessions, err := s.queryChargingSessions(ctx,
		"SELECT session_id, start_time, end_time, duration_min, start_battery, end_battery, energy_added_kwh, avg_power_kw, max_power_kw, location_lat, location_lon, is_complete FROM charging_sessions "+where+" ORDER BY start_time DESC",
		args...)
	if err != nil {
		return nil, err
	}

	if len(sessions) == 0 && fallbackN > 0 {
		return s.queryChargingSessions(ctx,
			"SELECT session_id, start_time, end_time, duration_min, start_battery, end_battery, energy_added_kwh, avg_power_kw, max_power_kw, location_lat, location_lon, is_complete FROM charging_sessions ORDER BY start_time DESC LIMIT ?",
			fallbackN)
	}
	return sessions, nil
}

func (s *Store) queryChargingSessions(ctx context.Context, query string, args ...any) ([]models.ChargingSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query charging sessions: %w", err)
	}
	defer rows.Close()

	var out []models.ChargingSession
	for rows.Next() {
		var sess models.ChargingSession
		var startStr string
		var endStr sql.NullString
		var isComplete int
		if err := rows.Scan(&sess.SessionID, &startStr, &endStr, &sess.DurationMin, &sess.StartBattery,
			&sess.EndBattery, &sess.EnergyAddedKWh, &sess.AvgPowerKW, &sess.MaxPowerKW,
			&sess.LocationLat, &sess.LocationLon, &isComplete); err != nil {
			return nil, fmt.Errorf("sqlstore: scan charging session: %w", err)
		}
		sess.StartTime, _ = time.Parse(time.RFC3339, startStr)
		if endStr.Valid {
			if t, err := time.Parse(time.RFC3339, endStr.String); err == nil {
				sess.EndTime = &t
			}
		}
		sess.IsComplete = isComplete != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nonZeroOrAll(n int) int64 {
	if n <= 0 {
		return -1 // sqlite: LIMIT -1 means unlimited
	}
	return int64(n)
}
