// Package csvstore implements the file-based storage variant of spec
// §4.5: append-only CSV files for trips, battery status, and locations,
// plus a small mutable charging-sessions CSV rewritten on every update.
// File writes use os.OpenFile in append mode for the duration of the
// write, matching spec §5's "readers must tolerate a partial write only
// at EOF" ordering guarantee; encoding/csv is used the same way the
// teacher's CSV import handler uses it (handlers/charger_csv_import.go).
package csvstore

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jthatch/bluelink-agent/internal/models"
	"github.com/jthatch/bluelink-agent/internal/storage"
)

var tripsHeader = []string{
	"id", "created_at", "trip_date", "distance_km", "odometer_start_km",
	"duration_min", "avg_speed_kph", "max_speed_kph", "idle_min",
	"energy_drivetrain_wh", "energy_climate_wh", "energy_accessories_wh", "energy_battery_care_wh",
	"regenerated_energy_wh", "end_lat", "end_lon", "end_temp_c", "start_lat", "start_lon",
}

var batteryHeader = []string{
	"timestamp", "level", "is_charging", "is_plugged_in", "charging_power",
	"range_km", "meteo_temp", "vehicle_temp", "temperature", "odometer", "is_cached",
}

var locationHeader = []string{"timestamp", "lat", "lon", "last_updated"}

var chargingHeader = []string{
	"session_id", "start_time", "end_time", "duration_min", "start_battery", "end_battery",
	"energy_added_kwh", "avg_power_kw", "max_power_kw", "location_lat", "location_lon", "is_complete",
}

// Store is the CSV-backed storage.Store implementation.
type Store struct {
	dir string
	mu  sync.Mutex // serializes the mutable charging-sessions rewrite
}

// New returns a Store rooted at dir (spec §6: data/ directory).
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("csvstore: create dir: %w", err)
	}
	s := &Store{dir: dir}
	if err := s.ensureHeader(s.tripsPath(), tripsHeader); err != nil {
		return nil, err
	}
	if err := s.ensureHeader(s.batteryPath(), batteryHeader); err != nil {
		return nil, err
	}
	if err := s.ensureHeader(s.locationPath(), locationHeader); err != nil {
		return nil, err
	}
	if err := s.ensureHeader(s.chargingPath(), chargingHeader); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) tripsPath() string    { return filepath.Join(s.dir, "trips.csv") }
func (s *Store) batteryPath() string  { return filepath.Join(s.dir, "battery_status.csv") }
func (s *Store) locationPath() string { return filepath.Join(s.dir, "locations.csv") }
func (s *Store) chargingPath() string { return filepath.Join(s.dir, "charging_sessions.csv") }

func (s *Store) ensureHeader(path string, header []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvstore: create %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write(header)
}

func (s *Store) appendRow(path string, row []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvstore: open %s: %w", path, err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	defer w.Flush()
	return w.Write(row)
}

func (s *Store) readRows(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("csvstore: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1 // tolerate legacy rows with a different column count

	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csvstore: read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[1:], nil // drop header
}

func (s *Store) AppendBattery(ctx context.Context, r models.BatteryReading) error {
	return s.appendRow(s.batteryPath(), []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		f(r.Level), b(r.IsCharging), bp(r.IsPluggedIn), f(r.ChargingPower),
		f(r.RangeKm), f(r.MeteoTempC), f(r.VehicleTempC), f(r.TempC), f(r.OdometerKm), b(r.IsCached),
	})
}

func (s *Store) AppendLocation(ctx context.Context, r models.LocationReading) error {
	if r.Lat == 0 && r.Lon == 0 {
		return nil // spec §4.5: append only when lat present
	}
	return s.appendRow(s.locationPath(), []string{
		r.Timestamp.UTC().Format(time.RFC3339), f(r.Lat), f(r.Lon), r.LastUpdated.UTC().Format(time.RFC3339),
	})
}

func (s *Store) AppendTrips(ctx context.Context, trips []models.TripRecord) (storage.TripsWritten, error) {
	existing, err := s.readRows(s.tripsPath())
	if err != nil {
		return storage.TripsWritten{}, err
	}
	seen := make(map[models.TripKey]bool, len(existing))
	for _, row := range existing {
		if len(row) < 5 {
			continue
		}
		seen[models.TripKey{TripDate: normalizeDate(row[2]), DistanceKm: parseF(row[3]), OdometerStartKm: parseF(row[4])}] = true
	}

	var result storage.TripsWritten
	nextID := len(existing) + 1
	for _, t := range trips {
		key := t.Key()
		if seen[key] {
			result.Skipped++
			continue
		}
		seen[key] = true
		row := []string{
			strconv.Itoa(nextID), time.Now().UTC().Format(time.RFC3339),
			t.TripDate, f(t.DistanceKm), f(t.OdometerStartKm),
			f(t.DurationMin), f(t.AvgSpeedKph), f(t.MaxSpeedKph), f(t.IdleMin),
			f(t.Energy.Drivetrain), f(t.Energy.Climate), f(t.Energy.Accessories), f(t.Energy.BatteryCare),
			f(t.RegeneratedWh), f(t.EndLat), f(t.EndLon), f(t.EndTempC), f(t.StartLat), f(t.StartLon),
		}
		if err := s.appendRow(s.tripsPath(), row); err != nil {
			return result, err
		}
		nextID++
		result.Inserted++
	}
	return result, nil
}

// UpsertChargingSession rewrites the whole charging-sessions file with
// the session upserted by SessionID. The file is small (one row per
// charge event) so a full rewrite under the store's mutex is simpler and
// safer than in-place patching of a CSV row.
func (s *Store) UpsertChargingSession(ctx context.Context, sess models.ChargingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.readRows(s.chargingPath())
	if err != nil {
		return err
	}

	found := false
	for i, row := range rows {
		if len(row) > 0 && row[0] == sess.SessionID {
			rows[i] = chargingRow(sess)
			found = true
			break
		}
	}
	if !found {
		rows = append(rows, chargingRow(sess))
	}

	f, err := os.OpenFile(s.chargingPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csvstore: rewrite charging sessions: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(chargingHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func chargingRow(sess models.ChargingSession) []string {
	end := ""
	if sess.EndTime != nil {
		end = sess.EndTime.UTC().Format(time.RFC3339)
	}
	return []string{
		sess.SessionID, sess.StartTime.UTC().Format(time.RFC3339), end,
		f(sess.DurationMin), f(sess.StartBattery), f(sess.EndBattery),
		f(sess.EnergyAddedKWh), f(sess.AvgPowerKW), f(sess.MaxPowerKW),
		f(sess.LocationLat), f(sess.LocationLon), b(sess.IsComplete),
	}
}

func (s *Store) LatestTrips(ctx context.Context, n int) ([]models.TripRecord, error) {
	rows, err := s.readRows(s.tripsPath())
	if err != nil {
		return nil, err
	}
	trips := make([]models.TripRecord, 0, len(rows))
	for _, row := range rows {
		t, ok := parseTripRow(row)
		if ok {
			trips = append(trips, t)
		}
	}
	sort.Slice(trips, func(i, j int) bool { return trips[i].TripDate > trips[j].TripDate })
	if n > 0 && n < len(trips) {
		trips = trips[:n]
	}
	return trips, nil
}

func (s *Store) TripsInWindow(ctx context.Context, q storage.TripQuery) ([]models.TripRecord, int, error) {
	rows, err := s.readRows(s.tripsPath())
	if err != nil {
		return nil, 0, err
	}

	var matches []models.TripRecord
	for _, row := range rows {
		t, ok := parseTripRow(row)
		if !ok {
			continue
		}
		if q.MinDistance != nil && t.DistanceKm < *q.MinDistance {
			continue
		}
		if q.MaxDistance != nil && t.DistanceKm > *q.MaxDistance {
			continue
		}
		if !q.Start.IsZero() || !q.End.IsZero() {
			d, err := time.Parse("2006-01-02", t.TripDate)
			if err == nil {
				if !q.Start.IsZero() && d.Before(q.Start) {
					continue
				}
				if !q.End.IsZero() && d.After(q.End) {
					continue
				}
			}
		}
		matches = append(matches, t)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].TripDate > matches[j].TripDate })

	total := len(matches)
	page, perPage := q.Page, q.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	start := (page - 1) * perPage
	if start >= total {
		return []models.TripRecord{}, total, nil
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func (s *Store) BatteryHistory(ctx context.Context, days *int) ([]models.BatteryReading, error) {
	rows, err := s.readRows(s.batteryPath())
	if err != nil {
		return nil, err
	}
	var cutoff time.Time
	if days != nil {
		cutoff = time.Now().AddDate(0, 0, -*days)
	}
	out := make([]models.BatteryReading, 0, len(rows))
	for _, row := range rows {
		r, ok := parseBatteryRow(row)
		if !ok {
			continue
		}
		if days != nil && r.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) BatteryHistoryRange(ctx context.Context, start, end time.Time) ([]models.BatteryReading, error) {
	rows, err := s.readRows(s.batteryPath())
	if err != nil {
		return nil, err
	}
	out := make([]models.BatteryReading, 0, len(rows))
	for _, row := range rows {
		r, ok := parseBatteryRow(row)
		if !ok {
			continue
		}
		if !start.IsZero() && r.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) LastBatteryReading(ctx context.Context) (*models.BatteryReading, error) {
	rows, err := s.readRows(s.batteryPath())
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	r, ok := parseBatteryRow(rows[len(rows)-1])
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) ActiveChargingSession(ctx context.Context) (*models.ChargingSession, error) {
	rows, err := s.readRows(s.chargingPath())
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		sess, ok := parseChargingRow(row)
		if ok && !sess.IsComplete {
			return &sess, nil
		}
	}
	return nil, nil
}

// ChargingSessionsInWindow applies the normalization pass described in
// spec §4.5 (recompute duration/energy/avg_power when inconsistent by
// more than 1 minute / 0.5 kW, then persist back) before filtering.
func (s *Store) ChargingSessionsInWindow(ctx context.Context, start, end time.Time, fallbackN int) ([]models.ChargingSession, error) {
	rows, err := s.readRows(s.chargingPath())
	if err != nil {
		return nil, err
	}

	var all []models.ChargingSession
	for _, row := range rows {
		sess, ok := parseChargingRow(row)
		if !ok {
			continue
		}
		if normalizeSession(&sess) {
			if err := s.UpsertChargingSession(ctx, sess); err != nil {
				return nil, err
			}
		}
		all = append(all, sess)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })

	var windowed []models.ChargingSession
	for _, sess := range all {
		if !start.IsZero() && sess.StartTime.Before(start) {
			continue
		}
		if !end.IsZero() && sess.StartTime.After(end) {
			continue
		}
		windowed = append(windowed, sess)
	}

	if len(windowed) == 0 && fallbackN > 0 {
		if fallbackN < len(all) {
			return all[:fallbackN], nil
		}
		return all, nil
	}
	return windowed, nil
}

func (s *Store) Close() error { return nil }

// normalizeSession recomputes duration/energy/avg_power when stored
// values drift from the formula by more than the tolerances in spec
// §4.5, returning true if it changed anything.
func normalizeSession(sess *models.ChargingSession) bool {
	if sess.EndTime == nil {
		return false
	}
	changed := false

	wantDuration := sess.EndTime.Sub(sess.StartTime).Minutes()
	if absF(wantDuration-sess.DurationMin) > 1.0 {
		sess.DurationMin = wantDuration
		changed = true
	}

	delta := sess.EndBattery - sess.StartBattery
	if delta < 0 {
		delta = 0
	}
	wantEnergy := round2(delta / 100 * 77.4)
	if absF(wantEnergy-sess.EnergyAddedKWh) > 0.5 {
		sess.EnergyAddedKWh = wantEnergy
		changed = true
	}

	if sess.DurationMin > 0 {
		wantAvg := sess.EnergyAddedKWh / (sess.DurationMin / 60)
		if absF(wantAvg-sess.AvgPowerKW) > 0.5 {
			sess.AvgPowerKW = wantAvg
			changed = true
		}
	}
	return changed
}

func parseTripRow(row []string) (models.TripRecord, bool) {
	if len(row) < 19 {
		return models.TripRecord{}, false
	}
	return models.TripRecord{
		TripDate:        normalizeDate(row[2]),
		DistanceKm:      parseF(row[3]),
		OdometerStartKm: parseF(row[4]),
		DurationMin:     parseF(row[5]),
		AvgSpeedKph:     parseF(row[6]),
		MaxSpeedKph:     parseF(row[7]),
		IdleMin:         parseF(row[8]),
		Energy: models.TripEnergy{
			Drivetrain:  parseF(row[9]),
			Climate:     parseF(row[10]),
			Accessories: parseF(row[11]),
			BatteryCare: parseF(row[12]),
		},
		RegeneratedWh: parseF(row[13]),
		EndLat:        parseF(row[14]),
		EndLon:        parseF(row[15]),
		EndTempC:      parseF(row[16]),
		StartLat:      parseF(row[17]),
		StartLon:      parseF(row[18]),
	}, true
}

func parseBatteryRow(row []string) (models.BatteryReading, bool) {
	if len(row) < 11 {
		return models.BatteryReading{}, false
	}
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return models.BatteryReading{}, false
	}
	return models.BatteryReading{
		Timestamp:     ts,
		Level:         parseF(row[1]),
		IsCharging:    parseB(row[2]),
		IsPluggedIn:   parseBP(row[3]),
		ChargingPower: parseF(row[4]),
		RangeKm:       parseF(row[5]),
		MeteoTempC:    parseF(row[6]),
		VehicleTempC:  parseF(row[7]),
		TempC:         parseF(row[8]),
		OdometerKm:    parseF(row[9]),
		IsCached:      parseB(row[10]),
	}, true
}

func parseChargingRow(row []string) (models.ChargingSession, bool) {
	if len(row) < 12 {
		return models.ChargingSession{}, false
	}
	start, err := time.Parse(time.RFC3339, row[1])
	if err != nil {
		return models.ChargingSession{}, false
	}
	sess := models.ChargingSession{
		SessionID:      row[0],
		StartTime:      start,
		DurationMin:    parseF(row[3]),
		StartBattery:   parseF(row[4]),
		EndBattery:     parseF(row[5]),
		EnergyAddedKWh: parseF(row[6]),
		AvgPowerKW:     parseF(row[7]),
		MaxPowerKW:     parseF(row[8]),
		LocationLat:    parseF(row[9]),
		LocationLon:    parseF(row[10]),
		IsComplete:     parseB(row[11]),
	}
	if row[2] != "" {
		if end, err := time.Parse(time.RFC3339, row[2]); err == nil {
			sess.EndTime = &end
		}
	}
	return sess, true
}

// normalizeDate strips a trailing ".0" on read too, tolerating legacy
// rows per spec §9 Open Question 3.
func normalizeDate(s string) string {
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		return s[:len(s)-2]
	}
	return s
}

func f(v float64) string   { return strconv.FormatFloat(v, 'f', -1, 64) }
func b(v bool) string      { return strconv.FormatBool(v) }
func bp(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}
func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
func parseB(s string) bool {
	v, _ := strconv.ParseBool(s)
	return v
}
func parseBP(s string) *bool {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil
	}
	return &v
}
func absF(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
