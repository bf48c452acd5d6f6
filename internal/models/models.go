// Package models holds the domain types shared by every component of the
// agent: the vendor-normalized snapshot, its constituent readings, and the
// durable records derived from a stream of snapshots.
package models

import "time"

// Battery is the normalized battery/charging facet of a VehicleSnapshot.
type Battery struct {
	Level         float64 `json:"level"`          // percent, 0-100
	IsCharging    bool    `json:"is_charging"`
	IsPluggedIn   *bool   `json:"is_plugged_in"`  // nil when the vendor omits the field
	ChargingPower float64 `json:"charging_power"` // kW, 0-350
	RangeKm       float64 `json:"range_km"`
}

// Location is the normalized GPS facet of a VehicleSnapshot.
type Location struct {
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	LastUpdated time.Time `json:"last_updated"`
}

// HasFix reports whether the vendor reported any coordinates at all.
func (l *Location) HasFix() bool {
	return l != nil && !(l.Lat == 0 && l.Lon == 0)
}

// TripEnergy is the Wh energy breakdown reported for a TripRecord.
type TripEnergy struct {
	Drivetrain   float64 `json:"drivetrain"`
	Climate      float64 `json:"climate"`
	Accessories  float64 `json:"accessories"`
	BatteryCare  float64 `json:"battery_care"`
}

// TripRecord is immutable once ingested; its identity is (TripDate,
// DistanceKm, OdometerStartKm) per spec §3.
type TripRecord struct {
	TripDate        string     `json:"trip_date"` // YYYY-MM-DD, normalized (no trailing ".0")
	DistanceKm      float64    `json:"distance_km"`
	OdometerStartKm float64    `json:"odometer_start_km"`
	DurationMin     float64    `json:"duration_min"`
	AvgSpeedKph     float64    `json:"avg_speed_kph"`
	MaxSpeedKph     float64    `json:"max_speed_kph"`
	IdleMin         float64    `json:"idle_min"`
	Energy          TripEnergy `json:"energy"`
	RegeneratedWh   float64    `json:"regenerated_energy"`
	StartLat        float64    `json:"start_lat"`
	StartLon        float64    `json:"start_lon"`
	EndLat          float64    `json:"end_lat"`
	EndLon          float64    `json:"end_lon"`
	EndTempC        float64    `json:"end_temp_c"`
}

// Key returns the tuple that identifies this trip for dedup purposes.
func (t TripRecord) Key() TripKey {
	return TripKey{TripDate: t.TripDate, DistanceKm: t.DistanceKm, OdometerStartKm: t.OdometerStartKm}
}

// TripKey is the dedup identity of a TripRecord.
type TripKey struct {
	TripDate        string
	DistanceKm      float64
	OdometerStartKm float64
}

// BatteryReading is one append-only row per poll that yielded battery data.
type BatteryReading struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         float64   `json:"level"`
	IsCharging    bool      `json:"is_charging"`
	IsPluggedIn   *bool     `json:"is_plugged_in"`
	ChargingPower float64   `json:"charging_power"`
	RangeKm       float64   `json:"range_km"`
	VehicleTempC  float64   `json:"vehicle_temp"` // raw vendor reading, untouched unit (°F for region 3)
	MeteoTempC    float64   `json:"meteo_temp"`
	TempC         float64   `json:"temperature"` // canonical temp per weather_source config
	OdometerKm    float64   `json:"odometer"`
	IsCached      bool      `json:"is_cached"`
}

// LocationReading is one append-only GPS row.
type LocationReading struct {
	Timestamp   time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	LastUpdated time.Time `json:"last_updated"`
}

// ChargingSession is mutable until IsComplete flips true; at most one
// incomplete session may exist at any time (enforced by the charging
// engine, not by storage).
type ChargingSession struct {
	SessionID     string     `json:"session_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	DurationMin   float64    `json:"duration_min"`
	StartBattery  float64    `json:"start_battery"`
	EndBattery    float64    `json:"end_battery"`
	EnergyAddedKWh float64   `json:"energy_added_kwh"`
	AvgPowerKW    float64    `json:"avg_power_kw"`
	MaxPowerKW    float64    `json:"max_power_kw"`
	LocationLat   float64    `json:"location_lat"`
	LocationLon   float64    `json:"location_lon"`
	IsComplete    bool       `json:"is_complete"`
}

// VehicleSnapshot is the transient, normalized result of one successful poll.
type VehicleSnapshot struct {
	CollectedAt     time.Time      `json:"collected_at"`
	VendorUpdatedAt time.Time      `json:"vendor_updated_at"`
	HasVendorUpdatedAt bool        `json:"-"` // vendor omitted the timestamp entirely
	PayloadDigest   string         `json:"payload_digest"`
	Battery         Battery        `json:"battery"`
	OdometerKm      float64        `json:"odometer_km"`
	Location        *Location      `json:"location"`
	Trips           []TripRecord   `json:"trips"`
	Raw             map[string]any `json:"raw"`
	IsCached        bool           `json:"is_cached"`
	IsStale         bool           `json:"is_stale"` // served from cache after quota exhaustion
}
