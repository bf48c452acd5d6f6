package vendorclient

import (
	"fmt"
	"time"

	"github.com/jthatch/bluelink-agent/internal/digest"
	"github.com/jthatch/bluelink-agent/internal/models"
)

const milesToKm = 1.60934

// Normalize converts a raw vendor payload into a VehicleSnapshot per the
// fixed rules of spec §4.3, consuming the payload contract of spec §6:
// ev_battery_percentage, ev_battery_is_charging, odometer,
// location_latitude/_longitude, last_updated_at, and the nested range/
// trip structures.
func Normalize(raw RawPayload, region int, collectedAt time.Time) models.VehicleSnapshot {
	snap := models.VehicleSnapshot{
		CollectedAt:   collectedAt,
		Raw:           raw,
		PayloadDigest: digest.Payload(raw),
	}

	if t, ok := vendorUpdatedAt(raw); ok {
		snap.VendorUpdatedAt = t
		snap.HasVendorUpdatedAt = true
	}

	snap.Battery = normalizeBattery(raw)
	snap.OdometerKm = normalizeOdometer(raw, region)
	snap.Location = normalizeLocation(raw)
	snap.Trips = normalizeTrips(raw, region)

	return snap
}

func normalizeBattery(raw RawPayload) models.Battery {
	b := models.Battery{
		Level:      asFloat(raw["ev_battery_percentage"]),
		IsCharging: asBool(raw["ev_battery_is_charging"]),
	}
	if v, present := raw["ev_battery_plugged_in"]; present {
		pv := asBool(v)
		b.IsPluggedIn = &pv
	}
	b.ChargingPower = asFloat(raw["ev_charging_power"])
	b.RangeKm = normalizeRange(raw)
	return b
}

// normalizeRange reads data.vehicleStatus.evStatus.drvDistance[0].
// rangeByFuel.totalAvailableRange.{value,unit}; unit == 3 means miles.
func normalizeRange(raw RawPayload) float64 {
	node := dig(raw, "data", "vehicleStatus", "evStatus", "drvDistance")
	arr, ok := node.([]any)
	if !ok || len(arr) == 0 {
		return 0
	}
	first, ok := arr[0].(map[string]any)
	if !ok {
		return 0
	}
	rangeNode := dig(first, "rangeByFuel", "totalAvailableRange")
	m, ok := rangeNode.(map[string]any)
	if !ok {
		return 0
	}
	value := asFloat(m["value"])
	unit := int(asFloat(m["unit"]))
	if unit == 3 {
		return value * milesToKm
	}
	return value
}

// normalizeOdometer multiplies by milesToKm only for region 3 (USA), per
// spec §4.3.
func normalizeOdometer(raw RawPayload, region int) float64 {
	v, present := raw["odometer"]
	if !present {
		return 0
	}
	value := asFloat(v)
	if region == 3 {
		return roundInt(value * milesToKm)
	}
	return value
}

func normalizeLocation(raw RawPayload) *models.Location {
	lat, latOK := raw["location_latitude"]
	lon, lonOK := raw["location_longitude"]
	if !latOK || !lonOK {
		return nil
	}
	loc := &models.Location{Lat: asFloat(lat), Lon: asFloat(lon)}
	if t, ok := vendorUpdatedAt(raw); ok {
		loc.LastUpdated = t
	}
	return loc
}

// normalizeTrips reads data.evTripDetails.tripdetails[] and converts
// vendor units: duration seconds->minutes, speed mph->kph (US region),
// distance is already km for US region per spec.
func normalizeTrips(raw RawPayload, region int) []models.TripRecord {
	node := dig(raw, "data", "evTripDetails", "tripdetails")
	arr, ok := node.([]any)
	if !ok {
		return nil
	}

	trips := make([]models.TripRecord, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		trips = append(trips, normalizeTrip(m, region))
	}
	return trips
}

func normalizeTrip(m map[string]any, region int) models.TripRecord {
	speedFactor := 1.0
	if region == 3 {
		speedFactor = milesToKm
	}

	t := models.TripRecord{
		TripDate:        normalizeTripDate(m["trip_date"]),
		DistanceKm:      asFloat(m["distance"]),
		OdometerStartKm: asFloat(m["odometer_start"]),
		DurationMin:     asFloat(m["duration"]) / 60,
		AvgSpeedKph:     asFloat(m["avg_speed"]) * speedFactor,
		MaxSpeedKph:     asFloat(m["max_speed"]) * speedFactor,
		IdleMin:         asFloat(m["idle_time"]) / 60,
		Energy: models.TripEnergy{
			Drivetrain:  asFloat(dig(m, "energy", "drivetrain")),
			Climate:     asFloat(dig(m, "energy", "climate")),
			Accessories: asFloat(dig(m, "energy", "accessories")),
			BatteryCare: asFloat(dig(m, "energy", "battery_care")),
		},
		RegeneratedWh: asFloat(m["regenerated_energy"]),
		StartLat:      asFloat(m["start_lat"]),
		StartLon:      asFloat(m["start_lon"]),
		EndLat:        asFloat(m["end_lat"]),
		EndLon:        asFloat(m["end_lon"]),
		EndTempC:      asFloat(m["end_temp_c"]),
	}
	return t
}

// normalizeTripDate strips a trailing ".0" seen in some historical
// vendor/feed rows (spec §9, Open Question 3: normalize on write,
// tolerant parse on read).
func normalizeTripDate(v any) string {
	s, _ := v.(string)
	if len(s) > 2 && s[len(s)-2:] == ".0" {
		return s[:len(s)-2]
	}
	return s
}

// Temperatures extracts the vehicle-reported cabin/ambient temperature
// and the external meteo-provider temperature. Per spec §4.3, the
// vehicle reading is returned UNCONVERTED — region 3 (USA) vendor
// payloads report air_temp in °F, and that raw value is what must be
// persisted verbatim in BatteryReading's vehicle_temp field for audit.
// °C conversion happens only when deriving the canonical aggregate
// `temperature` field; see VehicleTempCelsius. The meteo_temp field
// (populated by a separate weather lookup, out of scope here) is
// always already °C.
func Temperatures(raw RawPayload, region int) (vehicleRaw, meteoC float64) {
	vehicleRaw = asFloat(raw["air_temp"])
	meteoC = asFloat(raw["meteo_temp"])
	return vehicleRaw, meteoC
}

// VehicleTempCelsius converts a raw vehicle-reported temperature (as
// returned by Temperatures) to °C, for use only when deriving the
// canonical aggregate `temperature` field (weather_source=vehicle).
// Region 3 payloads report air_temp in °F per spec §4.3.
func VehicleTempCelsius(vehicleRaw float64, region int) float64 {
	if region == 3 {
		return (vehicleRaw - 32) * 5 / 9
	}
	return vehicleRaw
}

func vendorUpdatedAt(raw RawPayload) (time.Time, bool) {
	if v, ok := raw["last_updated_at"]; ok {
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	if v := dig(raw, "raw", "vehicleStatus", "dateTime"); v != nil {
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	if v := dig(raw, "raw", "vehicleStatus", "evStatus", "lastUpdatedAt"); v != nil {
		if t, ok := parseTime(v); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "20060102150405"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	case float64:
		return time.Unix(int64(x), 0).UTC(), true
	}
	return time.Time{}, false
}

func dig(m map[string]any, path ...string) any {
	var cur any = m
	for _, p := range path {
		asMap, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = asMap[p]
	}
	return cur
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		var f float64
		_, _ = fmt.Sscan(x, &f)
		return f
	default:
		return 0
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func roundInt(f float64) float64 {
	if f < 0 {
		return float64(int64(f - 0.5))
	}
	return float64(int64(f + 0.5))
}
