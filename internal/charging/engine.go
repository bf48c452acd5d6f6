// Package charging implements the Charging Session Engine (spec §4.6,
// component C6): a small state machine that derives ChargingSession
// records from a stream of BatteryReadings. It is grounded on the same
// shape of session bookkeeping the teacher's Zaptec/Loxone collectors do
// in-process (services/zaptec_collector.go's activeSessionIDs/
// previousStates maps, services/loxone/charger_processor.go's active vs.
// completed session split) but driven from sparse battery-percentage
// samples instead of a live charger state feed.
package charging

import (
	"fmt"
	"math"
	"time"

	"github.com/jthatch/bluelink-agent/internal/models"
)

const inferredCompleteThresholdPct = 2.0

// Engine holds the mutable state the spec's state machine needs: the
// active (incomplete) session, if any, and the previous reading.
type Engine struct {
	GapMultiplier  float64
	BatteryCapacityKWh float64

	active *models.ChargingSession
	prev   *models.BatteryReading
}

// New constructs an Engine. gapMultiplier and batteryCapacityKWh come
// from config (spec §6, defaults 1.5 and 77.4).
func New(gapMultiplier, batteryCapacityKWh float64) *Engine {
	return &Engine{GapMultiplier: gapMultiplier, BatteryCapacityKWh: batteryCapacityKWh}
}

// Resume seeds the engine with a previously-open session and the last
// reading seen, so a process restart does not silently drop the active
// session or double-trigger rule 3 on the next poll.
func (e *Engine) Resume(active *models.ChargingSession, lastReading *models.BatteryReading) {
	e.active = active
	e.prev = lastReading
}

// GapThresholdMinutes is max(base_interval*gap_multiplier, 5.0) per spec
// §4.6. baseIntervalMin is (24*60)/daily_limit.
func (e *Engine) GapThresholdMinutes(baseIntervalMin float64) float64 {
	return math.Max(baseIntervalMin*e.GapMultiplier, 5.0)
}

type signal int

const (
	signalNone signal = iota
	signalCharging
	signalInferredComplete
)

func classify(r *models.BatteryReading, prev *models.BatteryReading) signal {
	if r.IsCharging {
		return signalCharging
	}
	if r.IsPluggedIn != nil && *r.IsPluggedIn && prev != nil && r.Level > prev.Level {
		return signalCharging
	}
	if prev != nil && (r.IsPluggedIn == nil || !*r.IsPluggedIn) && r.Level-prev.Level >= inferredCompleteThresholdPct {
		return signalInferredComplete
	}
	return signalNone
}

// Observe feeds one BatteryReading through the state machine and returns
// every ChargingSession that was opened, updated, or closed as a result
// — the caller persists each one (a gap-triggered split yields two: the
// closed predecessor and the freshly opened successor). Returns nil if
// the reading produced no session activity. baseIntervalMin is used to
// derive the session-split gap threshold.
func (e *Engine) Observe(r models.BatteryReading, baseIntervalMin float64) ([]*models.ChargingSession, error) {
	sig := classify(&r, e.prev)
	gapThreshold := time.Duration(e.GapThresholdMinutes(baseIntervalMin) * float64(time.Minute))

	var result []*models.ChargingSession

	switch {
	case e.active == nil && sig == signalCharging:
		e.active = e.startSession(r)
		result = append(result, e.active)

	case e.active == nil && sig == signalInferredComplete && e.prev != nil:
		s := e.inferredSession(*e.prev, r)
		result = append(result, &s)

	case e.active != nil && sig == signalCharging:
		if e.prev != nil && r.Timestamp.Sub(e.prev.Timestamp) > gapThreshold {
			closed := e.closeSession(e.active, *e.prev)
			result = append(result, closed)
			e.active = e.startSession(r)
			result = append(result, e.active)
		} else {
			e.updateSession(e.active, r)
			result = append(result, e.active)
		}

	case e.active != nil && sig != signalCharging:
		closed := e.closeSession(e.active, r)
		e.active = nil
		result = append(result, closed)
	}

	e.prev = &r
	if err := e.enforceInvariant(); err != nil {
		return nil, err
	}
	return result, nil
}

// Active returns the currently open session, if any.
func (e *Engine) Active() *models.ChargingSession {
	return e.active
}

func (e *Engine) startSession(r models.BatteryReading) *models.ChargingSession {
	s := &models.ChargingSession{
		SessionID:    fmt.Sprintf("chg_%d", r.Timestamp.Unix()),
		StartTime:    r.Timestamp,
		StartBattery: r.Level,
		EndBattery:   r.Level,
		MaxPowerKW:   r.ChargingPower,
		IsComplete:   false,
	}
	e.recomputeDuration(s, r.Timestamp)
	return s
}

func (e *Engine) updateSession(s *models.ChargingSession, r models.BatteryReading) {
	s.EndBattery = r.Level
	if r.ChargingPower > s.MaxPowerKW {
		s.MaxPowerKW = r.ChargingPower
	}
	e.recomputeDuration(s, r.Timestamp)
	e.recomputeEnergy(s)
}

func (e *Engine) closeSession(s *models.ChargingSession, r models.BatteryReading) *models.ChargingSession {
	end := r.Timestamp
	s.EndTime = &end
	s.EndBattery = r.Level
	s.IsComplete = true
	e.recomputeDuration(s, end)
	e.recomputeEnergy(s)
	return s
}

// inferredSession synthesizes a one-shot complete session spanning
// prev->now (rule 3: no explicit signal, but the level jumped).
func (e *Engine) inferredSession(prev models.BatteryReading, now models.BatteryReading) models.ChargingSession {
	end := now.Timestamp
	s := models.ChargingSession{
		SessionID:    fmt.Sprintf("chg_%d", prev.Timestamp.Unix()),
		StartTime:    prev.Timestamp,
		EndTime:      &end,
		StartBattery: prev.Level,
		EndBattery:   now.Level,
		IsComplete:   true,
	}
	e.recomputeDuration(&s, end)
	e.recomputeEnergy(&s)
	return s
}

func (e *Engine) recomputeDuration(s *models.ChargingSession, upTo time.Time) {
	s.DurationMin = upTo.Sub(s.StartTime).Minutes()
}

// recomputeEnergy applies energy_added = max(0, (end-start)/100) *
// capacity and avg_power = energy/(duration/60), per spec §4.6/§9 (the
// design explicitly rejects negative energy at computation rather than
// persisting it).
func (e *Engine) recomputeEnergy(s *models.ChargingSession) {
	delta := s.EndBattery - s.StartBattery
	if delta < 0 {
		delta = 0
	}
	s.EnergyAddedKWh = round2(delta / 100 * e.BatteryCapacityKWh)
	if s.DurationMin > 0 {
		s.AvgPowerKW = s.EnergyAddedKWh / (s.DurationMin / 60)
	}
}

// enforceInvariant ensures at most one incomplete session exists.
func (e *Engine) enforceInvariant() error {
	if e.active != nil && e.active.IsComplete {
		return fmt.Errorf("charging: invariant violated: active session marked complete")
	}
	return nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
