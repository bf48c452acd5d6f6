// Package governor implements the durable daily call-quota tracker (spec
// §4.1, component C1). Where the teacher guards its in-memory collector
// state with a sync.Mutex (services/data_collector.go, services/
// zaptec_collector.go), the governor guards a JSON file on disk with an
// advisory file lock so the collector process and the dashboard process
// can share one counter safely.
package governor

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	callRingSize       = 50
	rateLimitRingSize  = 200
	dateLayout         = "2006-01-02"
	minBackoff         = 1.0
	maxBackoff         = 4.0
	backoffStep        = 1.5
)

// CallRecord is one entry in the 50-slot call-source ring.
type CallRecord struct {
	Time       time.Time `json:"time"`
	Source     string    `json:"source"`
	CallNumber int       `json:"call_number"`
}

// RateLimitEvent is one entry in the 200-slot rate-limit-hit ring.
type RateLimitEvent struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// State is the durable, single-row record described in spec §3.
type State struct {
	DateOfCounter     string           `json:"date_of_counter"`
	CallsToday        int              `json:"calls_today"`
	LastCallAt        *time.Time       `json:"last_call_at"`
	BackoffMultiplier float64          `json:"backoff_multiplier"`
	CallSources       []CallRecord     `json:"call_sources"`
	RateLimitEvents   []RateLimitEvent `json:"rate_limit_events"`
}

func emptyState(today string) State {
	return State{
		DateOfCounter:     today,
		CallsToday:        0,
		BackoffMultiplier: minBackoff,
	}
}

// Status is the read-only view returned by Status().
type Status struct {
	DailyLimit       int              `json:"daily_limit"`
	RemainingCalls   int              `json:"remaining_calls"`
	CallsToday       int              `json:"calls_today"`
	DateOfCounter    string           `json:"date_of_counter"`
	NextLegalPollAt  time.Time        `json:"next_legal_poll_at"`
	MinutesUntilReset float64         `json:"minutes_until_reset"`
	BackoffMultiplier float64         `json:"backoff_multiplier"`
	RecentEvents     []RateLimitEvent `json:"recent_rate_limit_events"`
}

// Governor enforces the configured daily call quota across processes.
type Governor struct {
	statePath  string
	lock       *flock.Flock
	dailyLimit int
	now        func() time.Time
}

// New constructs a Governor backed by the JSON file at statePath (spec
// §6: data/api_call_history.json).
func New(statePath string, dailyLimit int) *Governor {
	return &Governor{
		statePath:  statePath,
		lock:       flock.New(statePath + ".lock"),
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

// BaseIntervalMinutes is (24*60)/daily_limit per spec §4.1.
func (g *Governor) BaseIntervalMinutes() float64 {
	return (24 * 60) / float64(g.dailyLimit)
}

// CanCall reports whether the quota for today has budget remaining,
// auto-resetting the counters if the stored date has rolled over.
func (g *Governor) CanCall() (bool, error) {
	st, err := g.readLocked()
	if err != nil {
		return false, err
	}
	return st.CallsToday < g.dailyLimit, nil
}

// RecordCall increments today's counter, stamps last_call_at, and appends
// to the call-source ring.
func (g *Governor) RecordCall(source string) error {
	return g.writeLocked(func(st *State) {
		st.CallsToday++
		now := g.now()
		st.LastCallAt = &now
		st.CallSources = append(st.CallSources, CallRecord{
			Time:       now,
			Source:     source,
			CallNumber: st.CallsToday,
		})
		if len(st.CallSources) > callRingSize {
			st.CallSources = st.CallSources[len(st.CallSources)-callRingSize:]
		}
	})
}

// RecordRateLimitHit inflates the back-off multiplier (capped at 4.0) and
// appends to the rate-limit event ring.
func (g *Governor) RecordRateLimitHit(source, msg string) error {
	return g.writeLocked(func(st *State) {
		st.BackoffMultiplier = minF(st.BackoffMultiplier*backoffStep, maxBackoff)
		st.RateLimitEvents = append(st.RateLimitEvents, RateLimitEvent{
			Time:    g.now(),
			Source:  source,
			Message: msg,
		})
		if len(st.RateLimitEvents) > rateLimitRingSize {
			st.RateLimitEvents = st.RateLimitEvents[len(st.RateLimitEvents)-rateLimitRingSize:]
		}
	})
}

// ResetBackoff sets the multiplier back to 1.0 after a confirmed success.
func (g *Governor) ResetBackoff() error {
	return g.writeLocked(func(st *State) {
		st.BackoffMultiplier = minBackoff
	})
}

// EffectiveIntervalMinutes is base_interval * backoff_multiplier.
func (g *Governor) EffectiveIntervalMinutes() (float64, error) {
	st, err := g.readLocked()
	if err != nil {
		return 0, err
	}
	return g.BaseIntervalMinutes() * st.BackoffMultiplier, nil
}

// LastCallAt returns the stored last-call timestamp, if any.
func (g *Governor) LastCallAt() (*time.Time, error) {
	st, err := g.readLocked()
	if err != nil {
		return nil, err
	}
	return st.LastCallAt, nil
}

// Status reports the current quota state for the dashboard (C8).
func (g *Governor) Status() (Status, error) {
	st, err := g.readLocked()
	if err != nil {
		return Status{}, err
	}

	remaining := g.dailyLimit - st.CallsToday
	if remaining < 0 {
		remaining = 0
	}

	today := g.now().In(time.Local)
	midnight := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.Local)
	tomorrow := midnight.AddDate(0, 0, 1)
	minutesUntilReset := tomorrow.Sub(today).Minutes()

	var next time.Time
	if st.LastCallAt != nil {
		next = st.LastCallAt.Add(time.Duration(g.BaseIntervalMinutes() * st.BackoffMultiplier * float64(time.Minute)))
	} else {
		next = today
	}

	events := st.RateLimitEvents
	if events == nil {
		events = []RateLimitEvent{}
	}

	return Status{
		DailyLimit:        g.dailyLimit,
		RemainingCalls:    remaining,
		CallsToday:        st.CallsToday,
		DateOfCounter:     st.DateOfCounter,
		NextLegalPollAt:   next,
		MinutesUntilReset: minutesUntilReset,
		BackoffMultiplier: st.BackoffMultiplier,
		RecentEvents:      events,
	}, nil
}

// readLocked takes a shared lock, loads (and, on date rollover or
// corruption, resets) state, and releases the lock.
func (g *Governor) readLocked() (State, error) {
	if err := g.lock.RLock(); err != nil {
		return State{}, fmt.Errorf("governor: acquire shared lock: %w", err)
	}
	defer g.lock.Unlock()

	st := g.load()
	return g.rollover(st), nil
}

// writeLocked takes an exclusive lock, loads, applies mutate, persists,
// and releases the lock — a single read-modify-write per spec §4.1.
func (g *Governor) writeLocked(mutate func(st *State)) error {
	if err := g.lock.Lock(); err != nil {
		return fmt.Errorf("governor: acquire exclusive lock: %w", err)
	}
	defer g.lock.Unlock()

	st := g.rollover(g.load())
	mutate(&st)
	return g.save(st)
}

// load reads the state file. Any read or parse failure is treated as an
// empty, reset-today state and logged — per spec §4.1, a corrupt governor
// file must never crash the collector.
func (g *Governor) load() State {
	today := g.now().In(time.Local).Format(dateLayout)

	data, err := os.ReadFile(g.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️  governor: failed to read state file %s: %v (treating as empty)", g.statePath, err)
		}
		return emptyState(today)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		log.Printf("⚠️  governor: corrupt state file %s: %v (treating as empty)", g.statePath, err)
		return emptyState(today)
	}
	return st
}

// rollover resets the counters when the stored date precedes today.
func (g *Governor) rollover(st State) State {
	today := g.now().In(time.Local).Format(dateLayout)
	if st.DateOfCounter == today {
		return st
	}
	reset := emptyState(today)
	reset.BackoffMultiplier = st.BackoffMultiplier
	if reset.BackoffMultiplier == 0 {
		reset.BackoffMultiplier = minBackoff
	}
	return reset
}

func (g *Governor) save(st State) error {
	if err := os.MkdirAll(filepath.Dir(g.statePath), 0o755); err != nil {
		return fmt.Errorf("governor: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("governor: marshal state: %w", err)
	}
	tmp := g.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("governor: write state: %w", err)
	}
	return os.Rename(tmp, g.statePath)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
