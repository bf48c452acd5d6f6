// Package scheduler implements the poll scheduler (spec §4.4, component
// C4): an evenly spaced daily slot grid, falling back to last_call_at +
// effective_interval once a call has happened today. It is grounded on
// the teacher's ticker-loop scheduler (services/auto_billing_scheduler.go),
// generalized from a fixed daily tick to a quota-derived variable
// interval and a cancellable stopChan.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/jthatch/bluelink-agent/internal/governor"
)

const minSleep = 60 * time.Second

// PollFunc is invoked once per scheduled slot.
type PollFunc func(ctx context.Context, source string) error

// Scheduler drives PollFunc at the cadence the Governor's quota and
// back-off state dictate.
type Scheduler struct {
	Governor *governor.Governor
	Poll     PollFunc
	Now      func() time.Time
	Sleep    func(time.Duration)

	stopCh chan struct{}
}

// New constructs a Scheduler bound to gov for interval/backoff math.
func New(gov *governor.Governor, poll PollFunc) *Scheduler {
	return &Scheduler{
		Governor: gov,
		Poll:     poll,
		Now:      time.Now,
		Sleep:    time.Sleep,
		stopCh:   make(chan struct{}),
	}
}

// Stop wakes Run from its sleep and makes it return; a poll already in
// progress finishes first.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Run loops forever (until ctx is canceled or Stop is called), sleeping
// until NextPollAt and then invoking Poll with source "scheduler".
func (s *Scheduler) Run(ctx context.Context) {
	for {
		next, err := s.NextPollAt()
		if err != nil {
			log.Printf("⚠️  scheduler: failed to compute next poll time: %v", err)
			next = s.Now().Add(minSleep)
		}

		wait := next.Sub(s.Now())
		if wait < minSleep {
			wait = minSleep
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.Poll(ctx, "scheduler"); err != nil {
			log.Printf("⚠️  scheduler: poll failed: %v", err)
		}
	}
}

// RunOnce performs a single poll immediately, for CLI single-shot mode
// (spec §6 exit codes: 0 on success, 1 on failure).
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.Poll(ctx, "manual")
}

// NextPollAt computes the next legal poll time per spec §4.4: when no
// call has happened today, the next unfilled slot in an evenly spaced
// daily grid of daily_limit slots; otherwise last_call_at plus the
// governor's effective interval, if that candidate is still in the
// future — a candidate that has already elapsed (e.g. after a restart
// or outage) falls back to the grid rule instead of firing immediately.
func (s *Scheduler) NextPollAt() (time.Time, error) {
	last, err := s.Governor.LastCallAt()
	if err != nil {
		return time.Time{}, err
	}
	if last != nil {
		interval, err := s.Governor.EffectiveIntervalMinutes()
		if err != nil {
			return time.Time{}, err
		}
		candidate := last.Add(time.Duration(interval * float64(time.Minute)))
		if candidate.After(s.Now()) {
			return candidate, nil
		}
	}
	return s.nextGridSlot(), nil
}

// nextGridSlot returns the next slot in today's evenly spaced grid of
// BaseIntervalMinutes()-apart slots starting at local midnight, or
// tomorrow's first slot if today's grid has already elapsed.
func (s *Scheduler) nextGridSlot() time.Time {
	now := s.Now().In(time.Local)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	interval := s.Governor.BaseIntervalMinutes()

	for slot := midnight; slot.Before(midnight.AddDate(0, 0, 1)); slot = slot.Add(time.Duration(interval * float64(time.Minute))) {
		if slot.After(now) {
			return slot
		}
	}
	return midnight.AddDate(0, 0, 1)
}
