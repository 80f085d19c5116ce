// Package poll drives the modification checks on a time-of-day dependent
// schedule: short intervals while the plan is usually edited, long ones
// otherwise.
package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/juju/clock"
)

// Rechecker runs a round of modification checks.
type Rechecker interface {
	RecheckAll(ctx context.Context, minInterval time.Duration) error
}

// LocalClock reports school-local time once the offset is known.
type LocalClock interface {
	Now() time.Time
	Ready() <-chan struct{}
}

// Window is a span of the local day, as offsets from midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// Contains reports whether the local time of day of t lies in the window.
func (w Window) Contains(t time.Time) bool {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	d := t.Sub(midnight)
	return d >= w.Start && d < w.End
}

// DefaultBurst are the windows in which plans typically change.
var DefaultBurst = []Window{
	{Start: 7*time.Hour + 30*time.Minute, End: 8*time.Hour + 30*time.Minute},
	{Start: 12*time.Hour + 30*time.Minute, End: 13*time.Hour + 30*time.Minute},
}

// Config holds the dependencies and timings of a Scheduler.
type Config struct {
	Rechecker Rechecker
	Local     LocalClock
	Clock     clock.Clock
	Logger    *slog.Logger

	Burst         []Window
	BurstInterval time.Duration
	IdleInterval  time.Duration
	// RetryDelay bounds the wait after a failed round.
	RetryDelay time.Duration
}

// Scheduler repeatedly triggers recheck rounds.
type Scheduler struct {
	cfg Config
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Burst == nil {
		cfg.Burst = DefaultBurst
	}
	return &Scheduler{cfg: cfg}
}

// Interval determines how often to poll at local time t.
func (s *Scheduler) Interval(t time.Time) time.Duration {
	for _, w := range s.cfg.Burst {
		if w.Contains(t) {
			return s.cfg.BurstInterval
		}
	}
	return s.cfg.IdleInterval
}

// Run polls until ctx is cancelled. The first round waits for the local
// clock to become ready.
func (s *Scheduler) Run(ctx context.Context) error {
	select {
	case <-s.cfg.Local.Ready():
	case <-ctx.Done():
		return nil
	}
	s.cfg.Logger.Info("Polling started",
		"burst_interval", s.cfg.BurstInterval.String(),
		"idle_interval", s.cfg.IdleInterval.String())

	for {
		interval := s.Interval(s.cfg.Local.Now())
		wait := interval
		if err := s.cfg.Rechecker.RecheckAll(ctx, interval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.cfg.Logger.Warn("Poll round failed", "error", err)
			if s.cfg.RetryDelay > 0 && s.cfg.RetryDelay < wait {
				wait = s.cfg.RetryDelay
			}
		}

		s.cfg.Logger.Debug("Next poll scheduled", "wait", wait.String())
		select {
		case <-ctx.Done():
			s.cfg.Logger.Info("Polling stopped")
			return nil
		case <-s.cfg.Clock.After(wait):
		}
	}
}
