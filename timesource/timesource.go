// Package timesource resolves local civil time for the plan's time zone.
package timesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
)

// PlaceholderOffset is returned before the first offset resolved (CET, minutes).
const PlaceholderOffset = 60

// transitionSpec fires shortly after the UTC hours where a Central European
// daylight-saving switch can happen.
const transitionSpec = "5 1,2 * * *"

// OffsetProvider looks up the authoritative UTC offset in minutes at a given instant.
type OffsetProvider interface {
	Offset(ctx context.Context, at time.Time) (int, error)
}

// ZoneProvider resolves offsets from the IANA time zone database.
type ZoneProvider struct {
	Location *time.Location
}

// Offset returns the offset of z.Location at the given instant.
func (z ZoneProvider) Offset(_ context.Context, at time.Time) (int, error) {
	if z.Location == nil {
		return 0, errors.New("no location configured")
	}
	_, seconds := at.In(z.Location).Zone()
	return seconds / 60, nil
}

// Source tracks the current UTC offset. It never blocks callers: before the
// first successful refresh it reports PlaceholderOffset and Ready stays open.
type Source struct {
	provider OffsetProvider
	clock    clock.Clock
	logger   *slog.Logger
	attempts uint

	mu        sync.RWMutex
	offset    int
	resolved  bool
	refreshed time.Time
	ready     chan struct{}

	cron *cron.Cron
}

// New creates a time source.
func New(provider OffsetProvider, clk clock.Clock, logger *slog.Logger) *Source {
	return &Source{
		provider: provider,
		clock:    clk,
		logger:   logger,
		attempts: 3,
		offset:   PlaceholderOffset,
		ready:    make(chan struct{}),
	}
}

// Offset returns the best known offset in minutes.
func (s *Source) Offset() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// Resolved reports whether a real offset has been obtained.
func (s *Source) Resolved() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved
}

// LastRefresh returns when the offset was last resolved.
func (s *Source) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshed
}

// Ready is closed once the first real offset resolved.
func (s *Source) Ready() <-chan struct{} {
	return s.ready
}

// Now returns the current local time using the best known offset.
func (s *Source) Now() time.Time {
	offset := s.Offset()
	return s.clock.Now().In(time.FixedZone("", offset*60))
}

// Refresh queries the provider. On failure the previous offset is kept.
func (s *Source) Refresh(ctx context.Context) error {
	var offset int
	err := retry.Do(
		func() error {
			var err error
			offset, err = s.provider.Offset(ctx, s.clock.Now())
			return err
		},
		retry.Attempts(s.attempts),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying zone offset lookup after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		s.logger.Warn("Zone offset refresh failed, keeping last offset", "offset", s.Offset(), "error", err)
		return fmt.Errorf("refresh zone offset: %w", err)
	}

	s.mu.Lock()
	changed := !s.resolved || s.offset != offset
	first := !s.resolved
	s.offset = offset
	s.resolved = true
	s.refreshed = s.clock.Now()
	s.mu.Unlock()

	if changed {
		s.logger.Info("Zone offset updated", "offset_minutes", offset)
	}
	if first {
		close(s.ready)
	}
	return nil
}

// Start refreshes immediately and then on interval and near transition hours.
func (s *Source) Start(ctx context.Context, interval time.Duration) error {
	s.cron = cron.New(cron.WithLocation(time.UTC))
	refresh := func() {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Debug("Scheduled zone offset refresh failed", "error", err)
		}
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), refresh); err != nil {
		return fmt.Errorf("schedule offset refresh: %w", err)
	}
	if _, err := s.cron.AddFunc(transitionSpec, refresh); err != nil {
		return fmt.Errorf("schedule transition refresh: %w", err)
	}
	s.cron.Start()
	go refresh()
	return nil
}

// Stop halts scheduled refreshes and waits for a running one.
func (s *Source) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
