// Package tracker polls the plan server for modification timestamps.
//
// Every weekday owns one slot that is either unknown, pending (a check owns
// it and other callers join that check) or resolved. A round checks all
// weekdays concurrently and folds the timestamps into a fingerprint clients
// can compare cheaply.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"substitute-notifier/pkg/plan"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

// Upstream performs conditional modification checks.
type Upstream interface {
	// CheckModified returns the current modification time of wd. When the
	// resource is unchanged since since, it returns since and notModified.
	CheckModified(ctx context.Context, wd plan.Weekday, since time.Time) (modified time.Time, notModified bool, err error)
	// Recycle replaces the shared connection pool.
	Recycle()
}

// Batcher brackets a round so that no notification pass starts while checks
// are outstanding.
type Batcher interface {
	Enter()
	Exit()
}

// Config holds the dependencies and timings of a Tracker.
type Config struct {
	Upstream Upstream
	Batch    Batcher
	Clock    clock.Clock
	Logger   *slog.Logger
	Weekdays []plan.Weekday

	// IsTimeout classifies errors that must recycle the connection pool.
	IsTimeout func(error) bool
	// OnModified is called when a weekday's timestamp advanced, before the
	// round that observed it completes.
	OnModified func(wd plan.Weekday, modified time.Time)
	// OnFingerprint is called with every new fingerprint.
	OnFingerprint func(fingerprint string)

	// ResourceSpacing is the minimum time between two upstream checks of
	// the same weekday.
	ResourceSpacing time.Duration
	// RetryDelay is how soon a failed round may be repeated.
	RetryDelay time.Duration
}

type slotState int

const (
	slotUnknown slotState = iota
	slotPending
	slotResolved
)

type checkCall struct {
	done     chan struct{}
	modified time.Time
	err      error
}

type slot struct {
	state     slotState
	call      *checkCall // set while pending
	modified  time.Time  // set while resolved
	checkedAt time.Time
}

type round struct {
	done chan struct{}
	err  error
}

// Tracker tracks modification timestamps of all weekdays.
type Tracker struct {
	cfg Config

	mu          sync.Mutex
	slots       map[plan.Weekday]*slot
	current     *round // running or last finished round
	lastRound   time.Time
	retryAt     time.Time // set while the last round failed
	timestamps  []time.Time
	fingerprint string
	latest      time.Time
	background  sync.WaitGroup
}

// New creates a tracker.
func New(cfg Config) *Tracker {
	if cfg.Weekdays == nil {
		cfg.Weekdays = plan.Weekdays
	}
	if cfg.IsTimeout == nil {
		cfg.IsTimeout = func(error) bool { return false }
	}
	slots := make(map[plan.Weekday]*slot, len(cfg.Weekdays))
	for _, wd := range cfg.Weekdays {
		slots[wd] = &slot{}
	}
	return &Tracker{cfg: cfg, slots: slots}
}

// Check returns the modification time of wd. Concurrent callers share one
// upstream request.
func (t *Tracker) Check(ctx context.Context, wd plan.Weekday) (time.Time, error) {
	t.mu.Lock()
	s, ok := t.slots[wd]
	if !ok {
		t.mu.Unlock()
		return time.Time{}, fmt.Errorf("unknown weekday %q", wd)
	}

	switch s.state {
	case slotPending:
		call := s.call
		t.mu.Unlock()
		return call.wait(ctx)
	case slotResolved:
		if t.cfg.Clock.Now().Sub(s.checkedAt) < t.cfg.ResourceSpacing {
			modified := s.modified
			t.mu.Unlock()
			return modified, nil
		}
	}

	var previous time.Time
	if s.state == slotResolved {
		previous = s.modified
	}
	call := &checkCall{done: make(chan struct{})}
	s.state = slotPending
	s.call = call
	t.mu.Unlock()

	// Joined callers must not lose the result when the owner's ctx ends.
	modified, notModified, err := t.cfg.Upstream.CheckModified(context.WithoutCancel(ctx), wd, previous)
	if err == nil && notModified {
		modified = previous
	}

	t.mu.Lock()
	if err != nil {
		*s = slot{}
		t.fingerprint = ""
		t.timestamps = nil
	} else {
		*s = slot{state: slotResolved, modified: modified, checkedAt: t.cfg.Clock.Now()}
	}
	t.mu.Unlock()

	if err != nil {
		t.cfg.Logger.Warn("Modification check failed", "weekday", wd, "error", err)
		if t.cfg.IsTimeout(err) {
			t.cfg.Upstream.Recycle()
		}
		call.err = fmt.Errorf("check %s: %w", wd, err)
	} else {
		call.modified = modified
		if !modified.Equal(previous) {
			t.cfg.Logger.Info("Plan modified", "weekday", wd, "modified", modified.Format(time.RFC3339))
			if t.cfg.OnModified != nil {
				t.cfg.OnModified(wd, modified)
			}
		}
	}
	close(call.done)
	return call.modified, call.err
}

func (c *checkCall) wait(ctx context.Context) (time.Time, error) {
	select {
	case <-c.done:
		return c.modified, c.err
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// Invalidate forgets the resolved timestamp of wd so the next check fetches
// fresh state. A pending check is left alone.
func (t *Tracker) Invalidate(wd plan.Weekday) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[wd]; ok && s.state == slotResolved {
		*s = slot{}
		t.timestamps = nil
	}
}

// RecheckAll checks every weekday unless a round finished less than
// minInterval ago, in which case the outcome of that round is returned.
// A running round is joined.
func (t *Tracker) RecheckAll(ctx context.Context, minInterval time.Duration) error {
	t.mu.Lock()
	if r := t.current; r != nil {
		select {
		case <-r.done:
			if !t.dueLocked(minInterval) {
				t.mu.Unlock()
				return r.err
			}
		default:
			t.mu.Unlock()
			return r.wait(ctx)
		}
	}
	r := &round{done: make(chan struct{})}
	t.current = r
	t.mu.Unlock()

	t.cfg.Batch.Enter()
	defer t.cfg.Batch.Exit()

	start := t.cfg.Clock.Now()
	results := make([]time.Time, len(t.cfg.Weekdays))
	var g errgroup.Group
	for i, wd := range t.cfg.Weekdays {
		g.Go(func() error {
			modified, err := t.Check(ctx, wd)
			results[i] = modified
			return err
		})
	}
	err := g.Wait()

	t.mu.Lock()
	now := t.cfg.Clock.Now()
	t.lastRound = now
	t.retryAt = time.Time{}
	if err != nil {
		t.retryAt = now.Add(t.cfg.RetryDelay)
	}
	var changed string
	if err == nil {
		changed = t.updateFingerprintLocked(results)
	}
	r.err = err
	close(r.done)
	t.mu.Unlock()

	if err != nil {
		t.cfg.Logger.Warn("Recheck round failed", "duration_ms", now.Sub(start).Milliseconds(), "error", err)
	} else {
		t.cfg.Logger.Debug("Recheck round completed", "duration_ms", now.Sub(start).Milliseconds())
	}
	if changed != "" && t.cfg.OnFingerprint != nil {
		t.cfg.OnFingerprint(changed)
	}
	return err
}

// dueLocked reports whether a new round may start for a caller asking for
// minInterval. After a failure every caller may retry once RetryDelay passed.
func (t *Tracker) dueLocked(minInterval time.Duration) bool {
	now := t.cfg.Clock.Now()
	if !t.retryAt.IsZero() && !now.Before(t.retryAt) {
		return true
	}
	return !now.Before(t.lastRound.Add(minInterval))
}

func (r *round) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateFingerprintLocked recomputes the fingerprint if any timestamp
// changed and returns the new value, or "" if it is unchanged.
func (t *Tracker) updateFingerprintLocked(timestamps []time.Time) string {
	if t.fingerprint != "" && slices.EqualFunc(t.timestamps, timestamps, time.Time.Equal) {
		return ""
	}
	t.timestamps = timestamps
	fp := Fingerprint(timestamps)
	if fp == t.fingerprint {
		return ""
	}
	t.fingerprint = fp
	t.latest = time.Time{}
	for _, ts := range timestamps {
		if ts.After(t.latest) {
			t.latest = ts
		}
	}
	t.cfg.Logger.Info("Modification fingerprint changed", "fingerprint", fp, "latest", t.latest.Format(time.RFC3339))
	return fp
}

// LatestFingerprint rechecks if the last round is older than staleness and
// returns the fingerprint. "" means no complete round has succeeded yet.
func (t *Tracker) LatestFingerprint(ctx context.Context, staleness time.Duration) (string, error) {
	if err := t.RecheckAll(ctx, staleness); err != nil {
		return "", err
	}
	return t.Fingerprint(), nil
}

// PeekFingerprint returns the current fingerprint without blocking and starts
// a background recheck.
func (t *Tracker) PeekFingerprint(ctx context.Context, staleness time.Duration) string {
	fp := t.Fingerprint()
	t.background.Add(1)
	go func() {
		defer t.background.Done()
		if err := t.RecheckAll(context.WithoutCancel(ctx), staleness); err != nil {
			t.cfg.Logger.Debug("Background recheck failed", "error", err)
		}
	}()
	return fp
}

// Wait blocks until background rechecks started by PeekFingerprint finished.
func (t *Tracker) Wait() {
	t.background.Wait()
}

// Fingerprint returns the current fingerprint, "" if not ready.
func (t *Tracker) Fingerprint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fingerprint
}

// Latest returns the newest modification timestamp of the last fingerprint.
func (t *Tracker) Latest() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Modified returns the resolved modification time of wd.
func (t *Tracker) Modified(wd plan.Weekday) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[wd]
	if !ok || s.state != slotResolved {
		return time.Time{}, false
	}
	return s.modified, true
}

// Fingerprint folds modification timestamps into two accumulators of four
// passes over the second-resolution values, each pass shifted by six more bits.
func Fingerprint(timestamps []time.Time) string {
	const maxSafe = 1<<53 - 1
	var acc [2]uint64
	next := 0
	for i := range 4 {
		for _, ts := range timestamps {
			value := uint64(uint32(ts.Unix()) >> (i * 6))
			acc[next] = (acc[next]*31 + value) % maxSafe
			next = (next + 1) % len(acc)
		}
	}
	return fmt.Sprintf("%014x%014x", acc[0], acc[1])
}
