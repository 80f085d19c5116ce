// Package notify diffs segment fingerprints against the last notified state
// and fans the changes out to subscribers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"substitute-notifier/pkg/plan"
	"substitute-notifier/segment"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Defaults for Config fields left zero.
const (
	DefaultMaxConsecutiveErrors = 5
	DefaultMaxLines             = 8
	DefaultMaxTTL               = 4 * 7 * 24 * time.Hour
)

// ErrAborted is returned when too many consecutive deliveries failed.
var ErrAborted = errors.New("delivery aborted after consecutive errors")

// Outcome is the terminal state of a notification round.
type Outcome string

// Round outcomes.
const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StateStore persists the last notified fingerprint per weekday and segment.
type StateStore interface {
	LoadState(ctx context.Context) (map[plan.Weekday]plan.Fingerprints, error)
	SaveState(ctx context.Context, wd plan.Weekday, fps plan.Fingerprints) error
}

// SubscriberStore is the subscriber registry.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context) ([]*plan.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
}

// Transport delivers one payload to one subscriber.
type Transport interface {
	Deliver(ctx context.Context, sub *plan.Subscriber, payload *Payload, ttl time.Duration) error
}

// Observer receives round and delivery results.
type Observer interface {
	ObserveRound(outcome string)
	ObserveDelivery(result string)
}

// Config holds the dependencies and limits of an Engine.
type Config struct {
	States      StateStore
	Subscribers SubscriberStore
	Transport   Transport
	Clock       clock.Clock
	Logger      *slog.Logger
	Observer    Observer

	// IsPermanent classifies delivery errors that invalidate a subscriber.
	IsPermanent func(error) bool

	MaxConsecutiveErrors int
	MaxLines             int
	MaxTTL               time.Duration
}

// Engine runs notification rounds. Rounds are serialized.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	state  map[plan.Weekday]plan.Fingerprints
	loaded bool
}

// New creates an engine. Call Load before the first round or let the first
// round load lazily.
func New(cfg Config) *Engine {
	if cfg.IsPermanent == nil {
		cfg.IsPermanent = func(error) bool { return false }
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	return &Engine{cfg: cfg, state: make(map[plan.Weekday]plan.Fingerprints)}
}

// Load replaces the in-memory state with the durable one.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) error {
	state, err := e.cfg.States.LoadState(ctx)
	if err != nil {
		e.loaded = false
		return fmt.Errorf("load notification state: %w", err)
	}
	if state == nil {
		state = make(map[plan.Weekday]plan.Fingerprints)
	}
	e.state = state
	e.loaded = true
	e.cfg.Logger.Info("Notification state loaded", "weekdays", len(state))
	return nil
}

// State returns a copy of the in-memory fingerprints of wd.
func (e *Engine) State(wd plan.Weekday) plan.Fingerprints {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.state[wd])
}

// change is the set of changed segments of one notifiable plan.
type change struct {
	plan     *plan.Plan
	segments []string
}

// Notify runs one round for the given plans.
func (e *Engine) Notify(ctx context.Context, plans []*plan.Plan) (Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	outcome, err := e.notifyLocked(ctx, plans)
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveRound(string(outcome))
	}
	return outcome, err
}

func (e *Engine) notifyLocked(ctx context.Context, plans []*plan.Plan) (Outcome, error) {
	if !e.loaded {
		if err := e.loadLocked(ctx); err != nil {
			return OutcomeFailed, err
		}
	}

	now := e.cfg.Clock.Now()
	plans = slices.Clone(plans)
	slices.SortFunc(plans, func(a, b *plan.Plan) int { return a.Weekday.Index() - b.Weekday.Index() })

	var changes []change
	var writes []plan.Weekday
	for _, p := range plans {
		old := e.state[p.Weekday]
		next, changed := diff(old, p)
		if !maps.Equal(old, next) {
			e.state[p.Weekday] = next
			writes = append(writes, p.Weekday)
		}
		if len(changed) == 0 {
			continue
		}
		if p.ExpiredAt(now) {
			e.cfg.Logger.Info("Ignoring changes of expired plan", "weekday", p.Weekday, "segments", changed)
			continue
		}
		changes = append(changes, change{plan: p, segments: changed})
	}

	if len(changes) == 0 {
		if err := e.commitLocked(ctx, writes); err != nil {
			return OutcomeFailed, err
		}
		e.cfg.Logger.Info("Notification round skipped, nothing changed", "weekdays", len(plans))
		return OutcomeSkipped, nil
	}

	if err := e.fanOut(ctx, changes, now); err != nil {
		e.cfg.Logger.Warn("Notification round failed, reloading state", "error", err)
		if loadErr := e.loadLocked(ctx); loadErr != nil {
			e.cfg.Logger.Error("Failed to reload notification state", "error", loadErr)
		}
		return OutcomeFailed, err
	}

	if err := e.commitLocked(ctx, writes); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// diff returns the next state of one weekday and the segments that changed.
// A segment that disappeared only counts as changed if its last fingerprint
// belongs to the plan's date; older fingerprints are dropped silently.
func diff(old plan.Fingerprints, p *plan.Plan) (plan.Fingerprints, []string) {
	current := p.Fingerprints()
	next := make(plan.Fingerprints, len(current))
	var changed []string
	for name, fp := range current {
		next[name] = fp
		if old[name] != fp {
			changed = append(changed, name)
		}
	}
	for name, fp := range old {
		if _, ok := current[name]; ok {
			continue
		}
		if segment.IsFingerprintForDate(fp, p.Date) {
			changed = append(changed, name)
		}
	}
	slices.Sort(changed)
	return next, changed
}

func (e *Engine) commitLocked(ctx context.Context, weekdays []plan.Weekday) error {
	for _, wd := range weekdays {
		if err := e.cfg.States.SaveState(ctx, wd, e.state[wd]); err != nil {
			if loadErr := e.loadLocked(ctx); loadErr != nil {
				e.cfg.Logger.Error("Failed to reload notification state", "error", loadErr)
			}
			return fmt.Errorf("save notification state %s: %w", wd, err)
		}
	}
	return nil
}

type step int

const (
	stepContinue step = iota
	stepAbort
)

// fanout tracks one round's delivery progress.
type fanout struct {
	e           *Engine
	changes     []change
	now         time.Time
	id          string
	consecutive int

	sent, skipped, removed, failed int
}

func (e *Engine) fanOut(ctx context.Context, changes []change, now time.Time) error {
	subs, err := e.cfg.Subscribers.ListSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	f := &fanout{e: e, changes: changes, now: now, id: roundID(changes)}
	e.cfg.Logger.Info("Starting notification round", "round", f.id, "weekdays", len(changes), "subscribers", len(subs))

	err = f.drive(ctx, slices.Values(subs))
	e.cfg.Logger.Info("Notification round finished",
		"round", f.id,
		"sent", f.sent,
		"skipped", f.skipped,
		"removed", f.removed,
		"failed", f.failed)
	return err
}

// drive pulls subscribers until the sequence ends or a visit aborts.
func (f *fanout) drive(ctx context.Context, subs iter.Seq[*plan.Subscriber]) error {
	for sub := range subs {
		if f.visit(ctx, sub) == stepAbort {
			if err := ctx.Err(); err != nil {
				return err
			}
			return ErrAborted
		}
	}
	return nil
}

func (f *fanout) visit(ctx context.Context, sub *plan.Subscriber) step {
	if ctx.Err() != nil {
		return stepAbort
	}

	payload, ttl, ok := f.prepare(sub)
	if !ok {
		f.skipped++
		return stepContinue
	}

	err := f.e.cfg.Transport.Deliver(ctx, sub, payload, ttl)
	switch {
	case err == nil:
		f.consecutive = 0
		f.sent++
		f.observe("sent")
		return stepContinue
	case f.e.cfg.IsPermanent(err):
		f.removed++
		f.observe("removed")
		f.e.cfg.Logger.Info("Subscription no longer valid, removing", "subscriber", sub.ID, "error", err)
		if delErr := f.e.cfg.Subscribers.DeleteSubscriber(ctx, sub.ID); delErr != nil {
			f.e.cfg.Logger.Error("Failed to delete subscriber", "subscriber", sub.ID, "error", delErr)
		}
		return stepContinue
	default:
		f.consecutive++
		f.failed++
		f.observe("failed")
		f.e.cfg.Logger.Warn("Delivery failed", "subscriber", sub.ID, "consecutive", f.consecutive, "error", err)
		if f.consecutive > f.e.cfg.MaxConsecutiveErrors {
			return stepAbort
		}
		return stepContinue
	}
}

func (f *fanout) observe(result string) {
	if f.e.cfg.Observer != nil {
		f.e.cfg.Observer.ObserveDelivery(result)
	}
}

// prepare scopes the round to sub. ok is false when nothing relevant and
// unexpired remains.
func (f *fanout) prepare(sub *plan.Subscriber) (*Payload, time.Duration, bool) {
	var scoped []change
	var ttl time.Duration
	for _, c := range f.changes {
		remaining := c.plan.ValidUntil.Sub(f.now)
		if remaining <= 0 {
			continue
		}
		var wanted []string
		for _, name := range c.segments {
			if sub.Wants(name) {
				wanted = append(wanted, name)
			}
		}
		if len(wanted) == 0 {
			continue
		}
		scoped = append(scoped, change{plan: c.plan, segments: wanted})
		ttl = max(ttl, remaining)
	}
	if len(scoped) == 0 {
		return nil, 0, false
	}
	ttl = min(ttl, f.e.cfg.MaxTTL)
	return buildPayload(f.id, scoped, f.e.cfg.MaxLines), ttl, true
}
