// Package plancache memoizes parsed plans keyed by their modification time.
package plancache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"substitute-notifier/pkg/plan"
	"substitute-notifier/segment"
	"sync"
	"time"

	"github.com/juju/clock"
)

// ErrNotCached is returned by Peek when no parsed plan is available.
var ErrNotCached = errors.New("plan not cached")

// Fetcher downloads and parses plan documents.
type Fetcher interface {
	Fetch(ctx context.Context, wd plan.Weekday) ([]byte, error)
	Parse(wd plan.Weekday, modified time.Time, body []byte) (*plan.Plan, error)
	Recycle()
}

// Config holds the dependencies and timings of a Cache.
type Config struct {
	Fetcher Fetcher
	Clock   clock.Clock
	Logger  *slog.Logger

	// IsTimeout classifies errors that must recycle the connection pool.
	IsTimeout func(error) bool
	// Cooldown is how long a failed fetch is remembered before the slot
	// accepts a new attempt for the same modification time.
	Cooldown time.Duration
}

type slotState int

const (
	slotPending slotState = iota + 1
	slotResolved
	slotFailed
)

type fetchCall struct {
	done chan struct{}
	plan *plan.Plan
	err  error
}

type slot struct {
	state    slotState
	modified time.Time
	call     *fetchCall // pending
	plan     *plan.Plan // resolved
	err      error      // failed
	failedAt time.Time  // failed
}

// Cache holds at most one plan per weekday.
type Cache struct {
	cfg Config

	mu       sync.Mutex
	slots    map[plan.Weekday]*slot
	resolved map[plan.Weekday]*plan.Plan // newest successfully parsed plan
	fetches  int
}

// New creates a cache.
func New(cfg Config) *Cache {
	if cfg.IsTimeout == nil {
		cfg.IsTimeout = func(error) bool { return false }
	}
	return &Cache{
		cfg:      cfg,
		slots:    make(map[plan.Weekday]*slot),
		resolved: make(map[plan.Weekday]*plan.Plan),
	}
}

// Get returns the plan for wd at modification time asOf or newer. Only one
// fetch per (weekday, modification time) runs at a time; concurrent callers
// join it.
func (c *Cache) Get(ctx context.Context, wd plan.Weekday, asOf time.Time) (*plan.Plan, error) {
	c.mu.Lock()
	if s := c.slots[wd]; s != nil && !s.modified.Before(asOf) {
		switch s.state {
		case slotResolved:
			p := s.plan
			c.mu.Unlock()
			return p, nil
		case slotPending:
			call := s.call
			c.mu.Unlock()
			return call.wait(ctx)
		case slotFailed:
			if c.cfg.Clock.Now().Sub(s.failedAt) < c.cfg.Cooldown {
				err := s.err
				c.mu.Unlock()
				return nil, err
			}
		}
	}

	call := &fetchCall{done: make(chan struct{})}
	c.slots[wd] = &slot{state: slotPending, modified: asOf, call: call}
	c.fetches++
	c.mu.Unlock()

	p, err := c.load(context.WithoutCancel(ctx), wd, asOf)

	c.mu.Lock()
	if s := c.slots[wd]; s != nil && s.call == call {
		if err != nil {
			c.slots[wd] = &slot{state: slotFailed, modified: asOf, err: err, failedAt: c.cfg.Clock.Now()}
		} else {
			c.slots[wd] = &slot{state: slotResolved, modified: asOf, plan: p}
			c.resolved[wd] = p
		}
	}
	c.mu.Unlock()

	call.plan, call.err = p, err
	close(call.done)
	return p, err
}

func (c *fetchCall) wait(ctx context.Context) (*plan.Plan, error) {
	select {
	case <-c.done:
		return c.plan, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, wd plan.Weekday, asOf time.Time) (*plan.Plan, error) {
	start := c.cfg.Clock.Now()
	body, err := c.cfg.Fetcher.Fetch(ctx, wd)
	if err != nil {
		if c.cfg.IsTimeout(err) {
			c.cfg.Fetcher.Recycle()
		}
		c.cfg.Logger.Warn("Plan fetch failed", "weekday", wd, "modified", asOf.Format(time.RFC3339), "error", err)
		return nil, fmt.Errorf("fetch %s: %w", wd, err)
	}

	p, err := c.cfg.Fetcher.Parse(wd, asOf, body)
	if err != nil {
		c.cfg.Logger.Error("Plan parse failed", "weekday", wd, "error", err)
		return nil, fmt.Errorf("parse %s: %w", wd, err)
	}
	segment.Apply(p)

	now := c.cfg.Clock.Now()
	p.Expired = p.ExpiredAt(now)
	c.cfg.Logger.Info("Plan cached",
		"weekday", wd,
		"modified", asOf.Format(time.RFC3339),
		"date", p.Date.Format(time.DateOnly),
		"segments", len(p.Segments),
		"expired", p.Expired,
		"duration_ms", now.Sub(start).Milliseconds())
	return p, nil
}

// Peek returns the newest parsed plan for wd without fetching. It stays
// available while a newer version is being fetched.
func (c *Cache) Peek(wd plan.Weekday) (*plan.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.resolved[wd]
	if !ok {
		return nil, ErrNotCached
	}
	return p, nil
}

// Fetches returns how many fetches were started.
func (c *Cache) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}
