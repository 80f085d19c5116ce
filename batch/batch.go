// Package batch collapses concurrently completing resource checks into a single notification pass.
package batch

import (
	"context"
	"log/slog"
	"slices"
	"substitute-notifier/pkg/plan"
	"sync"
)

// ReleaseFunc runs one notification pass for the dirty weekdays.
type ReleaseFunc func(ctx context.Context, days []plan.Weekday) error

// Coordinator is a lock counter plus a dirty set. A pass is released only
// when no lock is held and at least one weekday is dirty. The pass itself
// holds a lock, so passes never overlap.
type Coordinator struct {
	ctx     context.Context
	release ReleaseFunc
	logger  *slog.Logger

	mu    sync.Mutex
	locks int
	dirty map[plan.Weekday]struct{}
	wg    sync.WaitGroup
}

// New creates a coordinator. Passes run with ctx.
func New(ctx context.Context, release ReleaseFunc, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		ctx:     ctx,
		release: release,
		logger:  logger,
		dirty:   make(map[plan.Weekday]struct{}),
	}
}

// Enter takes a lock.
func (c *Coordinator) Enter() {
	c.mu.Lock()
	c.locks++
	c.mu.Unlock()
}

// Exit drops a lock and releases a pass if the counter reached zero.
func (c *Coordinator) Exit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks == 0 {
		c.logger.Error("Batch lock released more often than taken")
		return
	}
	c.locks--
	c.releaseLocked()
}

// MarkDirty records that wd changed since the last pass.
func (c *Coordinator) MarkDirty(wd plan.Weekday) {
	c.mu.Lock()
	c.dirty[wd] = struct{}{}
	c.mu.Unlock()
}

// TryRelease starts a pass if no lock is held and something is dirty.
func (c *Coordinator) TryRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// Locks returns the current lock count.
func (c *Coordinator) Locks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks
}

// Wait blocks until every started pass has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) releaseLocked() {
	if c.locks > 0 || len(c.dirty) == 0 {
		return
	}
	days := make([]plan.Weekday, 0, len(c.dirty))
	for wd := range c.dirty {
		days = append(days, wd)
	}
	slices.SortFunc(days, func(a, b plan.Weekday) int { return a.Index() - b.Index() })
	clear(c.dirty)
	c.locks++

	c.wg.Add(1)
	go c.run(days)
}

func (c *Coordinator) run(days []plan.Weekday) {
	defer c.wg.Done()

	c.logger.Info("Releasing notification pass", "weekdays", days)
	err := c.release(c.ctx, days)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks--
	if err != nil {
		// Days stay dirty for the next round; no immediate retry.
		c.logger.Warn("Notification pass failed", "weekdays", days, "error", err)
		for _, wd := range days {
			c.dirty[wd] = struct{}{}
		}
		return
	}
	c.releaseLocked()
}
