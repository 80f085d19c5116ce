// Package pipeline owns every component between the upstream plan server and
// the subscribers, and gives the API and socket layers narrow access to them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"substitute-notifier/batch"
	"substitute-notifier/delivery"
	"substitute-notifier/metrics"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
	"substitute-notifier/plancache"
	"substitute-notifier/poll"
	"substitute-notifier/scraper"
	"substitute-notifier/segment"
	"substitute-notifier/storage"
	"substitute-notifier/timesource"
	"substitute-notifier/tracker"
	"substitute-notifier/webpush"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/robfig/cron/v3"
)

// pruneSpec runs the subscriber retention job once a night.
const pruneSpec = "30 3 * * *"

// ErrInvalidSubscriber marks a registration that failed validation.
var ErrInvalidSubscriber = errors.New("invalid subscriber")

// IsInvalidSubscriber checks if an error is a rejected registration.
func IsInvalidSubscriber(err error) bool {
	return errors.Is(err, ErrInvalidSubscriber)
}

// Upstream is the plan server client.
type Upstream interface {
	CheckModified(ctx context.Context, wd plan.Weekday, since time.Time) (*scraper.Check, error)
	Fetch(ctx context.Context, wd plan.Weekday) ([]byte, error)
	Parse(wd plan.Weekday, modified time.Time, body []byte) (*plan.Plan, error)
	Recycle()
}

// Store is the durable state and subscriber registry.
type Store interface {
	notify.StateStore
	notify.SubscriberStore
	UpsertSubscriber(ctx context.Context, sub *plan.Subscriber) error
	LoadSubscriber(ctx context.Context, id string) (*plan.Subscriber, error)
	PruneSubscribers(ctx context.Context, olderThan time.Time) (int, error)
}

// Timings are the intervals the pipeline runs with.
type Timings struct {
	ResourceSpacing     time.Duration
	APIStaleness        time.Duration
	RetryDelay          time.Duration
	BurstInterval       time.Duration
	IdleInterval        time.Duration
	OffsetRefresh       time.Duration
	SubscriberRetention time.Duration
}

// Config holds the collaborators of a Pipeline.
type Config struct {
	Upstream  Upstream
	Store     Store
	Transport notify.Transport
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Location  *time.Location
	Timings   Timings

	// Offsets defaults to the zone rules of Location.
	Offsets timesource.OffsetProvider
	// Salt keys subscriber ids.
	Salt []byte
	// Welcome is called after an email address registered for the first time.
	Welcome func(ctx context.Context, sub *plan.Subscriber) error
}

// Registration is an inbound subscription request.
type Registration struct {
	Push     *plan.PushSubscription `json:"push,omitempty"`
	Email    string                 `json:"email,omitempty"`
	Segments []string               `json:"segments,omitempty"`
}

// Pipeline wires change detection, content caching, batching and the
// notification engine together.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	time      *timesource.Source
	tracker   *tracker.Tracker
	cache     *plancache.Cache
	batch     *batch.Coordinator
	engine    *notify.Engine
	scheduler *poll.Scheduler
	cron      *cron.Cron

	mu        sync.Mutex
	listeners []func(fingerprint string)

	wg sync.WaitGroup
}

// New constructs the pipeline. Nothing runs until Start.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Offsets == nil {
		cfg.Offsets = timesource.ZoneProvider{Location: cfg.Location}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}

	p.batch = batch.New(ctx, p.release, cfg.Logger)
	p.tracker = tracker.New(tracker.Config{
		Upstream:        checker{upstream: cfg.Upstream, metrics: cfg.Metrics},
		Batch:           p.batch,
		Clock:           cfg.Clock,
		Logger:          cfg.Logger,
		IsTimeout:       scraper.IsTimeout,
		OnModified:      p.onModified,
		OnFingerprint:   p.onFingerprint,
		ResourceSpacing: cfg.Timings.ResourceSpacing,
		RetryDelay:      cfg.Timings.RetryDelay,
	})
	p.cache = plancache.New(plancache.Config{
		Fetcher:   fetcher{Upstream: cfg.Upstream, metrics: cfg.Metrics},
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		IsTimeout: scraper.IsTimeout,
		Cooldown:  cfg.Timings.RetryDelay,
	})
	p.engine = notify.New(notify.Config{
		States:      cfg.Store,
		Subscribers: cfg.Store,
		Transport:   cfg.Transport,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Observer:    cfg.Metrics,
		IsPermanent: delivery.IsPermanent,
	})
	p.time = timesource.New(cfg.Offsets, cfg.Clock, cfg.Logger)
	p.scheduler = poll.New(poll.Config{
		Rechecker:     p.tracker,
		Local:         p.time,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		BurstInterval: cfg.Timings.BurstInterval,
		IdleInterval:  cfg.Timings.IdleInterval,
		RetryDelay:    cfg.Timings.RetryDelay,
	})
	return p
}

// Start loads the notified state and starts the offset refresh, the poll
// loop and the retention job.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.engine.Load(ctx); err != nil {
		// The first round retries the load.
		p.logger.Warn("Failed to load notification state", "error", err)
	}
	if err := p.time.Start(p.ctx, p.cfg.Timings.OffsetRefresh); err != nil {
		return fmt.Errorf("start time source: %w", err)
	}

	p.cron = cron.New(cron.WithLocation(p.cfg.Location))
	if _, err := p.cron.AddFunc(pruneSpec, func() {
		if _, err := p.Prune(p.ctx); err != nil {
			p.logger.Warn("Subscriber pruning failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}
	p.cron.Start()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.scheduler.Run(p.ctx); err != nil {
			p.logger.Error("Poll loop stopped", "error", err)
		}
	}()

	p.logger.Info("Pipeline started",
		"weekdays", plan.Weekdays,
		"location", p.cfg.Location.String(),
		"retention", p.cfg.Timings.SubscriberRetention.String())
	return nil
}

// Stop cancels all background work and waits for it.
func (p *Pipeline) Stop() {
	p.cancel()
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	p.time.Stop()
	p.tracker.Wait()
	p.wg.Wait()
	p.batch.Wait()
	p.logger.Info("Pipeline stopped")
}

// checker adapts the upstream client to the tracker.
type checker struct {
	upstream Upstream
	metrics  *metrics.Metrics
}

func (c checker) CheckModified(ctx context.Context, wd plan.Weekday, since time.Time) (time.Time, bool, error) {
	check, err := c.upstream.CheckModified(ctx, wd, since)
	c.metrics.ObserveCheck(err)
	if err != nil {
		return time.Time{}, false, err
	}
	return check.LastModified, check.NotModified, nil
}

func (c checker) Recycle() { c.upstream.Recycle() }

// fetcher counts downloads on their way into the cache.
type fetcher struct {
	Upstream
	metrics *metrics.Metrics
}

func (f fetcher) Fetch(ctx context.Context, wd plan.Weekday) ([]byte, error) {
	body, err := f.Upstream.Fetch(ctx, wd)
	f.metrics.ObserveFetch(err)
	return body, err
}

// onModified loads the new content while the batch lock is held, so the
// notification pass sees it.
func (p *Pipeline) onModified(wd plan.Weekday, modified time.Time) {
	p.batch.Enter()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.batch.Exit()

		if _, err := p.cache.Get(p.ctx, wd, modified); err != nil {
			p.logger.Warn("Modified plan not loadable, forcing recheck",
				"weekday", wd,
				"modified", modified.Format(time.RFC3339),
				"error", err)
			p.tracker.Invalidate(wd)
			return
		}
		p.batch.MarkDirty(wd)
	}()
}

func (p *Pipeline) onFingerprint(fingerprint string) {
	p.cfg.Metrics.ObserveFingerprint()
	p.mu.Lock()
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(fingerprint)
	}
}

// release runs one notification round over the cached plans of days.
func (p *Pipeline) release(ctx context.Context, days []plan.Weekday) error {
	plans := make([]*plan.Plan, 0, len(days))
	for _, wd := range days {
		pl, err := p.cache.Peek(wd)
		if err != nil {
			p.logger.Warn("Dirty weekday without cached plan", "weekday", wd, "error", err)
			continue
		}
		plans = append(plans, pl)
	}
	if len(plans) == 0 {
		return nil
	}

	outcome, err := p.engine.Notify(ctx, plans)
	if err != nil {
		return fmt.Errorf("notify %v: %w", days, err)
	}
	p.logger.Info("Notification round finished", "weekdays", days, "outcome", outcome)
	return nil
}

// OnFingerprint registers fn for every new modification fingerprint. fn
// must not block.
func (p *Pipeline) OnFingerprint(fn func(fingerprint string)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Fingerprint rechecks when the last round is older than the API staleness
// budget and returns the fingerprint, "" while not ready.
func (p *Pipeline) Fingerprint(ctx context.Context) (string, error) {
	return p.tracker.LatestFingerprint(ctx, p.cfg.Timings.APIStaleness)
}

// PeekFingerprint returns the current fingerprint without blocking.
func (p *Pipeline) PeekFingerprint(ctx context.Context) string {
	return p.tracker.PeekFingerprint(ctx, p.cfg.Timings.APIStaleness)
}

// Plan returns the parsed plan of wd at its current modification time.
func (p *Pipeline) Plan(ctx context.Context, wd plan.Weekday) (*plan.Plan, error) {
	modified, ok := p.tracker.Modified(wd)
	if !ok {
		var err error
		if modified, err = p.tracker.Check(ctx, wd); err != nil {
			return nil, err
		}
	}
	return p.cache.Get(ctx, wd, modified)
}

// Recheck runs a check round now, joining one that is in progress.
func (p *Pipeline) Recheck(ctx context.Context) error {
	return p.tracker.RecheckAll(ctx, 0)
}

// LocalNow returns the current time in the plan's time zone.
func (p *Pipeline) LocalNow() time.Time {
	return p.time.Now()
}

// Status is a snapshot of the pipeline for health reporting.
type Status struct {
	LocalTime       time.Time `json:"local_time"`
	OffsetRefreshed time.Time `json:"offset_refreshed,omitzero"`
	Fingerprint     string    `json:"fingerprint,omitempty"`
}

// Status reports the plan-zone clock, the last offset refresh and the
// current fingerprint without triggering a check.
func (p *Pipeline) Status(ctx context.Context) Status {
	return Status{
		LocalTime:       p.LocalNow(),
		OffsetRefreshed: p.time.LastRefresh(),
		Fingerprint:     p.PeekFingerprint(ctx),
	}
}

// Register validates r and stores the subscriber. Registering the same push
// endpoint or address again updates its segments.
func (p *Pipeline) Register(ctx context.Context, r *Registration) (*plan.Subscriber, error) {
	sub, err := p.validate(r)
	if err != nil {
		return nil, err
	}

	_, err = p.cfg.Store.LoadSubscriber(ctx, sub.ID)
	isNew := storage.IsNotFound(err)
	if err != nil && !isNew {
		return nil, fmt.Errorf("load subscriber: %w", err)
	}

	sub.UpdatedAt = p.cfg.Clock.Now()
	if err := p.cfg.Store.UpsertSubscriber(ctx, sub); err != nil {
		return nil, fmt.Errorf("save subscriber: %w", err)
	}
	p.logger.Info("Subscriber registered",
		"subscriber", sub.ID,
		"push", sub.Push != nil,
		"email", sub.Email != "",
		"segments", sub.Segments,
		"new", isNew)

	if isNew && sub.Email != "" && p.cfg.Welcome != nil {
		if err := p.cfg.Welcome(ctx, sub); err != nil {
			p.logger.Warn("Failed to send welcome email", "subscriber", sub.ID, "error", err)
		}
	}
	return sub, nil
}

func (p *Pipeline) validate(r *Registration) (*plan.Subscriber, error) {
	sub := &plan.Subscriber{Push: r.Push, Email: strings.TrimSpace(r.Email)}
	switch {
	case sub.Push != nil:
		if err := webpush.Validate(sub.Push); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSubscriber, err)
		}
		sub.ID = storage.SubscriberID(p.cfg.Salt, sub.Push.Endpoint)
	case sub.Email != "":
		sub.ID = storage.EmailSubscriberID(p.cfg.Salt, sub.Email)
	default:
		return nil, fmt.Errorf("%w: neither push subscription nor email", ErrInvalidSubscriber)
	}
	if sub.Email != "" && (!strings.Contains(sub.Email, "@") || strings.ContainsAny(sub.Email, " \r\n")) {
		return nil, fmt.Errorf("%w: malformed email %q", ErrInvalidSubscriber, sub.Email)
	}

	for _, name := range r.Segments {
		if !segment.IsSelectable(name) {
			return nil, fmt.Errorf("%w: unknown segment %q", ErrInvalidSubscriber, name)
		}
		if name == plan.AllSegments {
			// Following every segment is the default.
			sub.Segments = nil
			break
		}
		if !slices.Contains(sub.Segments, name) {
			sub.Segments = append(sub.Segments, name)
		}
	}
	return sub, nil
}

// Unregister removes a subscriber. Unknown ids are not an error.
func (p *Pipeline) Unregister(ctx context.Context, id string) error {
	if !storage.ValidID(id) {
		return fmt.Errorf("%w: malformed id", ErrInvalidSubscriber)
	}
	if err := p.cfg.Store.DeleteSubscriber(ctx, id); err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	p.logger.Info("Subscriber unregistered", "subscriber", id)
	return nil
}

// Prune removes subscribers that were not refreshed within the retention
// period.
func (p *Pipeline) Prune(ctx context.Context) (int, error) {
	if p.cfg.Timings.SubscriberRetention <= 0 {
		return 0, nil
	}
	cutoff := p.cfg.Clock.Now().Add(-p.cfg.Timings.SubscriberRetention)
	n, err := p.cfg.Store.PruneSubscribers(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune subscribers: %w", err)
	}
	p.logger.Info("Pruned inactive subscribers", "removed", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}
