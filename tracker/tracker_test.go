package tracker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"substitute-notifier/pkg/plan"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTimeout = errors.New("i/o timeout")

type fakeUpstream struct {
	mu       sync.Mutex
	modified map[plan.Weekday]time.Time
	errs     map[plan.Weekday]error
	calls    map[plan.Weekday]int
	recycled int

	started chan plan.Weekday
	gate    chan struct{}
}

func newFakeUpstream(base time.Time) *fakeUpstream {
	f := &fakeUpstream{
		modified: make(map[plan.Weekday]time.Time),
		errs:     make(map[plan.Weekday]error),
		calls:    make(map[plan.Weekday]int),
	}
	for i, wd := range plan.Weekdays {
		f.modified[wd] = base.Add(time.Duration(i) * time.Hour)
	}
	return f
}

func (f *fakeUpstream) CheckModified(_ context.Context, wd plan.Weekday, since time.Time) (time.Time, bool, error) {
	if f.started != nil {
		f.started <- wd
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[wd]++
	if err := f.errs[wd]; err != nil {
		return time.Time{}, false, err
	}
	m := f.modified[wd]
	if !since.IsZero() && !m.After(since) {
		return since, true, nil
	}
	return m, false, nil
}

func (f *fakeUpstream) Recycle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled++
}

func (f *fakeUpstream) set(wd plan.Weekday, modified time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified[wd] = modified
	f.errs[wd] = err
}

func (f *fakeUpstream) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeBatch struct {
	mu     sync.Mutex
	locks  int
	enters int
}

func (b *fakeBatch) Enter() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks++
	b.enters++
}

func (b *fakeBatch) Exit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks--
}

func (b *fakeBatch) held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locks
}

type fixture struct {
	clock    *testclock.Clock
	upstream *fakeUpstream
	batch    *fakeBatch
	tracker  *Tracker

	mu           sync.Mutex
	modified     []plan.Weekday
	fingerprints []string
}

func newFixture(t *testing.T, spacing time.Duration) *fixture {
	t.Helper()
	now := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	f := &fixture{
		clock:    testclock.NewClock(now),
		upstream: newFakeUpstream(now.Add(-24 * time.Hour)),
		batch:    &fakeBatch{},
	}
	f.tracker = New(Config{
		Upstream:  f.upstream,
		Batch:     f.batch,
		Clock:     f.clock,
		Logger:    slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		IsTimeout: func(err error) bool { return errors.Is(err, errTimeout) },
		OnModified: func(wd plan.Weekday, _ time.Time) {
			if f.batch.held() == 0 {
				t.Errorf("OnModified(%s) called without a batch lock", wd)
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.modified = append(f.modified, wd)
		},
		OnFingerprint: func(fp string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.fingerprints = append(f.fingerprints, fp)
		},
		ResourceSpacing: spacing,
		RetryDelay:      15 * time.Second,
	})
	return f
}

func (f *fixture) modifiedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.modified)
}

func (f *fixture) fingerprintCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fingerprints)
}

func TestCheckSharesInFlightRequest(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.upstream.started = make(chan plan.Weekday, 1)
	f.upstream.gate = make(chan struct{})
	f.batch.Enter()
	defer f.batch.Exit()

	const callers = 10
	results := make([]time.Time, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.tracker.Check(context.Background(), plan.Monday)
	}()
	<-f.upstream.started

	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.tracker.Check(context.Background(), plan.Monday)
		}()
	}
	close(f.upstream.gate)
	wg.Wait()

	want := f.upstream.modified[plan.Monday]
	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
		if !results[i].Equal(want) {
			t.Errorf("caller %d got %s, want %s", i, results[i], want)
		}
	}
	if got := f.upstream.totalCalls(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
	if got := f.modifiedCount(); got != 1 {
		t.Errorf("OnModified calls = %d, want 1", got)
	}
}

func TestCheckNotModifiedKeepsTimestamp(t *testing.T) {
	f := newFixture(t, 0)
	f.batch.Enter()
	defer f.batch.Exit()
	ctx := context.Background()

	first, err := f.tracker.Check(ctx, plan.Tuesday)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	second, err := f.tracker.Check(ctx, plan.Tuesday)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("timestamp changed on 304: %s -> %s", first, second)
	}
	if got := f.modifiedCount(); got != 1 {
		t.Errorf("OnModified calls = %d, want 1", got)
	}
	if got := f.upstream.totalCalls(); got != 2 {
		t.Errorf("upstream calls = %d, want 2", got)
	}

	newer := first.Add(time.Minute)
	f.upstream.set(plan.Tuesday, newer, nil)
	third, err := f.tracker.Check(ctx, plan.Tuesday)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !third.Equal(newer) {
		t.Errorf("Check() = %s, want %s", third, newer)
	}
	if got := f.modifiedCount(); got != 2 {
		t.Errorf("OnModified calls = %d, want 2", got)
	}
}

func TestCheckFailureClearsSlot(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantRecycle int
	}{
		{name: "timeout recycles pool", err: errTimeout, wantRecycle: 1},
		{name: "http error keeps pool", err: errors.New("HTTP 502"), wantRecycle: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Hour)
			ctx := context.Background()
			if err := f.tracker.RecheckAll(ctx, time.Minute); err != nil {
				t.Fatalf("RecheckAll() error = %v", err)
			}
			if f.tracker.Fingerprint() == "" {
				t.Fatal("fingerprint not set after successful round")
			}

			f.tracker.Invalidate(plan.Monday)
			f.upstream.set(plan.Monday, time.Time{}, tt.err)
			if _, err := f.tracker.Check(ctx, plan.Monday); !errors.Is(err, tt.err) {
				t.Fatalf("Check() error = %v, want %v", err, tt.err)
			}
			if _, ok := f.tracker.Modified(plan.Monday); ok {
				t.Error("slot still resolved after failure")
			}
			if got := f.tracker.Fingerprint(); got != "" {
				t.Errorf("Fingerprint() = %q after failure, want empty", got)
			}
			if f.upstream.recycled != tt.wantRecycle {
				t.Errorf("recycled = %d, want %d", f.upstream.recycled, tt.wantRecycle)
			}
		})
	}
}

func TestRecheckAllRateLimited(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.tracker.RecheckAll(ctx, 4*time.Minute); err != nil {
		t.Fatalf("RecheckAll() error = %v", err)
	}
	if err := f.tracker.RecheckAll(ctx, 4*time.Minute); err != nil {
		t.Fatalf("RecheckAll() error = %v", err)
	}
	if got := f.upstream.totalCalls(); got != len(plan.Weekdays) {
		t.Fatalf("upstream calls = %d, want %d (one round)", got, len(plan.Weekdays))
	}
	if f.batch.enters != 1 {
		t.Errorf("batch entered %d times, want 1", f.batch.enters)
	}

	f.clock.Advance(4 * time.Minute)
	if err := f.tracker.RecheckAll(ctx, 4*time.Minute); err != nil {
		t.Fatalf("RecheckAll() error = %v", err)
	}
	if got := f.upstream.totalCalls(); got != 2*len(plan.Weekdays) {
		t.Errorf("upstream calls = %d, want %d (two rounds)", got, 2*len(plan.Weekdays))
	}
	if f.batch.held() != 0 {
		t.Errorf("batch locks = %d after rounds, want 0", f.batch.held())
	}
}

func TestRecheckAllFailureAllowsEarlyRetry(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	boom := errors.New("HTTP 503")
	f.upstream.set(plan.Thursday, time.Time{}, boom)

	err := f.tracker.RecheckAll(ctx, 4*time.Minute)
	if !errors.Is(err, boom) {
		t.Fatalf("RecheckAll() error = %v, want %v", err, boom)
	}
	calls := f.upstream.totalCalls()

	// Within the retry delay the failed outcome is returned again.
	if err := f.tracker.RecheckAll(ctx, 4*time.Minute); !errors.Is(err, boom) {
		t.Fatalf("RecheckAll() error = %v, want cached %v", err, boom)
	}
	if got := f.upstream.totalCalls(); got != calls {
		t.Fatalf("upstream calls = %d, want %d", got, calls)
	}

	f.upstream.set(plan.Thursday, f.clock.Now().Add(-time.Hour), nil)
	f.clock.Advance(15 * time.Second)
	if err := f.tracker.RecheckAll(ctx, 4*time.Minute); err != nil {
		t.Fatalf("RecheckAll() error = %v after retry delay", err)
	}
	if f.tracker.Fingerprint() == "" {
		t.Error("fingerprint not set after recovery")
	}
}

func TestRecheckAllRetryIndependentOfCallerInterval(t *testing.T) {
	tests := []struct {
		name         string
		failInterval time.Duration
		nextInterval time.Duration
		advance      time.Duration
	}{
		{name: "manual round then burst poll", failInterval: 0, nextInterval: 10 * time.Second, advance: 20 * time.Second},
		{name: "api round then idle poll", failInterval: 45 * time.Second, nextInterval: 4 * time.Minute, advance: time.Minute},
		{name: "idle poll then api round", failInterval: 4 * time.Minute, nextInterval: 45 * time.Second, advance: 15 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			ctx := context.Background()
			boom := errors.New("HTTP 503")
			f.upstream.set(plan.Monday, time.Time{}, boom)

			if err := f.tracker.RecheckAll(ctx, tt.failInterval); !errors.Is(err, boom) {
				t.Fatalf("RecheckAll() error = %v, want %v", err, boom)
			}

			f.clock.Advance(5 * time.Second)
			calls := f.upstream.totalCalls()
			if err := f.tracker.RecheckAll(ctx, tt.nextInterval); !errors.Is(err, boom) {
				t.Fatalf("RecheckAll() inside retry delay error = %v, want cached %v", err, boom)
			}
			if got := f.upstream.totalCalls(); got != calls {
				t.Fatalf("upstream calls = %d inside retry delay, want %d", got, calls)
			}

			f.upstream.set(plan.Monday, f.clock.Now().Add(-time.Hour), nil)
			f.clock.Advance(tt.advance - 5*time.Second)
			if err := f.tracker.RecheckAll(ctx, tt.nextInterval); err != nil {
				t.Fatalf("RecheckAll() after retry delay error = %v", err)
			}
			if got := f.upstream.totalCalls(); got != calls+len(plan.Weekdays) {
				t.Errorf("upstream calls = %d, want %d (new round)", got, calls+len(plan.Weekdays))
			}

			// A successful round falls back to the caller's interval.
			f.clock.Advance(time.Second)
			if err := f.tracker.RecheckAll(ctx, tt.nextInterval); err != nil {
				t.Fatalf("RecheckAll() error = %v", err)
			}
			if got := f.upstream.totalCalls(); got != calls+len(plan.Weekdays) {
				t.Errorf("upstream calls = %d after success, want %d", got, calls+len(plan.Weekdays))
			}
		})
	}
}

func TestRecheckAllJoinsRunningRound(t *testing.T) {
	f := newFixture(t, 0)
	f.upstream.started = make(chan plan.Weekday, len(plan.Weekdays))
	f.upstream.gate = make(chan struct{})
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- f.tracker.RecheckAll(ctx, time.Minute) }()
	for range plan.Weekdays {
		<-f.upstream.started
	}
	go func() { errs <- f.tracker.RecheckAll(ctx, time.Minute) }()

	close(f.upstream.gate)
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("RecheckAll() error = %v", err)
		}
	}
	if got := f.upstream.totalCalls(); got != len(plan.Weekdays) {
		t.Errorf("upstream calls = %d, want %d", got, len(plan.Weekdays))
	}
}

func TestFingerprintLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if got := f.tracker.Fingerprint(); got != "" {
		t.Fatalf("Fingerprint() = %q before first round, want empty", got)
	}
	fp, err := f.tracker.LatestFingerprint(ctx, time.Minute)
	if err != nil {
		t.Fatalf("LatestFingerprint() error = %v", err)
	}
	if len(fp) != 28 {
		t.Fatalf("fingerprint %q has length %d, want 28", fp, len(fp))
	}
	if want := f.upstream.modified[plan.Friday]; !f.tracker.Latest().Equal(want) {
		t.Errorf("Latest() = %s, want %s", f.tracker.Latest(), want)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.tracker.LatestFingerprint(ctx, time.Minute); err != nil {
		t.Fatalf("LatestFingerprint() error = %v", err)
	}
	if got := f.fingerprintCount(); got != 1 {
		t.Errorf("OnFingerprint calls = %d after unchanged round, want 1", got)
	}

	f.upstream.set(plan.Monday, f.clock.Now(), nil)
	f.clock.Advance(time.Minute)
	next, err := f.tracker.LatestFingerprint(ctx, time.Minute)
	if err != nil {
		t.Fatalf("LatestFingerprint() error = %v", err)
	}
	if next == fp {
		t.Error("fingerprint unchanged after a modification")
	}
	if got := f.fingerprintCount(); got != 2 {
		t.Errorf("OnFingerprint calls = %d, want 2", got)
	}
}

func TestPeekFingerprint(t *testing.T) {
	f := newFixture(t, 0)

	if got := f.tracker.PeekFingerprint(context.Background(), time.Minute); got != "" {
		t.Errorf("PeekFingerprint() = %q before any round, want empty", got)
	}
	f.tracker.Wait()
	if got := f.tracker.PeekFingerprint(context.Background(), time.Minute); got == "" {
		t.Error("PeekFingerprint() empty after background round")
	}
	f.tracker.Wait()
}

func TestFingerprint(t *testing.T) {
	base := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	a := []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)}
	b := []time.Time{base, base.Add(time.Hour), base.Add(2*time.Hour + time.Second)}
	swapped := []time.Time{base.Add(time.Hour), base, base.Add(2 * time.Hour)}

	if Fingerprint(a) != Fingerprint(a) {
		t.Error("Fingerprint is not deterministic")
	}
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("one second difference not reflected")
	}
	if Fingerprint(a) == Fingerprint(swapped) {
		t.Error("order not reflected")
	}
	if got := Fingerprint(nil); got != "0000000000000000000000000000" {
		t.Errorf("Fingerprint(nil) = %q", got)
	}
	sub := []time.Time{base.Add(500 * time.Millisecond)}
	if Fingerprint(sub) != Fingerprint([]time.Time{base}) {
		t.Error("sub-second precision must be ignored")
	}
}
