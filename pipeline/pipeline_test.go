package pipeline

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
	"substitute-notifier/scraper"
	"substitute-notifier/storage"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// planServer serves one plan per weekday. Rows are "class|lesson|substitute|teacher|room".
type planServer struct {
	mu       sync.Mutex
	date     time.Time
	modified map[plan.Weekday]time.Time
	rows     map[plan.Weekday][]string
}

func newPlanServer(date time.Time) *planServer {
	s := &planServer{date: date, modified: make(map[plan.Weekday]time.Time), rows: make(map[plan.Weekday][]string)}
	base := time.Date(2026, 10, 16, 11, 0, 0, 0, time.UTC)
	for _, wd := range plan.Weekdays {
		s.modified[wd] = base
	}
	return s
}

func (s *planServer) set(wd plan.Weekday, rows ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[wd] = rows
	s.modified[wd] = s.modified[wd].Add(time.Minute)
}

func (s *planServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Method == http.MethodHead {
		name := strings.TrimSuffix(r.URL.Path[strings.LastIndex(r.URL.Path, "_")+1:], ".htm")
		modified, ok := s.modified[plan.Weekday(name)]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><div class="mon_title">%s Montag</div><table class="mon_list">`, s.date.Format("2.1.2006"))
	b.WriteString(`<tr class="list"><th>Klasse(n)</th><th>Stunde</th></tr>`)
	for _, row := range s.rows[plan.Weekday(r.URL.Query().Get("wd"))] {
		f := strings.Split(row, "|")
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td></td></tr>", f[0], f[1], f[2], f[3], f[3], f[4])
	}
	b.WriteString("</table></body></html>")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, b.String())
}

type delivered struct {
	subscriber string
	payload    *notify.Payload
}

type recordingTransport struct {
	ch chan delivered
}

func (r *recordingTransport) Deliver(_ context.Context, sub *plan.Subscriber, payload *notify.Payload, _ time.Duration) error {
	r.ch <- delivered{subscriber: sub.ID, payload: payload}
	return nil
}

func newTestPipeline(t *testing.T, upstreamURL string, clk clock.Clock) (*Pipeline, *recordingTransport, *[]string) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	transport := &recordingTransport{ch: make(chan delivered, 16)}
	var welcomed []string
	p := New(Config{
		Upstream:  scraper.New(upstreamURL, 5*time.Second, loc, testLogger()),
		Store:     storage.New(nil, "", t.TempDir(), testLogger()),
		Transport: transport,
		Clock:     clk,
		Logger:    testLogger(),
		Location:  loc,
		Salt:      []byte("test"),
		Timings: Timings{
			RetryDelay:          time.Second,
			BurstInterval:       time.Minute,
			IdleInterval:        time.Minute,
			OffsetRefresh:       time.Hour,
			SubscriberRetention: 8 * 7 * 24 * time.Hour,
		},
		Welcome: func(_ context.Context, sub *plan.Subscriber) error {
			welcomed = append(welcomed, sub.ID)
			return nil
		},
	})
	return p, transport, &welcomed
}

func next(t *testing.T, ch <-chan delivered) delivered {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
		return delivered{}
	}
}

func TestChangeReachesSegmentSubscribers(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatal(err)
	}
	year, month, day := time.Now().In(loc).AddDate(0, 0, 2).Date()
	upstream := newPlanServer(time.Date(year, month, day, 0, 0, 0, 0, loc))
	upstream.set(plan.Monday, "7A|3|Mül|Sch|101", "8B|2|Hub|Bau|202")
	srv := httptest.NewServer(upstream)
	defer srv.Close()

	p, transport, _ := newTestPipeline(t, srv.URL, clock.WallClock)
	defer p.Stop()

	fingerprints := make(chan string, 4)
	p.OnFingerprint(func(fp string) { fingerprints <- fp })

	ctx := context.Background()
	class, err := p.Register(ctx, &Registration{Email: "7a@example.com", Segments: []string{"7A"}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	everyone, err := p.Register(ctx, &Registration{Email: "all@example.com"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := p.Recheck(ctx); err != nil {
		t.Fatalf("Recheck() error = %v", err)
	}
	select {
	case fp := <-fingerprints:
		if len(fp) == 0 {
			t.Error("empty fingerprint broadcast")
		}
	default:
		t.Error("no fingerprint broadcast after first round")
	}

	got := map[string]*notify.Payload{}
	for range 2 {
		d := next(t, transport.ch)
		got[d.subscriber] = d.payload
	}
	if pl := got[class.ID]; pl == nil || len(pl.Lines) != 1 || !strings.Contains(pl.Lines[0], "7A") {
		t.Errorf("class subscriber payload = %+v", pl)
	}
	if pl := got[everyone.ID]; pl == nil || len(pl.Lines) != 2 {
		t.Errorf("all-segments subscriber payload = %+v", pl)
	}

	// Only 8B changes: the 7A subscriber hears nothing.
	upstream.set(plan.Monday, "7A|3|Mül|Sch|101", "8B|2|Hub|Bau|303")
	if err := p.Recheck(ctx); err != nil {
		t.Fatalf("Recheck() error = %v", err)
	}
	d := next(t, transport.ch)
	if d.subscriber != everyone.ID {
		t.Errorf("delivered to %s, want all-segments subscriber", d.subscriber)
	}
	if !strings.Contains(d.payload.Body(), "303") {
		t.Errorf("payload body = %q", d.payload.Body())
	}

	pl, err := p.Plan(ctx, plan.Monday)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if pl.Segments["8B"] == nil || pl.Entries[1].Room != "303" {
		t.Errorf("Plan() = %+v", pl)
	}
	if st := p.Status(ctx); st.Fingerprint == "" || st.Fingerprint != p.PeekFingerprint(ctx) || st.LocalTime.IsZero() {
		t.Errorf("Status() = %+v", st)
	}

	p.Stop()
	select {
	case d := <-transport.ch:
		t.Errorf("unexpected delivery to %s", d.subscriber)
	default:
	}
}

func TestRegisterValidation(t *testing.T) {
	p, _, welcomed := newTestPipeline(t, "http://127.0.0.1:0", clock.WallClock)
	ctx := context.Background()

	tests := []struct {
		name string
		reg  Registration
	}{
		{"no descriptor", Registration{Segments: []string{"7A"}}},
		{"unknown segment", Registration{Email: "a@example.com", Segments: []string{"7Z"}}},
		{"malformed email", Registration{Email: "not-an-address"}},
		{"plain http endpoint", Registration{Push: &plan.PushSubscription{Endpoint: "http://push.example/x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Register(ctx, &tt.reg); !IsInvalidSubscriber(err) {
				t.Errorf("Register() error = %v, want invalid subscriber", err)
			}
		})
	}

	first, err := p.Register(ctx, &Registration{Email: "A@example.com", Segments: []string{"7A", "7A", "Q11"}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if len(first.Segments) != 2 {
		t.Errorf("Segments = %v, want duplicates removed", first.Segments)
	}
	second, err := p.Register(ctx, &Registration{Email: "a@example.com", Segments: []string{plan.AllSegments}})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("re-registration changed id: %s != %s", second.ID, first.ID)
	}
	if len(second.Segments) != 0 {
		t.Errorf("Segments = %v, want all segments", second.Segments)
	}
	if len(*welcomed) != 1 {
		t.Errorf("welcome sent %d times, want once", len(*welcomed))
	}

	if err := p.Unregister(ctx, "../etc/passwd"); !IsInvalidSubscriber(err) {
		t.Errorf("Unregister() error = %v, want invalid subscriber", err)
	}
	if err := p.Unregister(ctx, first.ID); err != nil {
		t.Errorf("Unregister() error = %v", err)
	}
	if err := p.Unregister(ctx, first.ID); err != nil {
		t.Errorf("second Unregister() error = %v", err)
	}
}

func TestRegisterPushEndpointsKeepCase(t *testing.T) {
	p, _, _ := newTestPipeline(t, "http://127.0.0.1:0", clock.WallClock)
	ctx := context.Background()

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	keys := plan.PushKeys{
		P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(make([]byte, 16)),
	}

	ids := map[string]bool{}
	for _, endpoint := range []string{
		"https://fcm.googleapis.com/fcm/send/dGVzdA:APA91bAbC",
		"https://fcm.googleapis.com/fcm/send/dGVzdA:APA91babc",
	} {
		sub, err := p.Register(ctx, &Registration{Push: &plan.PushSubscription{Endpoint: endpoint, Keys: keys}})
		if err != nil {
			t.Fatalf("Register(%s) error = %v", endpoint, err)
		}
		ids[sub.ID] = true
	}
	if len(ids) != 2 {
		t.Errorf("endpoints differing only in case got %d ids, want 2", len(ids))
	}
}

func TestPrune(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC))
	p, _, _ := newTestPipeline(t, "http://127.0.0.1:0", clk)
	ctx := context.Background()

	if _, err := p.Register(ctx, &Registration{Email: "old@example.com"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(7 * 7 * 24 * time.Hour)
	if _, err := p.Register(ctx, &Registration{Email: "recent@example.com"}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * 7 * 24 * time.Hour)

	n, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}
	subs, err := p.cfg.Store.ListSubscribers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].Email != "recent@example.com" {
		t.Errorf("remaining subscribers = %+v", subs)
	}
}
