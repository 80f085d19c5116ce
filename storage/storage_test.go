package storage

import (
	"context"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"substitute-notifier/pkg/plan"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlStore, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db", "notifier.db"), testLogger())
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := sqlStore.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return map[string]Backend{
		"local":  New(nil, "", t.TempDir(), testLogger()),
		"sqlite": sqlStore,
	}
}

var salt = []byte("test-salt")

func TestSubscriberID(t *testing.T) {
	a := EmailSubscriberID(salt, "Parent@Example.com ")
	b := EmailSubscriberID(salt, "parent@example.com")
	if a != b {
		t.Error("email id depends on case or surrounding space")
	}
	if !ValidID(a) {
		t.Errorf("ValidID(%q) = false", a)
	}
	if EmailSubscriberID([]byte("other"), "parent@example.com") == a {
		t.Error("id does not depend on salt")
	}

	// FCM tokens in push endpoints differ only in case.
	upper := SubscriberID(salt, "https://fcm.googleapis.com/fcm/send/dGVzdA:APA91bAbC")
	lower := SubscriberID(salt, "https://fcm.googleapis.com/fcm/send/dGVzdA:APA91babc")
	if upper == lower {
		t.Error("push endpoints differing in case share an id")
	}
	if SubscriberID(salt, "https://push.example/1 ") != SubscriberID(salt, "https://push.example/1") {
		t.Error("push id depends on surrounding space")
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{SubscriberID(salt, "x"), true},
		{"", false},
		{"../../etc/passwd", false},
		{"ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789", false},
		{"abcdef0123456789abcdef0123456789abcdef0123456789abcdef012345678g", false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSubscriberRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			updated := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
			push := &plan.Subscriber{
				ID:        SubscriberID(salt, "https://push.example/1"),
				Push:      &plan.PushSubscription{Endpoint: "https://push.example/1", Keys: plan.PushKeys{P256dh: "key", Auth: "auth"}},
				Segments:  []string{"7A", "Q11"},
				UpdatedAt: updated,
			}
			mail := &plan.Subscriber{
				ID:        SubscriberID(salt, "a@example.com"),
				Email:     "a@example.com",
				UpdatedAt: updated.AddDate(0, 0, -60),
			}
			for _, sub := range []*plan.Subscriber{push, mail} {
				if err := store.UpsertSubscriber(ctx, sub); err != nil {
					t.Fatalf("UpsertSubscriber() error = %v", err)
				}
			}

			got, err := store.LoadSubscriber(ctx, push.ID)
			if err != nil {
				t.Fatalf("LoadSubscriber() error = %v", err)
			}
			if got.Push == nil || got.Push.Endpoint != push.Push.Endpoint || !slices.Equal(got.Segments, push.Segments) || !got.UpdatedAt.Equal(updated) {
				t.Errorf("LoadSubscriber() = %+v", got)
			}

			subs, err := store.ListSubscribers(ctx)
			if err != nil || len(subs) != 2 {
				t.Fatalf("ListSubscribers() = %d, %v, want 2", len(subs), err)
			}

			pruned, err := store.PruneSubscribers(ctx, updated.AddDate(0, 0, -56))
			if err != nil || pruned != 1 {
				t.Fatalf("PruneSubscribers() = %d, %v, want 1", pruned, err)
			}
			if _, err := store.LoadSubscriber(ctx, mail.ID); !IsNotFound(err) {
				t.Errorf("pruned subscriber still loadable: %v", err)
			}

			if err := store.DeleteSubscriber(ctx, push.ID); err != nil {
				t.Fatalf("DeleteSubscriber() error = %v", err)
			}
			if err := store.DeleteSubscriber(ctx, push.ID); err != nil {
				t.Errorf("second DeleteSubscriber() error = %v", err)
			}
			if subs, err := store.ListSubscribers(ctx); err != nil || len(subs) != 0 {
				t.Errorf("ListSubscribers() = %d, %v, want empty", len(subs), err)
			}
		})
	}
}

func TestStateRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state, err := store.LoadState(ctx)
			if err != nil || len(state) != 0 {
				t.Fatalf("LoadState() on empty store = %v, %v", state, err)
			}

			first := plan.Fingerprints{"7A": "a", "Alle": "b"}
			second := plan.Fingerprints{"8B": "c"}
			if err := store.SaveState(ctx, plan.Monday, first); err != nil {
				t.Fatalf("SaveState() error = %v", err)
			}
			if err := store.SaveState(ctx, plan.Monday, second); err != nil {
				t.Fatalf("SaveState() error = %v", err)
			}
			if err := store.SaveState(ctx, plan.Friday, first); err != nil {
				t.Fatalf("SaveState() error = %v", err)
			}

			state, err = store.LoadState(ctx)
			if err != nil {
				t.Fatalf("LoadState() error = %v", err)
			}
			if !maps.Equal(state[plan.Monday], second) {
				t.Errorf("Monday = %v, want replaced by %v", state[plan.Monday], second)
			}
			if !maps.Equal(state[plan.Friday], first) {
				t.Errorf("Friday = %v, want %v", state[plan.Friday], first)
			}
		})
	}
}

func TestInvalidIDRejected(t *testing.T) {
	store := New(nil, "", t.TempDir(), testLogger())
	if err := store.UpsertSubscriber(context.Background(), &plan.Subscriber{ID: "../x"}); err == nil {
		t.Error("UpsertSubscriber() accepted a path-like id")
	}
	if _, err := store.LoadSubscriber(context.Background(), "../x"); !IsNotFound(err) {
		t.Errorf("LoadSubscriber() error = %v, want not found", err)
	}
}
