package webpush

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"substitute-notifier/delivery"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
	"testing"
	"time"
)

func testKeys(t *testing.T) plan.PushKeys {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return plan.PushKeys{
		P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(auth),
	}
}

func testSender(t *testing.T) *Sender {
	t.Helper()
	private, public, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys() error = %v", err)
	}
	return New(Config{
		PublicKey:  public,
		PrivateKey: private,
		Subject:    "ops@example.com",
		Timeout:    5 * time.Second,
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func TestDeliver(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{"created", http.StatusCreated, false, false},
		{"gone", http.StatusGone, true, true},
		{"not found", http.StatusNotFound, true, true},
		{"rate limited", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusInternalServerError, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ttl, urgency string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ttl = r.Header.Get("TTL")
				urgency = r.Header.Get("Urgency")
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			sub := &plan.Subscriber{ID: "s1", Push: &plan.PushSubscription{Endpoint: srv.URL, Keys: testKeys(t)}}
			payload := &notify.Payload{ID: "r1", Lines: []string{"Di 7A 1. Mül"}}
			err := testSender(t).Deliver(context.Background(), sub, payload, time.Hour)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := delivery.IsPermanent(err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
			if ttl != "3600" {
				t.Errorf("TTL header = %q, want 3600", ttl)
			}
			if urgency != "high" {
				t.Errorf("Urgency header = %q, want high", urgency)
			}
		})
	}
}

func TestDeliverWithoutSubscription(t *testing.T) {
	err := testSender(t).Deliver(context.Background(), &plan.Subscriber{ID: "s1", Email: "a@example.com"}, &notify.Payload{}, time.Hour)
	if !delivery.IsPermanent(err) {
		t.Errorf("Deliver() error = %v, want permanent", err)
	}
}

func TestValidate(t *testing.T) {
	keys := testKeys(t)
	tests := []struct {
		name    string
		sub     *plan.PushSubscription
		wantErr bool
	}{
		{"valid", &plan.PushSubscription{Endpoint: "https://fcm.googleapis.com/fcm/send/abc", Keys: keys}, false},
		{"padded keys", &plan.PushSubscription{Endpoint: "https://push.example/x", Keys: plan.PushKeys{P256dh: keys.P256dh + "=", Auth: keys.Auth + "=="}}, false},
		{"nil", nil, true},
		{"http endpoint", &plan.PushSubscription{Endpoint: "http://push.example/x", Keys: keys}, true},
		{"short key", &plan.PushSubscription{Endpoint: "https://push.example/x", Keys: plan.PushKeys{P256dh: "AAAA", Auth: keys.Auth}}, true},
		// 0x04 followed by the coordinates (0, 0), which is not a P-256 point.
		{"key off curve", &plan.PushSubscription{Endpoint: "https://push.example/x", Keys: plan.PushKeys{P256dh: "B" + strings.Repeat("A", 86), Auth: keys.Auth}}, true},
		{"short auth", &plan.PushSubscription{Endpoint: "https://push.example/x", Keys: plan.PushKeys{P256dh: keys.P256dh, Auth: "AAAA"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.sub); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
