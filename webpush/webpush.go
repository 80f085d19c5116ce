// Package webpush delivers notification payloads through the Web Push protocol
// with VAPID authentication.
package webpush

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"substitute-notifier/delivery"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"
)

const channel = "push"

// ErrNoSubscription is returned for subscribers without a push descriptor.
var ErrNoSubscription = errors.New("subscriber has no push subscription")

// Config holds the VAPID identity of the sender.
type Config struct {
	PublicKey  string
	PrivateKey string
	Subject    string // Operator contact, an email address or https URL
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Sender posts encrypted payloads to push services.
type Sender struct {
	cfg    Config
	client *http.Client
}

// New creates a push sender.
func New(cfg Config) *Sender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Sender{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// GenerateKeys creates a new VAPID key pair.
func GenerateKeys() (privateKey, publicKey string, err error) {
	return webpushgo.GenerateVAPIDKeys()
}

// Deliver sends payload to the push subscription of sub. Subscriptions the
// push service reports as gone are returned as permanent errors.
func (s *Sender) Deliver(ctx context.Context, sub *plan.Subscriber, payload *notify.Payload, ttl time.Duration) error {
	if sub.Push == nil {
		return &delivery.PermanentError{Channel: channel, Err: ErrNoSubscription}
	}
	msg, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	start := time.Now()
	resp, err := webpushgo.SendNotificationWithContext(ctx, msg, &webpushgo.Subscription{
		Endpoint: sub.Push.Endpoint,
		Keys: webpushgo.Keys{
			Auth:   sub.Push.Keys.Auth,
			P256dh: sub.Push.Keys.P256dh,
		},
	}, &webpushgo.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             int(ttl.Seconds()),
		Urgency:         webpushgo.UrgencyHigh,
	})
	if err != nil {
		s.cfg.Logger.Warn("Push request failed", "subscriber", sub.ID, "error", err)
		return fmt.Errorf("send push: %w", err)
	}
	defer func() {
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			s.cfg.Logger.Debug("Failed to drain response body", "error", err)
		}
		if err := resp.Body.Close(); err != nil {
			s.cfg.Logger.Warn("Failed to close response body", "error", err)
		}
	}()

	s.cfg.Logger.Debug("Push request completed",
		"subscriber", sub.ID,
		"status", resp.StatusCode,
		"ttl_s", int(ttl.Seconds()),
		"duration_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return &delivery.PermanentError{Channel: channel, StatusCode: resp.StatusCode, Err: errors.New("push subscription expired")}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("push service returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Validate checks that a push descriptor can be used for delivery.
func Validate(p *plan.PushSubscription) error {
	if p == nil {
		return ErrNoSubscription
	}
	u, err := url.Parse(p.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("invalid push endpoint %q", p.Endpoint)
	}
	key, err := decodeKey(p.Keys.P256dh)
	if err != nil {
		return errors.New("invalid p256dh key")
	}
	if _, err := ecdh.P256().NewPublicKey(key); err != nil {
		return fmt.Errorf("invalid p256dh key: %w", err)
	}
	auth, err := decodeKey(p.Keys.Auth)
	if err != nil || len(auth) != 16 {
		return errors.New("invalid auth secret")
	}
	return nil
}

// decodeKey accepts URL-safe base64 with or without padding, as browsers
// differ in what they emit.
func decodeKey(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
