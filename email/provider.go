// Package email delivers substitution notifications by email through a
// pluggable provider.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"substitute-notifier/delivery"
	"substitute-notifier/notify"
	"substitute-notifier/pkg/plan"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const channel = "email"

// ErrNoAddress is returned for subscribers without an email address.
var ErrNoAddress = errors.New("subscriber has no email address")

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// Deliver emails payload to sub. Email has no expiry, so ttl is ignored.
func (s *Sender) Deliver(ctx context.Context, sub *plan.Subscriber, payload *notify.Payload, _ time.Duration) error {
	if sub.Email == "" {
		return &delivery.PermanentError{Channel: channel, Err: ErrNoAddress}
	}

	subject := payload.Title
	if subject == "" {
		subject = "Vertretungsplan"
	}
	body := s.formatNotificationBody(sub, payload)

	s.logger.Info("Sending notification email",
		"subscriber", sub.ID,
		"subject", subject,
		"lines", len(payload.Lines))

	return s.provider.Send(ctx, sub.Email, subject, body)
}

// SendWelcome confirms a new email registration.
func (s *Sender) SendWelcome(ctx context.Context, sub *plan.Subscriber) error {
	if sub.Email == "" {
		return ErrNoAddress
	}
	subject := "Vertretungsplan: Anmeldung bestätigt"
	body := s.formatWelcomeBody(sub)

	s.logger.Info("Sending welcome email", "subscriber", sub.ID, "segments", sub.Segments)

	return s.provider.Send(ctx, sub.Email, subject, body)
}

// sendWithRetry retries send with jittered backoff until it succeeds, fails
// permanently or ctx ends. The last attempt's error is returned wrapped.
func sendWithRetry(ctx context.Context, logger *slog.Logger, provider string, backoff time.Duration, send func() error) error {
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = send()
			return lastErr
		},
		retry.Attempts(3),
		retry.Delay(backoff),
		retry.MaxDelay(30*backoff),
		retry.MaxJitter(5*backoff),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool { return !delivery.IsPermanent(err) }),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying email send", "provider", provider, "attempt", n, "error", err)
		}),
	)
	if err != nil && lastErr != nil {
		return fmt.Errorf("%s send: %w", provider, lastErr)
	}
	return err
}
