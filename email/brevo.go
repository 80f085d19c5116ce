package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"substitute-notifier/delivery"
	"time"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
	backoff  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		backoff:  time.Second,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send sends an email via Brevo API. A rejected recipient address is a
// permanent error and is not retried.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	jsonData, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return sendWithRetry(ctx, b.logger, "brevo", b.backoff, func() error {
		return b.post(ctx, jsonData)
	})
}

func (b *BrevoProvider) post(ctx context.Context, body []byte) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		b.logger.Warn("Brevo API request failed", "duration_ms", duration.Milliseconds(), "error", err)
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &delivery.PermanentError{
			Channel:    channel,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("recipient rejected: %s", bytes.TrimSpace(detail)),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		b.logger.Warn("Brevo API returned non-2xx status", "status_code", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	b.logger.Info("Brevo API request completed",
		"endpoint", "smtp/email",
		"duration_ms", duration.Milliseconds(),
		"status", "success")
	return nil
}
