// Package scraper handles checking, fetching and parsing the published substitute plans.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"substitute-notifier/pkg/plan"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/html/charset"
)

const (
	headPath  = "/aktuelle_vertretungen/Woche/ressourcen007/schuelerplan_%s.htm"
	fetchPath = "/vertretung_filter/?wd=%s"

	maxPlanBytes = 2 << 20
	userAgent    = "substitute-notifier/1.0 (+https://github.com/substitute-notifier)"
)

// UpstreamError indicates the plan server could not be reached or answered unexpectedly.
type UpstreamError struct {
	Weekday    plan.Weekday
	StatusCode int // 0 for network errors
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: HTTP %d", e.Weekday, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s: %v", e.Weekday, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError checks if an error is an upstream error.
func IsUpstreamError(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream)
}

// IsTimeout checks if an error is an upstream timeout.
func IsTimeout(err error) bool {
	var upstream *UpstreamError
	return errors.As(err, &upstream) && upstream.Timeout
}

// Check is the outcome of a conditional modification check.
type Check struct {
	NotModified  bool
	LastModified time.Time
}

// Scraper talks to the plan server. Its connection pool is shared by every
// request and replaced by Recycle.
type Scraper struct {
	baseURL  string
	timeout  time.Duration
	location *time.Location
	logger   *slog.Logger

	mu     sync.Mutex
	client *http.Client
}

// New creates a new scraper. Plan dates are interpreted in location.
func New(baseURL string, timeout time.Duration, location *time.Location, logger *slog.Logger) *Scraper {
	return &Scraper{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		timeout:  timeout,
		location: location,
		logger:   logger,
		client:   newClient(timeout),
	}
}

func newClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 90 * time.Second}).DialContext,
		MaxIdleConns:          8,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func (s *Scraper) httpClient() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Recycle drops the pooled connections and installs a fresh transport.
func (s *Scraper) Recycle() {
	s.mu.Lock()
	old := s.client
	s.client = newClient(s.timeout)
	s.mu.Unlock()

	old.CloseIdleConnections()
	s.logger.Warn("Upstream connection pool recycled")
}

// CheckModified issues a conditional HEAD request for wd. A zero since sends
// no precondition.
func (s *Scraper) CheckModified(ctx context.Context, wd plan.Weekday, since time.Time) (*Check, error) {
	url := s.baseURL + fmt.Sprintf(headPath, wd)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := s.do(req, wd, "check_modified")
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return &Check{NotModified: true, LastModified: since}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		header := resp.Header.Get("Last-Modified")
		modified, err := http.ParseTime(header)
		if err != nil {
			return nil, &UpstreamError{Weekday: wd, Err: fmt.Errorf("invalid Last-Modified %q: %w", header, err)}
		}
		return &Check{LastModified: modified}, nil
	default:
		return nil, &UpstreamError{Weekday: wd, StatusCode: resp.StatusCode}
	}
}

// Fetch downloads the plan for wd and returns it decoded as UTF-8.
func (s *Scraper) Fetch(ctx context.Context, wd plan.Weekday) ([]byte, error) {
	url := s.baseURL + fmt.Sprintf(fetchPath, wd)
	var body []byte
	var lastErr error

	err := retry.Do(
		func() error {
			err := s.fetchOnce(ctx, wd, url, &body)
			lastErr = err
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying plan fetch after error", "attempt", n, "weekday", wd, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			// Timeouts are left to the caller, which recycles the pool.
			return !IsTimeout(err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return nil, fmt.Errorf("fetch plan %s: %w", wd, err)
	}
	return body, nil
}

func (s *Scraper) fetchOnce(ctx context.Context, wd plan.Weekday, url string, body *[]byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := s.do(req, wd, "fetch_plan")
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Weekday: wd, StatusCode: resp.StatusCode}
	}

	reader, err := charset.NewReader(io.LimitReader(resp.Body, maxPlanBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("detect charset: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	*body = data
	return nil
}

func (s *Scraper) do(req *http.Request, wd plan.Weekday, purpose string) (*http.Response, error) {
	s.logger.Debug("HTTP request starting", "method", req.Method, "url", req.URL.String(), "purpose", purpose)

	start := time.Now()
	resp, err := s.httpClient().Do(req)
	duration := time.Since(start)
	if err != nil {
		s.logger.Warn("HTTP request failed",
			"url", req.URL.String(),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, &UpstreamError{Weekday: wd, Timeout: isTimeout(err), Err: err}
	}

	s.logger.Debug("HTTP request completed",
		"url", req.URL.String(),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return resp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
