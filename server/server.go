// Package server handles HTTP endpoints, the realtime socket and request routing.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"slices"
	"substitute-notifier/metrics"
	"substitute-notifier/pipeline"
	"substitute-notifier/pkg/plan"
	"substitute-notifier/scraper"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "tmpl/*.tmpl"))

// Pipeline is the part of the notification pipeline the API exposes.
type Pipeline interface {
	Fingerprint(ctx context.Context) (string, error)
	PeekFingerprint(ctx context.Context) string
	Plan(ctx context.Context, wd plan.Weekday) (*plan.Plan, error)
	Recheck(ctx context.Context) error
	Register(ctx context.Context, r *pipeline.Registration) (*plan.Subscriber, error)
	Unregister(ctx context.Context, id string) error
	OnFingerprint(fn func(fingerprint string))
	Status(ctx context.Context) pipeline.Status
}

// Server handles HTTP requests.
type Server struct {
	pipeline Pipeline
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	origins  []string
	vapidKey string
	limiter  *rateLimiter
	hub      *hub
}

// Config holds server configuration.
type Config struct {
	Pipeline Pipeline
	Logger   *slog.Logger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// AllowedOrigins may call the API and open sockets cross-origin.
	AllowedOrigins []string
	// VAPIDPublicKey is handed to browsers creating push subscriptions.
	VAPIDPublicKey string
}

// New creates a new HTTP server handler and subscribes it to fingerprint
// changes.
func New(cfg *Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	s := &Server{
		pipeline: cfg.Pipeline,
		logger:   cfg.Logger,
		gatherer: cfg.Gatherer,
		origins:  cfg.AllowedOrigins,
		vapidKey: cfg.VAPIDPublicKey,
		limiter:  newRateLimiter(clk, subscribeEvery, subscribeBurst),
	}
	s.hub = newHub(cfg.Pipeline, clk, cfg.Metrics, cfg.Logger, s.checkOrigin)
	cfg.Pipeline.OnFingerprint(s.hub.broadcast)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pollz", s.handlePoll)
	mux.HandleFunc("GET /api/v1/plans/latest", s.handleLatest)
	mux.HandleFunc("GET /api/v1/plans/{weekday}", s.handlePlan)
	mux.HandleFunc("GET /api/v1/push/key", s.handlePushKey)
	mux.HandleFunc("POST /api/v1/subscribers", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/v1/subscribers/{id}", s.handleDeleteSubscriber)
	mux.HandleFunc("GET /api/v1/websocket", s.hub.serve)
	mux.HandleFunc("GET /unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("POST /unsubscribe", s.handleUnsubscribe)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.cors(mux)
}

// Serve listens on port until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second, // Covers a blocking recheck round
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.hub.closeAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *Server) checkOrigin(origin string) bool {
	return origin != "" && slices.Contains(s.origins, origin)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.checkOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

type healthResponse struct {
	State string `json:"status"`
	pipeline.Status
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{State: "healthy", Status: s.pipeline.Status(r.Context())})
}

func (s *Server) handlePushKey(w http.ResponseWriter, _ *http.Request) {
	if s.vapidKey == "" {
		http.Error(w, "Push disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"public_key": s.vapidKey})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.pipeline.Recheck(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	fp, err := s.pipeline.Fingerprint(r.Context())
	if err != nil {
		s.logger.Warn("Fingerprint unavailable", "error", err)
		http.Error(w, "Plan server unavailable", http.StatusBadGateway)
		return
	}
	if fp == "" {
		http.Error(w, "Not ready", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"fingerprint": fp})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	wd, err := plan.ParseWeekday(r.PathValue("weekday"))
	if err != nil {
		http.Error(w, "Unknown weekday", http.StatusNotFound)
		return
	}
	p, err := s.pipeline.Plan(r.Context(), wd)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, p)
	case scraper.IsParseError(err):
		s.logger.Error("Plan markup changed", "weekday", wd, "error", err)
		http.Error(w, "Plan unreadable", http.StatusBadGateway)
	default:
		s.logger.Warn("Plan unavailable", "weekday", wd, "error", err)
		http.Error(w, "Plan server unavailable", http.StatusBadGateway)
	}
}
