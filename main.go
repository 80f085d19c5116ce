// Package main implements a service that watches a school's published
// substitute plans and notifies subscribers of changes to their classes by
// Web Push and email.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"substitute-notifier/config"
	"substitute-notifier/delivery"
	"substitute-notifier/email"
	"substitute-notifier/metrics"
	"substitute-notifier/pipeline"
	"substitute-notifier/scraper"
	"substitute-notifier/server"
	"substitute-notifier/storage"
	"substitute-notifier/webpush"
	"syscall"
	"time"
	_ "time/tzdata"

	gcs "cloud.google.com/go/storage"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// localSalt keys subscriber ids in local development mode only.
const localSalt = "local-development"

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"), os.Getenv)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var logger *slog.Logger
	if cfg.Local() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	mailer := email.New(emailProvider(ctx, cfg, logger), logger, cfg.BaseURL)
	pusher, publicKey, err := pushSender(cfg, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	salt := cfg.SubscriberSalt
	if salt == "" {
		salt = localSalt
	}

	t := cfg.Timings
	p := pipeline.New(pipeline.Config{
		Upstream:  scraper.New(cfg.UpstreamURL, t.RequestTimeout, loc, logger),
		Store:     store,
		Transport: &delivery.Router{Push: pusher, Email: mailer, Logger: logger},
		Clock:     clock.WallClock,
		Logger:    logger,
		Metrics:   m,
		Location:  loc,
		Salt:      []byte(salt),
		Welcome:   mailer.SendWelcome,
		Timings: pipeline.Timings{
			ResourceSpacing:     t.ResourceSpacing,
			APIStaleness:        t.APIStaleness,
			RetryDelay:          t.RetryDelay,
			BurstInterval:       t.BurstInterval,
			IdleInterval:        t.IdleInterval,
			OffsetRefresh:       t.OffsetRefresh,
			SubscriberRetention: t.SubscriberRetention,
		},
	})

	srv := server.New(&server.Config{
		Pipeline:       p,
		Logger:         logger,
		Clock:          clock.WallClock,
		Metrics:        m,
		Gatherer:       reg,
		AllowedOrigins: cfg.AllowedOrigins,
		VAPIDPublicKey: publicKey,
	})

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer p.Stop()

	logger.Info("Service starting",
		"upstream", cfg.UpstreamURL,
		"timezone", cfg.Timezone,
		"local", cfg.Local(),
		"base_url", cfg.BaseURL)
	return srv.Serve(ctx, cfg.Port)
}

// openStore picks SQLite, a GCS bucket or a local directory, in that order.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	switch {
	case cfg.SQLitePath != "":
		store, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	case cfg.StorageBucket != "":
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using bucket storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}

// emailProvider prefers Brevo, then Gmail, and falls back to logging mails.
func emailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	if cfg.BrevoAPIKey != "" {
		logger.Info("Using Brevo email provider", "from", cfg.MailFrom)
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.MailFrom, "Vertretungsplan", logger)
	}

	service, err := gmailService(ctx, cfg)
	if err == nil {
		logger.Info("Using Gmail email provider")
		return email.NewGmailProvider(service, logger)
	}
	if !cfg.Local() {
		logger.Warn("No email provider configured, emails are only logged", "error", err)
	} else {
		logger.Info("Mock email mode enabled")
	}
	return email.NewMockProvider(logger)
}

func gmailService(ctx context.Context, cfg *config.Config) (*gmail.Service, error) {
	if cfg.GoogleCredentialsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
	}
	// Application Default Credentials of the service account.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

// pushSender returns the Web Push channel and its public key. Without
// configured keys a throwaway pair is generated; subscriptions made with it
// do not survive a restart.
func pushSender(cfg *config.Config, logger *slog.Logger) (*webpush.Sender, string, error) {
	public, private := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if public == "" {
		var err error
		if private, public, err = webpush.GenerateKeys(); err != nil {
			return nil, "", fmt.Errorf("generate VAPID keys: %w", err)
		}
		logger.Warn("No VAPID keys configured, generated a temporary pair", "public_key", public)
	}
	return webpush.New(webpush.Config{
		PublicKey:  public,
		PrivateKey: private,
		Subject:    cfg.VAPIDSubject,
		Timeout:    cfg.Timings.RequestTimeout,
		Logger:     logger,
	}), public, nil
}
