// Package config assembles the service configuration from defaults, an
// optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Timings are the independently tunable intervals.
type Timings struct {
	ResourceSpacing     time.Duration
	APIStaleness        time.Duration
	RetryDelay          time.Duration
	BurstInterval       time.Duration
	IdleInterval        time.Duration
	OffsetRefresh       time.Duration
	RequestTimeout      time.Duration
	SubscriberRetention time.Duration
}

// Config is the complete service configuration.
type Config struct {
	Port        string
	BaseURL     string
	UpstreamURL string
	Timezone    string
	LogLevel    slog.Level

	StorageBucket string
	LocalStorage  string
	SQLitePath    string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	BrevoAPIKey           string
	MailFrom              string
	GoogleCredentialsJSON string

	AllowedOrigins []string
	SubscriberSalt string

	Timings Timings
}

// Local reports whether neither a bucket nor a database is configured.
func (c *Config) Local() bool {
	return c.StorageBucket == "" && c.SQLitePath == ""
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Port:         "8080",
		BaseURL:      "http://localhost:8080",
		UpstreamURL:  "https://www.example-schule.de",
		Timezone:     "Europe/Berlin",
		LogLevel:     slog.LevelInfo,
		LocalStorage: "./data",
		VAPIDSubject: "admin@localhost",
		MailFrom:     "vertretungsplan@localhost",
		Timings: Timings{
			ResourceSpacing:     5 * time.Second,
			APIStaleness:        45 * time.Second,
			RetryDelay:          15 * time.Second,
			BurstInterval:       10 * time.Second,
			IdleInterval:        4 * time.Minute,
			OffsetRefresh:       15 * time.Minute,
			RequestTimeout:      20 * time.Second,
			SubscriberRetention: 8 * 7 * 24 * time.Hour,
		},
	}
}

// fileTimings mirrors Timings with Go duration strings.
type fileTimings struct {
	ResourceSpacing     string `yaml:"resource_spacing"`
	APIStaleness        string `yaml:"api_staleness"`
	RetryDelay          string `yaml:"retry_delay"`
	BurstInterval       string `yaml:"burst_interval"`
	IdleInterval        string `yaml:"idle_interval"`
	OffsetRefresh       string `yaml:"offset_refresh"`
	RequestTimeout      string `yaml:"request_timeout"`
	SubscriberRetention string `yaml:"subscriber_retention"`
}

type file struct {
	Port           string      `yaml:"port"`
	BaseURL        string      `yaml:"base_url"`
	UpstreamURL    string      `yaml:"upstream_url"`
	Timezone       string      `yaml:"timezone"`
	LogLevel       string      `yaml:"log_level"`
	StorageBucket  string      `yaml:"storage_bucket"`
	LocalStorage   string      `yaml:"local_storage"`
	SQLitePath     string      `yaml:"sqlite_path"`
	VAPIDPublicKey string      `yaml:"vapid_public_key"`
	VAPIDSubject   string      `yaml:"vapid_subject"`
	MailFrom       string      `yaml:"mail_from"`
	AllowedOrigins []string    `yaml:"allowed_origins"`
	Timings        fileTimings `yaml:"timings"`
}

// Load builds the configuration. path may be empty. getenv is usually
// os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("yaml unmarshal: %w", err)
	}
	setString(&c.Port, f.Port)
	setString(&c.BaseURL, f.BaseURL)
	setString(&c.UpstreamURL, f.UpstreamURL)
	setString(&c.Timezone, f.Timezone)
	setString(&c.StorageBucket, f.StorageBucket)
	setString(&c.LocalStorage, f.LocalStorage)
	setString(&c.SQLitePath, f.SQLitePath)
	setString(&c.VAPIDPublicKey, f.VAPIDPublicKey)
	setString(&c.VAPIDSubject, f.VAPIDSubject)
	setString(&c.MailFrom, f.MailFrom)
	if len(f.AllowedOrigins) > 0 {
		c.AllowedOrigins = f.AllowedOrigins
	}
	if f.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(f.LogLevel)); err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
	}

	t := &c.Timings
	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"timings.resource_spacing", f.Timings.ResourceSpacing, &t.ResourceSpacing},
		{"timings.api_staleness", f.Timings.APIStaleness, &t.APIStaleness},
		{"timings.retry_delay", f.Timings.RetryDelay, &t.RetryDelay},
		{"timings.burst_interval", f.Timings.BurstInterval, &t.BurstInterval},
		{"timings.idle_interval", f.Timings.IdleInterval, &t.IdleInterval},
		{"timings.offset_refresh", f.Timings.OffsetRefresh, &t.OffsetRefresh},
		{"timings.request_timeout", f.Timings.RequestTimeout, &t.RequestTimeout},
		{"timings.subscriber_retention", f.Timings.SubscriberRetention, &t.SubscriberRetention},
	} {
		v, err := ParseDurationOrDefault(d.path, d.raw, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString(&c.Port, getenv("PORT"))
	setString(&c.BaseURL, getenv("BASE_URL"))
	setString(&c.UpstreamURL, getenv("UPSTREAM_URL"))
	setString(&c.Timezone, getenv("TIMEZONE"))
	setString(&c.StorageBucket, getenv("STORAGE_BUCKET"))
	setString(&c.LocalStorage, getenv("LOCAL_STORAGE"))
	setString(&c.SQLitePath, getenv("SQLITE_PATH"))
	setString(&c.VAPIDPublicKey, getenv("VAPID_PUBLIC_KEY"))
	setString(&c.VAPIDPrivateKey, getenv("VAPID_PRIVATE_KEY"))
	setString(&c.VAPIDSubject, getenv("VAPID_SUBJECT"))
	setString(&c.BrevoAPIKey, getenv("BREVO_API_KEY"))
	setString(&c.MailFrom, getenv("MAIL_FROM"))
	setString(&c.GoogleCredentialsJSON, getenv("GOOGLE_CREDENTIALS_JSON"))
	setString(&c.SubscriberSalt, getenv("SUBSCRIBER_SALT"))
	if origins := getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		if err := c.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.UpstreamURL == "" {
		return errors.New("upstream URL is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if !c.Local() && c.SubscriberSalt == "" {
		return errors.New("SUBSCRIBER_SALT is required outside local mode")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	t := c.Timings
	if t.BurstInterval <= 0 || t.IdleInterval <= 0 || t.RequestTimeout <= 0 {
		return errors.New("poll intervals and request timeout must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// ParseDurationOrDefault parses raw as a Go duration; empty or zero yields def.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
