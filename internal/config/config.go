// Package config loads application configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/pawnwatch/pawnwatch/internal/notifications"
)

// envPrefix namespaces environment overrides. A double underscore
// separates nesting levels: PAWNWATCH_DATABASE__URL sets database.url.
const envPrefix = "PAWNWATCH_"

// Config is the complete application configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	CORS          CORSConfig          `koanf:"cors"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrate         bool          `koanf:"migrate"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// NotificationsConfig contains the delivery engine settings.
type NotificationsConfig struct {
	// BaseURL is the public origin used in unsubscribe and preferences
	// links.
	BaseURL string `koanf:"base_url"`
	// LinkSecret signs unsubscribe and preferences tokens.
	LinkSecret string `koanf:"link_secret"`
	// Cooldown is the minimum gap between sends to one
	// (recipient, player) pair.
	Cooldown time.Duration `koanf:"cooldown"`

	Worker   WorkerConfig   `koanf:"worker"`
	Reaper   ReaperConfig   `koanf:"reaper"`
	Dispatch DispatchConfig `koanf:"dispatch"`
	Backoff  BackoffConfig  `koanf:"backoff"`
	Email    EmailConfig    `koanf:"email"`
	Webhook  WebhookConfig  `koanf:"webhook"`
}

// WorkerConfig contains scheduler settings.
type WorkerConfig struct {
	BatchSize            int           `koanf:"batch_size"`
	MaxConcurrentBatches int           `koanf:"max_concurrent_batches"`
	ProcessingInterval   time.Duration `koanf:"processing_interval"`
}

// ReaperConfig contains stuck-item sweep settings.
type ReaperConfig struct {
	StuckAfter    time.Duration `koanf:"stuck_after"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	SweepLimit    int           `koanf:"sweep_limit"`
}

// DispatchConfig contains per-item dispatch settings.
type DispatchConfig struct {
	FanOut  int           `koanf:"fan_out"`
	Timeout time.Duration `koanf:"timeout"`
}

// BackoffConfig contains the per-priority retry schedules.
type BackoffConfig struct {
	High    notifications.ClassBackoff `koanf:"high"`
	Default notifications.ClassBackoff `koanf:"default"`
	Low     notifications.ClassBackoff `koanf:"low"`
}

// Classes converts the config shape to the policy's map form.
func (b BackoffConfig) Classes() map[notifications.Priority]notifications.ClassBackoff {
	return map[notifications.Priority]notifications.ClassBackoff{
		notifications.PriorityHigh:    b.High,
		notifications.PriorityDefault: b.Default,
		notifications.PriorityLow:     b.Low,
	}
}

// EmailConfig contains provider API settings.
type EmailConfig struct {
	Enabled       bool          `koanf:"enabled"`
	APIKey        string        `koanf:"api_key"`
	APIURL        string        `koanf:"api_url"`
	FromAddress   string        `koanf:"from_address"`
	FromName      string        `koanf:"from_name"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	Timeout       time.Duration `koanf:"timeout"`
}

// WebhookConfig contains provider webhook verification settings.
type WebhookConfig struct {
	SigningSecret string        `koanf:"signing_secret"`
	Tolerance     time.Duration `koanf:"tolerance"`
}

// DefaultConfig returns configuration defaults. File and environment
// values are merged on top.
func DefaultConfig() *Config {
	defaults := notifications.DefaultBackoff()
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			Migrate:         true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Notifications: NotificationsConfig{
			BaseURL:  "http://localhost:8080",
			Cooldown: notifications.DefaultCooldown,
			Worker: WorkerConfig{
				BatchSize:            50,
				MaxConcurrentBatches: 2,
				ProcessingInterval:   15 * time.Second,
			},
			Reaper: ReaperConfig{
				StuckAfter:    10 * time.Minute,
				SweepInterval: time.Minute,
				SweepLimit:    100,
			},
			Dispatch: DispatchConfig{
				FanOut:  notifications.DefaultFanOut,
				Timeout: notifications.DefaultDispatchTimeout,
			},
			Backoff: BackoffConfig{
				High:    defaults[notifications.PriorityHigh],
				Default: defaults[notifications.PriorityDefault],
				Low:     defaults[notifications.PriorityLow],
			},
			Email: EmailConfig{
				FromName: "PawnWatch",
				Timeout:  10 * time.Second,
			},
			Webhook: WebhookConfig{
				Tolerance: notifications.DefaultWebhookTolerance,
			},
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot have usable defaults.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Notifications.LinkSecret == "" {
		return fmt.Errorf("notifications.link_secret is required")
	}
	if c.Notifications.Email.Enabled && c.Notifications.Webhook.SigningSecret == "" {
		return fmt.Errorf("notifications.webhook.signing_secret is required when email is enabled")
	}
	return nil
}

// FromEnv reads the config file path from PAWNWATCH_CONFIG, allowing
// a file-less deployment when unset.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("PAWNWATCH_CONFIG"))
}

func envKeyMapper(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
