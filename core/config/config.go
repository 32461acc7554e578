// Package config loads the process configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

// Update kinds accepted in rate_limit.exclude_updates.
var excludableUpdates = []string{"callback", "message", "inline_query"}

const (
	defaultTTLDays       = 30
	defaultPurgeInterval = 60
	defaultEphemeral     = 60
	defaultMaxConns      = 5
)

// TelegramConfig holds the bot token, the administrator and the update mode.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// 0 selects the transport default.
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig is only read in webhook mode.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	BotFile     string `yaml:"bot_file"`
	// Profile is "debug" or "prod".
	Profile string `yaml:"profile"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	// MigrationsDir overrides the scripts built into the binary. Relative
	// paths resolve against the working directory.
	MigrationsDir string `yaml:"migrations_dir" envconfig:"DB_MIGRATIONS_DIR"`
}

// AccountsConfig controls account lifetime and housekeeping.
type AccountsConfig struct {
	TTLDays              int `yaml:"ttl_days" envconfig:"ACCOUNTS_TTL_DAYS"`
	PurgeIntervalMinutes int `yaml:"purge_interval_minutes" envconfig:"ACCOUNTS_PURGE_INTERVAL_MINUTES"`
}

// EphemeralConfig controls automatic removal of sensitive messages.
type EphemeralConfig struct {
	DelaySeconds int `yaml:"delay_seconds" envconfig:"EPHEMERAL_DELAY_SECONDS"`
}

// SenderConfig tunes the outbound dispatcher. Zero values fall back to the
// dispatcher defaults.
type SenderConfig struct {
	QueueSize      int `yaml:"queue_size" envconfig:"SENDER_QUEUE_SIZE"`
	Workers        int `yaml:"workers" envconfig:"SENDER_WORKERS"`
	MaxRetries     int `yaml:"max_retries" envconfig:"SENDER_MAX_RETRIES"`
	RetryBackoffMS int `yaml:"retry_backoff_ms" envconfig:"SENDER_RETRY_BACKOFF_MS"`
}

// RateLimitConfig spaces out updates per user. ExcludeUpdates names update
// kinds that bypass the limit: callback, message, inline_query.
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the whole process configuration. It is built once at
// startup and treated as read-only afterwards.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Accounts  AccountsConfig  `yaml:"accounts"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
	Sender    SenderConfig    `yaml:"sender"`
}

// Load reads path, applies environment overrides and normalizes the result.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates cfg and fills defaults in place. The first invalid
// section aborts.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	steps := []func() error{
		cfg.Telegram.normalize,
		func() error { return cfg.Webhook.validate(cfg.Telegram.RunMode) },
		cfg.RateLimit.normalize,
		cfg.Accounts.normalize,
		cfg.Ephemeral.normalize,
		cfg.Sender.validate,
		cfg.Database.normalize,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramConfig) normalize() error {
	if strings.TrimSpace(t.Token) == "" {
		return errors.New("telegram token is required")
	}
	if t.AdminID == 0 {
		return errors.New("telegram.admin_id is required")
	}
	if t.LongPollTimeoutSeconds < 0 {
		return errors.New("telegram.longpoll_timeout_seconds must be >= 0")
	}
	mode := strings.ToLower(strings.TrimSpace(t.RunMode))
	switch mode {
	case "", "polling":
		mode = RunModeLongpoll
	case RunModeLongpoll, RunModeWebhook:
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", t.RunMode)
	}
	t.RunMode = mode
	return nil
}

func (w WebhookConfig) validate(mode string) error {
	if mode != RunModeWebhook {
		return nil
	}
	switch {
	case strings.TrimSpace(w.URL) == "":
		return errors.New("webhook.url is required when telegram.run_mode is 'webhook'")
	case strings.TrimSpace(w.Listen) == "":
		return errors.New("webhook.listen is required when telegram.run_mode is 'webhook'")
	case w.Port <= 0:
		return errors.New("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
	}
	return nil
}

func (r *RateLimitConfig) normalize() error {
	if r.IntervalMS < 0 {
		return errors.New("rate_limit.interval_ms must be >= 0")
	}
	kept := r.ExcludeUpdates[:0]
	for _, v := range r.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if !slices.Contains(excludableUpdates, key) {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: %s",
				v, strings.Join(excludableUpdates, ", "))
		}
		kept = append(kept, key)
	}
	r.ExcludeUpdates = kept
	return nil
}

func (a *AccountsConfig) normalize() error {
	if a.TTLDays < 0 || a.PurgeIntervalMinutes < 0 {
		return errors.New("accounts.ttl_days and accounts.purge_interval_minutes must be >= 0")
	}
	if a.TTLDays == 0 {
		a.TTLDays = defaultTTLDays
	}
	if a.PurgeIntervalMinutes == 0 {
		a.PurgeIntervalMinutes = defaultPurgeInterval
	}
	return nil
}

func (e *EphemeralConfig) normalize() error {
	if e.DelaySeconds < 0 {
		return errors.New("ephemeral.delay_seconds must be >= 0")
	}
	if e.DelaySeconds == 0 {
		e.DelaySeconds = defaultEphemeral
	}
	return nil
}

func (s SenderConfig) validate() error {
	if s.QueueSize < 0 || s.Workers < 0 || s.MaxRetries < 0 || s.RetryBackoffMS < 0 {
		return errors.New("sender settings must be >= 0")
	}
	return nil
}

func (d *DatabaseConfig) normalize() error {
	if d.MaxConnections <= 0 {
		d.MaxConnections = defaultMaxConns
	}
	if strings.TrimSpace(d.SSLMode) == "" {
		d.SSLMode = "disable"
	}
	d.MigrationsDir = strings.TrimSpace(d.MigrationsDir)
	return nil
}

// TTL returns the lifetime granted to an account on create or refresh.
func (a AccountsConfig) TTL() time.Duration {
	return time.Duration(a.TTLDays) * 24 * time.Hour
}

// PurgeInterval returns how often expired accounts are removed.
func (a AccountsConfig) PurgeInterval() time.Duration {
	return time.Duration(a.PurgeIntervalMinutes) * time.Minute
}

// Delay returns how long a sensitive message stays visible.
func (e EphemeralConfig) Delay() time.Duration {
	return time.Duration(e.DelaySeconds) * time.Second
}
