package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Token: "123:abc", AdminID: 42},
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Normalize(cfg))

	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, 30*24*time.Hour, cfg.Accounts.TTL())
	assert.Equal(t, time.Hour, cfg.Accounts.PurgeInterval())
	assert.Equal(t, time.Minute, cfg.Ephemeral.Delay())
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Empty(t, cfg.Database.MigrationsDir)
}

func TestNormalizeRequiresAdmin(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.AdminID = 0
	err := Normalize(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin_id")
}

func TestNormalizeRequiresToken(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.Token = ""
	require.Error(t, Normalize(cfg))
}

func TestNormalizeRunModes(t *testing.T) {
	cfg := validConfig()
	cfg.Telegram.RunMode = "Polling"
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)

	cfg = validConfig()
	cfg.Telegram.RunMode = "webhook"
	require.Error(t, Normalize(cfg))

	cfg.Webhook = WebhookConfig{URL: "https://example.org/hook", Listen: "0.0.0.0", Port: 8443}
	require.NoError(t, Normalize(cfg))

	cfg = validConfig()
	cfg.Telegram.RunMode = "carrier-pigeon"
	require.Error(t, Normalize(cfg))
}

func TestNormalizeRateLimitExclusions(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.ExcludeUpdates = []string{" Callback ", "message"}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, []string{"callback", "message"}, cfg.RateLimit.ExcludeUpdates)

	cfg.RateLimit.ExcludeUpdates = []string{"poll"}
	require.Error(t, Normalize(cfg))
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := `
telegram:
  token: "from-file"
  admin_id: 7
accounts:
  ttl_days: 10
ephemeral:
  delay_seconds: 15
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o600))
	t.Setenv("TELEGRAM_ADMIN_ID", "99")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Telegram.Token)
	assert.Equal(t, int64(99), cfg.Telegram.AdminID)
	assert.Equal(t, 10, cfg.Accounts.TTLDays)
	assert.Equal(t, 15*time.Second, cfg.Ephemeral.Delay())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNormalizeRejectsNegatives(t *testing.T) {
	cases := map[string]func(*Config){
		"ttl":       func(c *Config) { c.Accounts.TTLDays = -1 },
		"ephemeral": func(c *Config) { c.Ephemeral.DelaySeconds = -5 },
		"rate":      func(c *Config) { c.RateLimit.IntervalMS = -1 },
		"sender":    func(c *Config) { c.Sender.RetryBackoffMS = -1 },
		"longpoll":  func(c *Config) { c.Telegram.LongPollTimeoutSeconds = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			require.Error(t, Normalize(cfg))
		})
	}
}

func TestNormalizeDropsBlankExclusions(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.ExcludeUpdates = []string{"", "INLINE_QUERY", "  "}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, []string{"inline_query"}, cfg.RateLimit.ExcludeUpdates)
}
