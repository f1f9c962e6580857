package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Verification.OTPWindow)
	assert.Equal(t, 3, cfg.Verification.MaxAttempts)
	assert.Equal(t, 3, cfg.Verification.MaxResends)
	assert.Equal(t, 30*time.Second, cfg.Verification.ResendInterval)
	assert.Equal(t, 15*time.Second, cfg.Authority.RequestTimeout)
	assert.Empty(t, cfg.Database.DSN)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	path := writeYAML(t, `
server:
  addr: ":9090"
verification:
  max_attempts: 5
  otp_window: "2m"
kafka:
  brokers: ["localhost:9092"]
poller:
  concurrency: 8
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("POLLER_CONCURRENCY", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Verification.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Verification.OTPWindow)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2, cfg.Poller.Concurrency)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Chdir(t.TempDir())
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero attempts", func(c *Config) { c.Verification.MaxAttempts = 0 }},
		{"short payload key", func(c *Config) { c.Verification.PayloadKey = "short" }},
		{"weak bank key", func(c *Config) { c.Verification.BankStateKey = "tiny" }},
		{"no poller workers", func(c *Config) { c.Poller.Concurrency = 0 }},
		{"zero authority timeout", func(c *Config) { c.Authority.RequestTimeout = 0 }},
		{"lock lease shorter than a locked submit", func(c *Config) {
			c.Redis.URL = "redis://localhost:6379/0"
			c.Authority.RequestTimeout = 30 * time.Second
		}},
		{"lock lease equal to two authority calls", func(c *Config) {
			c.Redis.URL = "redis://localhost:6379/0"
			c.Redis.LockTTL = 30 * time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_LockTTL(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Chdir(t.TempDir())
	base, err := Load()
	require.NoError(t, err)

	t.Run("defaults leave room for reconcile and hand-off", func(t *testing.T) {
		cfg := *base
		cfg.Redis.URL = "redis://localhost:6379/0"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("process-local locks have no lease", func(t *testing.T) {
		cfg := *base
		cfg.Redis.LockTTL = time.Second
		assert.NoError(t, cfg.Validate())
	})
}
