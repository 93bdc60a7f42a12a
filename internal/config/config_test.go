package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/nutrilog/backend/internal/errors"
)

// TestDefault verifies the built-in defaults.
func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1000, cfg.Queue.Capacity)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 6, cfg.Retry.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 90, cfg.Retention.Days)
	assert.Equal(t, 24*time.Hour, cfg.Retention.Interval)
	assert.Equal(t, 5, cfg.Migration.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Migration.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, "badger", cfg.KV.Backend)
	assert.Equal(t, 90*24*time.Hour, cfg.RetentionWindow())
	assert.NoError(t, cfg.Validate())
}

// TestLoad_FileAndEnv verifies file values and environment overrides.
func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nutrilog.yaml")
	content := "user_id: u1\nqueue:\n  capacity: 50\nretry:\n  initial_delay: 500ms\nkv:\n  backend: memory\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("NUTRILOG_RETENTION_DAYS", "30")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "u1", cfg.UserID)
	assert.Equal(t, 50, cfg.Queue.Capacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, "memory", cfg.KV.Backend)
	assert.Equal(t, 30, cfg.Retention.Days)
}

// TestLoad_MissingFile verifies an unreadable config is an invalid error.
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestValidate verifies inconsistent settings are rejected.
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }},
		{"max below initial", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }},
		{"zero retention", func(c *Config) { c.Retention.Days = 0 }},
		{"zero migration attempts", func(c *Config) { c.Migration.MaxAttempts = 0 }},
		{"unknown kv", func(c *Config) { c.KV.Backend = "etcd" }},
		{"unknown remote", func(c *Config) { c.Remote.Backend = "s3" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.True(t, apperrors.Is(cfg.Validate(), apperrors.ErrInvalid))
		})
	}
}
