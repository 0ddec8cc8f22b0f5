package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
database:
  path: "test.db"
redis:
  address: "${FLOWSYNC_TEST_REDIS}"
sync:
  batch_size: 20
  retry_base_delay: 2s
  schedules:
    sync:
      interval: 10m
      run_on_start: false
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	t.Setenv("FLOWSYNC_TEST_REDIS", "localhost:6379")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Sync.RetryBaseDelay)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Schedules.Sync.Interval)
	assert.False(t, cfg.Sync.Schedules.Sync.RunOnStart)

	// defaults
	assert.Equal(t, "flowsync", cfg.App.Name)
	assert.Equal(t, 3, cfg.Sync.MaxConcurrentTenants)
	assert.Equal(t, 10, cfg.Sync.RateLimitPerSecond)
	assert.Equal(t, 5, cfg.Sync.MaxItemRetries)
	assert.Equal(t, 30, cfg.Sync.RetentionDays)
	assert.Equal(t, 2*time.Hour, cfg.Sync.StaleRunAfter)
	assert.Equal(t, 24*time.Hour, cfg.Sync.Schedules.Cleanup.Interval)
	assert.Equal(t, "x-api-key", cfg.API.Auth.HeaderAPIKey)
}

func TestLoadConfigWithEnvFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("database:\n  path: \"${FLOWSYNC_TEST_DB}\"\n"), 0o644))

	// Mock .env file
	if err := os.WriteFile(".env", []byte("FLOWSYNC_TEST_DB=from_env.db\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	defer os.Remove(".env")
	defer os.Unsetenv("FLOWSYNC_TEST_DB")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "from_env.db", cfg.Database.Path)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		c := Config{Database: DatabaseConfig{Path: "path"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "telegram without token", mutate: func(c *Config) {
			c.Telegram = TelegramConfig{Enabled: true, ChatIDs: []int64{1}}
		}, wantErr: true},
		{name: "telegram without chats", mutate: func(c *Config) {
			c.Telegram = TelegramConfig{Enabled: true, BotToken: "token"}
		}, wantErr: true},
		{name: "duplicate api key", mutate: func(c *Config) {
			c.API.Enabled = true
			c.API.Auth.APIKeys = []APIClientKey{{Key: "k", Name: "a"}, {Key: "k", Name: "b"}}
		}, wantErr: true},
		{name: "negative max retries", mutate: func(c *Config) { c.Sync.MaxRetries = -1 }, wantErr: true},
		{name: "max delay below base", mutate: func(c *Config) { c.Sync.RetryMaxDelay = time.Millisecond }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
