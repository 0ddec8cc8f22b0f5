package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowsync/internal/config"
	"flowsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	tenants map[string]*models.Tenant
	err     error
}

func (s *recordingStore) UpsertTenant(_ context.Context, t *models.Tenant) error {
	if s.err != nil {
		return s.err
	}
	if s.tenants == nil {
		s.tenants = make(map[string]*models.Tenant)
	}
	s.tenants[t.ID] = t
	return nil
}

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSeedTenants(t *testing.T) {
	t.Setenv("ACME_KEY", "secret-acme")
	path := writeSeed(t, `
tenants:
  - id: acme
    name: Acme
    base_url: https://acme.example.com/
    api_key: ${ACME_KEY}
  - id: " globex "
    base_url: http://globex:5678
    sync_enabled: false
`)

	store := &recordingStore{}
	n, err := seedTenants(context.Background(), store, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	acme := store.tenants["acme"]
	require.NotNil(t, acme)
	assert.Equal(t, "https://acme.example.com", acme.BaseURL)
	assert.Equal(t, "secret-acme", acme.APIKey)
	assert.True(t, acme.SyncEnabled)

	globex := store.tenants["globex"]
	require.NotNil(t, globex)
	assert.False(t, globex.SyncEnabled)
}

func TestSeedTenantsRejectsBadFiles(t *testing.T) {
	cases := map[string]string{
		"missing base_url": "tenants:\n  - id: a\n",
		"missing id":       "tenants:\n  - base_url: http://x\n",
		"duplicate id":     "tenants:\n  - id: a\n    base_url: http://x\n  - id: a\n    base_url: http://y\n",
		"not yaml":         "tenants: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			store := &recordingStore{}
			_, err := seedTenants(context.Background(), store, writeSeed(t, body))
			require.Error(t, err)
			assert.Empty(t, store.tenants)
		})
	}

	_, err := seedTenants(context.Background(), &recordingStore{}, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSeedTenantsStoreError(t *testing.T) {
	boom := errors.New("disk full")
	path := writeSeed(t, "tenants:\n  - id: a\n    base_url: http://x\n")
	_, err := seedTenants(context.Background(), &recordingStore{err: boom}, path)
	assert.ErrorIs(t, err, boom)
}

func TestConfigMapping(t *testing.T) {
	cfg := &config.Config{
		Redis: config.RedisConfig{LockTTL: 90 * time.Minute},
		Sync: config.SyncConfig{
			BatchSize:            25,
			MaxConcurrentTenants: 4,
			RateLimitPerSecond:   7,
			MaxRetries:           2,
			RetryBaseDelay:       time.Second,
			RetryMaxDelay:        8 * time.Second,
			CallTimeout:          20 * time.Second,
			PageSize:             50,
			MaxTotal:             500,
			MaxItemRetries:       4,
			RetentionDays:        14,
			HealthSampleSize:     3,
			HealthTimeout:        2 * time.Second,
			StaleRunAfter:        time.Hour,
			ProgressInterval:     3 * time.Second,
			Schedules: config.SchedulesConfig{
				Sync:    config.ScheduleConfig{Interval: 10 * time.Minute, RunOnStart: true},
				Cleanup: config.ScheduleConfig{Interval: 24 * time.Hour},
			},
		},
	}

	fc := factoryConfig(cfg)
	assert.Equal(t, 7, fc.RateLimitPerSecond)
	assert.Equal(t, 2, fc.Fetcher.MaxRetries)
	assert.Equal(t, 8*time.Second, fc.Fetcher.MaxDelay)
	assert.Equal(t, 50, fc.Fetcher.PageSize)
	assert.Equal(t, 500, fc.Orchestrator.MaxTotal)
	assert.Equal(t, 25, fc.Orchestrator.BatchSize)
	assert.Equal(t, 4, fc.Orchestrator.MaxItemRetries)
	assert.Equal(t, time.Hour, fc.State.StaleRunAfter)

	cc := coordinatorConfig(cfg)
	assert.Equal(t, 4, cc.MaxConcurrentTenants)
	assert.Equal(t, 3, cc.HealthSampleSize)
	assert.Equal(t, 14, cc.RetentionDays)
	assert.Equal(t, 90*time.Minute, cc.LockTTL)
	assert.Equal(t, 10*time.Minute, cc.Schedules.Sync.Interval)
	assert.True(t, cc.Schedules.Sync.RunOnStart)
	assert.Zero(t, cc.Schedules.Retries.Interval)
	assert.Equal(t, 24*time.Hour, cc.Schedules.Cleanup.Interval)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "sync", "retries", "health", "cleanup", "export"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
