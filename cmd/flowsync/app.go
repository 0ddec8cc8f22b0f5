package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"flowsync/internal/config"
	"flowsync/internal/coordinator"
	"flowsync/internal/database"
	"flowsync/internal/events"
	"flowsync/internal/fetcher"
	"flowsync/internal/logging"
	"flowsync/internal/models"
	"flowsync/internal/notify"
	"flowsync/internal/orchestrator"
	"flowsync/internal/repository"
	"flowsync/internal/syncstate"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"
)

// app holds the wired service graph shared by every command.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	logCloser   io.Closer
	db          *database.DB
	redis       *redis.Client
	deadLetters repository.DeadLetterStore
	bus         *events.EventBus
	factory     *coordinator.ClientFactory
	coord       *coordinator.Coordinator
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{
		cfg:       cfg,
		logger:    baseLogger.With().Str("component", "main").Logger(),
		logCloser: closer,
	}

	a.db, err = database.NewDB(cfg.Database.Path, baseLogger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Tenants.SeedFile != "" {
		n, err := seedTenants(ctx, a.db, cfg.Tenants.SeedFile)
		if err != nil {
			a.close()
			return nil, err
		}
		a.logger.Info().Int("tenants", n).Str("file", cfg.Tenants.SeedFile).Msg("tenants seeded")
	}

	locker, deadLetters := a.initRedis(ctx)
	a.deadLetters = deadLetters
	a.bus = events.NewEventBus(baseLogger)

	if cfg.Telegram.Enabled {
		bot, err := notify.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.Debug)
		if err != nil {
			a.logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
		} else {
			notify.New(bot, cfg.Telegram.ChatIDs, baseLogger).Register(a.bus)
		}
	}

	a.factory = coordinator.NewClientFactory(a.db, factoryConfig(cfg), deadLetters, a.bus, baseLogger)
	a.coord = coordinator.New(a.db, a.factory, locker, coordinatorConfig(cfg), baseLogger,
		coordinator.WithEventBus(a.bus))
	return a, nil
}

// initRedis returns redis-backed stores with in-memory failover, or plain
// in-memory stores when redis is not configured.
func (a *app) initRedis(ctx context.Context) (repository.Locker, repository.DeadLetterStore) {
	memLocker := repository.NewMemoryLocker()
	memDead := repository.NewMemoryDeadLetters(0)
	if a.cfg.Redis.Address == "" {
		return memLocker, memDead
	}

	client := repository.NewRedisClient(a.cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		// failover сам переключится обратно, когда redis поднимется
		a.logger.Warn().Err(err).Msg("redis connection failed, starting on in-memory fallback")
	} else {
		a.logger.Info().Str("addr", a.cfg.Redis.Address).Msg("redis connected")
	}
	a.redis = client

	locker := repository.NewFailoverLocker(repository.NewRedisLocker(client), memLocker, &a.logger)
	dead := repository.NewFailoverDeadLetters(repository.NewRedisDeadLetters(client, 0), memDead, &a.logger)
	return locker, dead
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

func factoryConfig(cfg *config.Config) coordinator.FactoryConfig {
	s := cfg.Sync
	return coordinator.FactoryConfig{
		RateLimitPerSecond: s.RateLimitPerSecond,
		Fetcher: fetcher.Config{
			MaxRetries:  s.MaxRetries,
			BaseDelay:   s.RetryBaseDelay,
			MaxDelay:    s.RetryMaxDelay,
			CallTimeout: s.CallTimeout,
			PageSize:    s.PageSize,
			MaxTotal:    s.MaxTotal,
		},
		Orchestrator: orchestrator.Config{
			BatchSize:      s.BatchSize,
			MaxItemRetries: s.MaxItemRetries,
			MaxTotal:       s.MaxTotal,
		},
		State: syncstate.Options{
			StaleRunAfter:    s.StaleRunAfter,
			ProgressInterval: s.ProgressInterval,
		},
	}
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	s := cfg.Sync
	schedule := func(c config.ScheduleConfig) coordinator.Schedule {
		return coordinator.Schedule{Interval: c.Interval, RunOnStart: c.RunOnStart}
	}
	return coordinator.Config{
		MaxConcurrentTenants: s.MaxConcurrentTenants,
		HealthSampleSize:     s.HealthSampleSize,
		HealthTimeout:        s.HealthTimeout,
		RetentionDays:        s.RetentionDays,
		LockTTL:              cfg.Redis.LockTTL,
		Schedules: coordinator.Schedules{
			Sync:    schedule(s.Schedules.Sync),
			Retries: schedule(s.Schedules.Retries),
			Health:  schedule(s.Schedules.Health),
			Cleanup: schedule(s.Schedules.Cleanup),
		},
	}
}

// tenantSeed is one entry of the tenants file; sync is on unless disabled.
type tenantSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	SyncEnabled *bool  `yaml:"sync_enabled"`
}

type tenantStore interface {
	UpsertTenant(ctx context.Context, t *models.Tenant) error
}

// seedTenants upserts every tenant listed in path. ${ENV} references are
// expanded so api keys can stay out of the file.
func seedTenants(ctx context.Context, store tenantStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tenants file: %w", err)
	}

	var file struct {
		Tenants []tenantSeed `yaml:"tenants"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return 0, fmt.Errorf("parse tenants file: %w", err)
	}

	seen := make(map[string]bool, len(file.Tenants))
	for i, s := range file.Tenants {
		id := strings.TrimSpace(s.ID)
		if id == "" || strings.TrimSpace(s.BaseURL) == "" {
			return 0, fmt.Errorf("tenant #%d: id and base_url are required", i+1)
		}
		if seen[id] {
			return 0, fmt.Errorf("tenant %q listed twice", id)
		}
		seen[id] = true
	}

	for _, s := range file.Tenants {
		t := &models.Tenant{
			ID:          strings.TrimSpace(s.ID),
			Name:        s.Name,
			BaseURL:     strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"),
			APIKey:      s.APIKey,
			SyncEnabled: s.SyncEnabled == nil || *s.SyncEnabled,
		}
		if err := store.UpsertTenant(ctx, t); err != nil {
			return 0, fmt.Errorf("upsert tenant %s: %w", t.ID, err)
		}
	}
	return len(file.Tenants), nil
}
