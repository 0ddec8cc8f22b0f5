package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"flowsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Sync       SyncConfig       `yaml:"sync"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Exports    ExportConfig     `yaml:"exports"`
	Tenants    TenantsConfig    `yaml:"tenants"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ScheduleConfig describes one periodic job.
type ScheduleConfig struct {
	Interval   time.Duration `yaml:"interval"`
	RunOnStart bool          `yaml:"run_on_start"`
}

type SchedulesConfig struct {
	Sync    ScheduleConfig `yaml:"sync"`
	Retries ScheduleConfig `yaml:"retries"`
	Health  ScheduleConfig `yaml:"health"`
	Cleanup ScheduleConfig `yaml:"cleanup"`
}

type SyncConfig struct {
	BatchSize            int             `yaml:"batch_size"`
	MaxConcurrentTenants int             `yaml:"max_concurrent_tenants"`
	RateLimitPerSecond   int             `yaml:"rate_limit_per_second"`
	MaxRetries           int             `yaml:"max_retries"`
	RetryBaseDelay       time.Duration   `yaml:"retry_base_delay"`
	RetryMaxDelay        time.Duration   `yaml:"retry_max_delay"`
	CallTimeout          time.Duration   `yaml:"call_timeout"`
	PageSize             int             `yaml:"page_size"`
	MaxTotal             int             `yaml:"max_total"`
	MaxItemRetries       int             `yaml:"max_item_retries"`
	RetentionDays        int             `yaml:"retention_days"`
	HealthSampleSize     int             `yaml:"health_sample_size"`
	HealthTimeout        time.Duration   `yaml:"health_timeout"`
	StaleRunAfter        time.Duration   `yaml:"stale_run_after"`
	ProgressInterval     time.Duration   `yaml:"progress_interval"`
	Schedules            SchedulesConfig `yaml:"schedules"`
}

type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	Debug    bool    `yaml:"debug"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type TenantsConfig struct {
	SeedFile string `yaml:"seed_file"`
}

func Load(configPath string) (*Config, error) {
	// Загружаем .env файл если существует
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" || c.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE" {
			return errors.New("telegram bot token is required when telegram is enabled")
		}
		if len(c.Telegram.ChatIDs) == 0 {
			return errors.New("telegram chat_ids are required when telegram is enabled")
		}
	}

	if c.API.Enabled && c.API.Auth.Enabled {
		seen := make(map[string]bool)
		for _, k := range c.API.Auth.APIKeys {
			if k.Key == "" {
				return fmt.Errorf("api key %q is empty", k.Name)
			}
			if seen[k.Key] {
				return fmt.Errorf("duplicate api key for %q", k.Name)
			}
			seen[k.Key] = true
		}
	}

	return c.Sync.Validate()
}

// Validate checks the sync tuning knobs.
func (s *SyncConfig) Validate() error {
	switch {
	case s.BatchSize <= 0:
		return errors.New("sync.batch_size must be positive")
	case s.MaxConcurrentTenants <= 0:
		return errors.New("sync.max_concurrent_tenants must be positive")
	case s.MaxRetries < 0:
		return errors.New("sync.max_retries must not be negative")
	case s.RetryMaxDelay < s.RetryBaseDelay:
		return errors.New("sync.retry_max_delay must be >= retry_base_delay")
	case s.HealthSampleSize <= 0:
		return errors.New("sync.health_sample_size must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "flowsync"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	// auth enabled by default when API is enabled
	if !c.API.Auth.Enabled {
		c.API.Auth.Enabled = true
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = 5
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 10
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 2 * time.Hour
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}

	c.Sync.applyDefaults()
}

func (s *SyncConfig) applyDefaults() {
	if s.BatchSize == 0 {
		s.BatchSize = models.DefaultBatchSize
	}
	if s.MaxConcurrentTenants == 0 {
		s.MaxConcurrentTenants = models.DefaultMaxConcurrentTenants
	}
	if s.RateLimitPerSecond == 0 {
		s.RateLimitPerSecond = models.DefaultRateLimitPerSecond
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = time.Second
	}
	if s.RetryMaxDelay == 0 {
		s.RetryMaxDelay = 30 * time.Second
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = 30 * time.Second
	}
	if s.PageSize == 0 {
		s.PageSize = models.DefaultPageSize
	}
	if s.MaxTotal == 0 {
		s.MaxTotal = models.DefaultMaxTotal
	}
	if s.MaxItemRetries == 0 {
		s.MaxItemRetries = models.DefaultMaxItemRetries
	}
	if s.RetentionDays == 0 {
		s.RetentionDays = models.DefaultRetentionDays
	}
	if s.HealthSampleSize == 0 {
		s.HealthSampleSize = models.DefaultHealthSampleSize
	}
	if s.HealthTimeout == 0 {
		s.HealthTimeout = 5 * time.Second
	}
	if s.StaleRunAfter == 0 {
		s.StaleRunAfter = 2 * time.Hour
	}
	if s.ProgressInterval == 0 {
		s.ProgressInterval = 5 * time.Second
	}

	// Расписания по умолчанию
	if s.Schedules.Sync.Interval == 0 {
		s.Schedules.Sync = ScheduleConfig{Interval: 15 * time.Minute, RunOnStart: true}
	}
	if s.Schedules.Retries.Interval == 0 {
		s.Schedules.Retries.Interval = 5 * time.Minute
	}
	if s.Schedules.Health.Interval == 0 {
		s.Schedules.Health = ScheduleConfig{Interval: 5 * time.Minute, RunOnStart: true}
	}
	if s.Schedules.Cleanup.Interval == 0 {
		s.Schedules.Cleanup.Interval = 24 * time.Hour
	}
}
