package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"flowsync/internal/database"
	"flowsync/internal/events"
	"flowsync/internal/fetcher"
	"flowsync/internal/logging"
	"flowsync/internal/models"
	"flowsync/internal/orchestrator"
	"flowsync/internal/ratelimit"
	"flowsync/internal/remote"
	"flowsync/internal/syncstate"

	"github.com/rs/zerolog"
)

// TenantRunner is the per-tenant surface the coordinator drives.
type TenantRunner interface {
	SyncEntities(ctx context.Context, syncType models.SyncType) (*models.SyncResult, error)
	ProcessRetries(ctx context.Context) (*models.SyncResult, error)
	Ping(ctx context.Context, timeout time.Duration) error
}

// RunnerFactory resolves the runner of a tenant.
type RunnerFactory interface {
	Runner(ctx context.Context, tenant *models.Tenant) (TenantRunner, error)
}

// FactoryConfig tunes the per-tenant stack built by ClientFactory.
type FactoryConfig struct {
	RateLimitPerSecond int
	Fetcher            fetcher.Config
	Orchestrator       orchestrator.Config
	State              syncstate.Options
	HTTPClient         *http.Client
}

type cachedRunner struct {
	baseURL string
	apiKey  string
	orch    *orchestrator.Orchestrator
}

// ClientFactory builds and caches one client, limiter, fetcher and
// orchestrator per tenant. A tenant whose connection settings changed gets
// a fresh stack.
type ClientFactory struct {
	db          *database.DB
	cfg         FactoryConfig
	deadLetters orchestrator.DeadLetterSink
	bus         *events.EventBus
	logger      *zerolog.Logger

	mu      sync.Mutex
	runners map[string]*cachedRunner
}

// NewClientFactory builds per-tenant sync stacks over db on demand. Each
// tenant's stack, its loaded State included, is cached and reused until the
// tenant's connection settings change.
func NewClientFactory(db *database.DB, cfg FactoryConfig, deadLetters orchestrator.DeadLetterSink, bus *events.EventBus, logger *zerolog.Logger) *ClientFactory {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = models.DefaultRateLimitPerSecond
	}
	return &ClientFactory{
		db:          db,
		cfg:         cfg,
		deadLetters: deadLetters,
		bus:         bus,
		logger:      logger,
		runners:     make(map[string]*cachedRunner),
	}
}

// Runner returns the cached runner of tenant.
func (f *ClientFactory) Runner(ctx context.Context, tenant *models.Tenant) (TenantRunner, error) {
	return f.Orchestrator(ctx, tenant)
}

// Orchestrator returns the cached orchestrator of tenant, building it on first use.
func (f *ClientFactory) Orchestrator(ctx context.Context, tenant *models.Tenant) (*orchestrator.Orchestrator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.runners[tenant.ID]; ok && c.baseURL == tenant.BaseURL && c.apiKey == tenant.APIKey {
		return c.orch, nil
	}

	logger := logging.Tenant(f.logger, tenant.ID)

	opts := []remote.Option{remote.WithLimiter(ratelimit.New(f.cfg.RateLimitPerSecond))}
	if f.cfg.HTTPClient != nil {
		opts = append(opts, remote.WithHTTPClient(f.cfg.HTTPClient))
	}
	client := remote.NewClient(tenant.BaseURL, tenant.APIKey, opts...)
	fetch := fetcher.New(client, f.cfg.Fetcher, logging.Component(logger, "fetcher"))

	stateOpts := f.cfg.State
	stateOpts.Logger = logger
	state := syncstate.New(tenant.ID, f.db, stateOpts)
	if err := state.Load(ctx); err != nil {
		return nil, fmt.Errorf("load sync state of %s: %w", tenant.ID, err)
	}

	orch := orchestrator.New(fetch, state, f.db, f.cfg.Orchestrator, f.logger,
		orchestrator.WithDeadLetters(f.deadLetters),
		orchestrator.WithEventBus(f.bus),
	)
	f.runners[tenant.ID] = &cachedRunner{baseURL: tenant.BaseURL, apiKey: tenant.APIKey, orch: orch}
	f.logger.Debug().Str("tenant_id", tenant.ID).Str("base_url", client.BaseURL()).Msg("tenant client built")
	return orch, nil
}
