// Package coordinator fans sync, retry, health and cleanup work out over all tenants.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"flowsync/internal/events"
	"flowsync/internal/logging"
	"flowsync/internal/models"
	"flowsync/internal/repository"
	"flowsync/internal/syncstate"

	"github.com/rs/zerolog"
)

// TenantIsolationError is one tenant's failure captured inside a multi-tenant run.
type TenantIsolationError struct {
	TenantID string
	Err      error
}

func (e *TenantIsolationError) Error() string {
	return fmt.Sprintf("tenant %s: %v", e.TenantID, e.Err)
}

func (e *TenantIsolationError) Unwrap() error { return e.Err }

const noTenantsNote = "no enabled tenants to probe"

// ErrAlreadyRunning is reported for a tenant whose run lock is held elsewhere.
var ErrAlreadyRunning = errors.New("sync already in progress")

// TenantStore is the tenant and retention surface of the store.
type TenantStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	ListEnabledTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	TouchTenantSync(ctx context.Context, id string, at time.Time) error
	DeleteExecutionsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
	DeleteHistoryBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// Config tunes the coordinator.
type Config struct {
	MaxConcurrentTenants int
	HealthSampleSize     int
	HealthTimeout        time.Duration
	RetentionDays        int
	LockTTL              time.Duration
	Schedules            Schedules
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentTenants <= 0 {
		c.MaxConcurrentTenants = models.DefaultMaxConcurrentTenants
	}
	if c.HealthSampleSize <= 0 {
		c.HealthSampleSize = models.DefaultHealthSampleSize
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = 5 * time.Second
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = models.DefaultRetentionDays
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Hour
	}
}

// Coordinator runs tenant work in bounded concurrent batches.
type Coordinator struct {
	store   TenantStore
	runners RunnerFactory
	locker  repository.Locker
	bus     *events.EventBus
	cfg     Config
	logger  *zerolog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	lastHealth *models.HealthReport
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithEventBus publishes health sweeps to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New builds a coordinator. A nil locker uses an in-process one.
func New(store TenantStore, runners RunnerFactory, locker repository.Locker, cfg Config, logger *zerolog.Logger, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	if locker == nil {
		locker = repository.NewMemoryLocker()
	}
	c := &Coordinator{
		store:   store,
		runners: runners,
		locker:  locker,
		cfg:     cfg,
		logger:  logging.Component(logger, "coordinator"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tenantJob is one unit of per-tenant work; the result may be nil.
type tenantJob func(ctx context.Context, runner TenantRunner) (*models.SyncResult, error)

func syncJob(syncType models.SyncType) tenantJob {
	return func(ctx context.Context, runner TenantRunner) (*models.SyncResult, error) {
		return runner.SyncEntities(ctx, syncType)
	}
}

func retryJob(ctx context.Context, runner TenantRunner) (*models.SyncResult, error) {
	return runner.ProcessRetries(ctx)
}

// SyncAllTenants runs an incremental sync of every enabled tenant, least
// recently synced first, MaxConcurrentTenants at a time.
func (c *Coordinator) SyncAllTenants(ctx context.Context) (*models.MultiTenantSyncResult, error) {
	return c.forAllTenants(ctx, "sync", syncJob(models.SyncTypeIncremental), true)
}

// ProcessAllRetries drains the due retry entries of every enabled tenant.
func (c *Coordinator) ProcessAllRetries(ctx context.Context) (*models.MultiTenantSyncResult, error) {
	return c.forAllTenants(ctx, "retries", retryJob, false)
}

func (c *Coordinator) forAllTenants(ctx context.Context, name string, job tenantJob, touch bool) (*models.MultiTenantSyncResult, error) {
	started := c.now()
	tenants, err := c.store.ListEnabledTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	agg := &models.MultiTenantSyncResult{TotalTenants: len(tenants), Timestamp: started.UTC()}
	batch := c.cfg.MaxConcurrentTenants
	for start := 0; start < len(tenants); start += batch {
		if ctx.Err() != nil {
			break
		}
		end := start + batch
		if end > len(tenants) {
			end = len(tenants)
		}

		outcomes := make([]models.TenantOutcome, end-start)
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(slot int, tenant models.Tenant) {
				defer wg.Done()
				outcomes[slot] = c.isolated(ctx, &tenant, job, touch)
			}(i-start, tenants[i])
		}
		wg.Wait()

		for _, o := range outcomes {
			agg.Record(o)
		}
	}
	agg.Duration = c.now().Sub(started)

	c.logger.Info().
		Str("job", name).
		Int("tenants", agg.TotalTenants).
		Int("successful", agg.SuccessfulTenants).
		Int("partial", agg.PartialTenants).
		Int("failed", agg.FailedTenants).
		Dur("duration", agg.Duration).
		Msg("multi-tenant run finished")
	return agg, nil
}

// SyncTenant runs one tenant under the same lock the scheduled runs use.
func (c *Coordinator) SyncTenant(ctx context.Context, tenantID string, syncType models.SyncType) (*models.TenantOutcome, error) {
	if !syncType.Valid() {
		return nil, fmt.Errorf("unknown sync type %q", syncType)
	}
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	outcome := c.isolated(ctx, tenant, syncJob(syncType), true)
	return &outcome, nil
}

// isolated runs job for one tenant and converts every failure, panics
// included, into a failed outcome.
func (c *Coordinator) isolated(ctx context.Context, tenant *models.Tenant, job tenantJob, touch bool) (outcome models.TenantOutcome) {
	outcome = models.TenantOutcome{TenantID: tenant.ID, TenantName: tenant.DisplayName()}
	logger := logging.Tenant(c.logger, tenant.ID)

	defer func() {
		if r := recover(); r != nil {
			err := &TenantIsolationError{TenantID: tenant.ID, Err: fmt.Errorf("panic: %v", r)}
			logger.Error().Str("stack", string(debug.Stack())).Err(err).Msg("tenant run panicked")
			outcome.Status = models.SyncStatusFailed
			outcome.Error = err.Error()
		}
	}()

	result, err := c.runLocked(ctx, tenant, job)
	if touch && !errors.Is(err, ErrAlreadyRunning) {
		if terr := c.store.TouchTenantSync(context.WithoutCancel(ctx), tenant.ID, c.now()); terr != nil {
			logger.Warn().Err(terr).Msg("failed to touch last sync time")
		}
	}

	outcome.Result = result
	switch {
	case result != nil:
		outcome.Status = result.Status
	case err == nil:
		outcome.Status = models.SyncStatusCompleted
	default:
		outcome.Status = models.SyncStatusFailed
	}
	if err != nil {
		iso := &TenantIsolationError{TenantID: tenant.ID, Err: err}
		outcome.Status = models.SyncStatusFailed
		outcome.Error = iso.Error()
		if errors.Is(err, ErrAlreadyRunning) {
			logger.Info().Msg("tenant skipped, sync already in progress")
		} else {
			logger.Warn().Err(err).Msg("tenant run failed")
		}
	}
	return outcome
}

func (c *Coordinator) runLocked(ctx context.Context, tenant *models.Tenant, job tenantJob) (*models.SyncResult, error) {
	lease, err := c.locker.Acquire(ctx, repository.LockKey(tenant.ID), c.cfg.LockTTL)
	if errors.Is(err, repository.ErrLockHeld) {
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("failed to release run lock")
		}
	}()

	runner, err := c.runners.Runner(ctx, tenant)
	if err != nil {
		return nil, err
	}
	result, err := job(ctx, runner)
	if errors.Is(err, syncstate.ErrRunInProgress) {
		return result, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}
	return result, err
}

// HealthCheck probes up to HealthSampleSize enabled tenants concurrently.
// All passing is healthy, at least half degraded, anything less unhealthy.
// With no enabled tenants there is nothing to probe: the report stays
// healthy with Checked 0 and a note saying so.
func (c *Coordinator) HealthCheck(ctx context.Context) (*models.HealthReport, error) {
	tenants, err := c.store.ListEnabledTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	if len(tenants) > c.cfg.HealthSampleSize {
		tenants = tenants[:c.cfg.HealthSampleSize]
	}

	probes := make([]models.ProbeResult, len(tenants))
	var wg sync.WaitGroup
	for i := range tenants {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			probes[i] = c.probe(ctx, &tenants[i])
		}(i)
	}
	wg.Wait()

	report := &models.HealthReport{Checked: len(probes), Probes: probes, CheckedAt: c.now().UTC()}
	var failing []string
	for _, p := range probes {
		if p.OK {
			report.Passed++
		} else {
			failing = append(failing, p.TenantID)
		}
	}
	switch {
	case report.Checked == 0:
		report.Status = models.HealthHealthy
		report.Note = noTenantsNote
		c.logger.Warn().Msg("health check found no enabled tenants")
	case report.Passed == report.Checked:
		report.Status = models.HealthHealthy
	case report.Passed*2 >= report.Checked:
		report.Status = models.HealthDegraded
	default:
		report.Status = models.HealthUnhealthy
	}

	c.mu.Lock()
	c.lastHealth = report
	c.mu.Unlock()

	_ = c.bus.PublishJSON(events.EventHealthChecked, events.HealthPayload{
		Status:  string(report.Status),
		Checked: report.Checked,
		Passed:  report.Passed,
		Failing: failing,
	})
	c.logger.Info().
		Str("status", string(report.Status)).
		Int("checked", report.Checked).
		Int("passed", report.Passed).
		Msg("health check finished")
	return report, nil
}

func (c *Coordinator) probe(ctx context.Context, tenant *models.Tenant) (res models.ProbeResult) {
	res.TenantID = tenant.ID
	defer func() {
		if r := recover(); r != nil {
			res.OK = false
			res.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	runner, err := c.runners.Runner(ctx, tenant)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	started := time.Now()
	err = runner.Ping(ctx, c.cfg.HealthTimeout)
	res.Latency = time.Since(started)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

// LastHealth returns the most recent health report, or nil before the first sweep.
func (c *Coordinator) LastHealth() *models.HealthReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealth
}

// RunCleanup deletes executions and history older than RetentionDays for
// every tenant. A failing tenant is logged and skipped.
func (c *Coordinator) RunCleanup(ctx context.Context) (*models.CleanupReport, error) {
	tenants, err := c.store.ListTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	cutoff := c.now().UTC().AddDate(0, 0, -c.cfg.RetentionDays)
	report := &models.CleanupReport{Tenants: len(tenants), Cutoff: cutoff}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		logger := logging.Tenant(c.logger, t.ID)

		execs, err := c.store.DeleteExecutionsBefore(ctx, t.ID, cutoff)
		if err != nil {
			logger.Error().Err(err).Msg("execution cleanup failed")
			report.Failed = append(report.Failed, t.ID)
			continue
		}
		hist, err := c.store.DeleteHistoryBefore(ctx, t.ID, cutoff)
		if err != nil {
			logger.Error().Err(err).Msg("history cleanup failed")
			report.Failed = append(report.Failed, t.ID)
		}
		report.ExecutionsDeleted += execs
		report.HistoryDeleted += hist
		if execs > 0 || hist > 0 {
			logger.Info().Int64("executions", execs).Int64("history", hist).Msg("old rows removed")
		}
	}

	c.logger.Info().
		Time("cutoff", cutoff).
		Int64("executions", report.ExecutionsDeleted).
		Int64("history", report.HistoryDeleted).
		Int("failed", len(report.Failed)).
		Msg("cleanup finished")
	return report, nil
}
