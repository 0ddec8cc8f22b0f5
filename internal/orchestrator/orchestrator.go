// Package orchestrator drives one tenant's sync runs and retry processing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"flowsync/internal/events"
	"flowsync/internal/fetcher"
	"flowsync/internal/logging"
	"flowsync/internal/metrics"
	"flowsync/internal/models"
	"flowsync/internal/remote"
	"flowsync/internal/syncstate"
	"flowsync/internal/transform"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EntityStore persists transformed records.
type EntityStore interface {
	UpsertWorkflow(ctx context.Context, rec *models.WorkflowRecord) (models.UpsertOutcome, error)
	UpsertExecution(ctx context.Context, rec *models.ExecutionRecord) (models.UpsertOutcome, error)
}

// DeadLetterSink receives retry entries that exceeded the retry budget.
type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, entry models.RetryEntry) error
}

// Config tunes a tenant run.
type Config struct {
	BatchSize      int
	MaxItemRetries int
	MaxTotal       int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = models.DefaultBatchSize
	}
	if c.MaxItemRetries <= 0 {
		c.MaxItemRetries = models.DefaultMaxItemRetries
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = models.DefaultMaxTotal
	}
}

// Orchestrator syncs one tenant.
type Orchestrator struct {
	tenantID    string
	fetcher     *fetcher.Fetcher
	state       *syncstate.State
	store       EntityStore
	transformer transform.Transformer
	deadLetters DeadLetterSink
	bus         *events.EventBus
	cfg         Config
	logger      *zerolog.Logger
	now         func() time.Time

	runMu      sync.Mutex
	mu         sync.RWMutex
	status     models.SyncStatus
	lastStatus models.SyncStatus
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithTransformer replaces the default transformer.
func WithTransformer(t transform.Transformer) Option {
	return func(o *Orchestrator) { o.transformer = t }
}

// WithDeadLetters sets where given-up retry entries go.
func WithDeadLetters(s DeadLetterSink) Option {
	return func(o *Orchestrator) { o.deadLetters = s }
}

// WithEventBus publishes run lifecycle events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New builds an orchestrator for the tenant owning state.
func New(f *fetcher.Fetcher, state *syncstate.State, store EntityStore, cfg Config, logger *zerolog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		tenantID:    state.TenantID(),
		fetcher:     f,
		state:       state,
		store:       store,
		transformer: transform.Default{},
		cfg:         cfg,
		logger:      logging.Tenant(logging.Component(logger, "orchestrator"), state.TenantID()),
		now:         time.Now,
		status:      models.SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns RUNNING while a run or retry pass is in flight, IDLE otherwise.
func (o *Orchestrator) State() models.SyncStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// LastStatus returns the terminal status of the most recent run.
func (o *Orchestrator) LastStatus() models.SyncStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastStatus
}

// SyncState exposes the tenant's checkpoint and retry queue.
func (o *Orchestrator) SyncState() *syncstate.State {
	return o.state
}

func (o *Orchestrator) setStatus(s models.SyncStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s == models.SyncStatusRunning || s == models.SyncStatusIdle {
		o.status = s
		return
	}
	o.lastStatus = s
	o.status = models.SyncStatusIdle
}

// SyncEntities runs one sync of syncType: workflows first, then executions.
// Item failures never abort the run; a listing failure fails it with an
// AggregateFetchError, which is returned alongside the result.
func (o *Orchestrator) SyncEntities(ctx context.Context, syncType models.SyncType) (*models.SyncResult, error) {
	if !syncType.Valid() {
		return nil, fmt.Errorf("unknown sync type %q", syncType)
	}
	if !o.runMu.TryLock() {
		return nil, syncstate.ErrRunInProgress
	}
	defer o.runMu.Unlock()

	run, err := o.state.StartSync(ctx, syncType)
	if err != nil {
		return nil, err
	}
	o.setStatus(models.SyncStatusRunning)

	logger := o.logger.With().Str("run_id", run.RunID).Str("sync_type", string(syncType)).Logger()
	logger.Info().Msg("sync started")
	_ = o.bus.PublishJSON(events.EventRunStarted, events.RunPayload{
		TenantID: o.tenantID, RunID: run.RunID, SyncType: string(syncType), Status: string(models.SyncStatusRunning),
	})

	result := &models.SyncResult{
		ID:        run.RunID,
		TenantID:  o.tenantID,
		Type:      syncType,
		Status:    models.SyncStatusRunning,
		StartedAt: run.StartedAt,
	}
	callsBefore := o.fetcher.Calls()

	workflows, executions, runErr := o.scope(ctx, syncType, o.state.Checkpoint())
	if runErr == nil {
		total := len(workflows) + len(executions)
		logger.Debug().Int("workflows", len(workflows)).Int("executions", len(executions)).Msg("scope resolved")

		acc := &accumulator{result: result}
		done := 0
		progress := func(n int) {
			done += n
			if err := o.state.UpdateProgress(ctx, done*100/total); err != nil {
				logger.Warn().Err(err).Msg("progress not persisted")
			}
		}

		ids := make([]string, len(workflows))
		for i := range workflows {
			ids[i] = workflows[i].ID
		}
		o.processBatches(ctx, models.EntityWorkflow, ids, run.StartedAt, acc, progress)

		ids = make([]string, len(executions))
		for i := range executions {
			ids[i] = executions[i].ID
		}
		o.processBatches(ctx, models.EntityExecution, ids, run.StartedAt, acc, progress)

		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("sync interrupted: %w", err)
		}
	}

	switch {
	case runErr != nil:
		result.Status = models.SyncStatusFailed
		result.Errors = append(result.Errors, models.SyncError{Message: runErr.Error(), Timestamp: o.now().UTC()})
	case result.TotalFailed() > 0:
		result.Status = models.SyncStatusPartial
	default:
		result.Status = models.SyncStatusCompleted
	}

	o.finish(ctx, result, callsBefore, &logger)
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// finish closes the run even when ctx is already canceled.
func (o *Orchestrator) finish(ctx context.Context, result *models.SyncResult, callsBefore int64, logger *zerolog.Logger) {
	result.CompletedAt = o.now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.APICalls = int(o.fetcher.Calls() - callsBefore)

	if err := o.state.CompleteSync(context.WithoutCancel(ctx), result); err != nil {
		logger.Error().Err(err).Msg("failed to persist sync result")
	}

	metrics.ObserveRun(string(result.Type), string(result.Status), result.Duration)
	metrics.AddItems(string(models.EntityWorkflow), "processed", result.Workflows.Processed)
	metrics.AddItems(string(models.EntityWorkflow), "failed", result.Workflows.Failed)
	metrics.AddItems(string(models.EntityExecution), "processed", result.Executions.Processed)
	metrics.AddItems(string(models.EntityExecution), "failed", result.Executions.Failed)

	payload := events.RunPayload{
		TenantID:            o.tenantID,
		RunID:               result.ID,
		SyncType:            string(result.Type),
		Status:              string(result.Status),
		WorkflowsProcessed:  result.Workflows.Processed,
		ExecutionsProcessed: result.Executions.Processed,
		Failed:              result.TotalFailed(),
		Duration:            result.Duration,
	}
	if len(result.Errors) > 0 && result.Status == models.SyncStatusFailed {
		payload.Error = result.Errors[0].Message
	}
	_ = o.bus.PublishJSON(events.EventRunFinished, payload)

	logger.Info().
		Str("status", string(result.Status)).
		Int("workflows", result.Workflows.Processed).
		Int("executions", result.Executions.Processed).
		Int("failed", result.TotalFailed()).
		Int("api_calls", result.APICalls).
		Dur("duration", result.Duration).
		Msg("sync finished")

	o.setStatus(result.Status)
}

// scope lists the items a run has to process, already filtered and prioritized.
func (o *Orchestrator) scope(ctx context.Context, syncType models.SyncType, cp *models.SyncCheckpoint) ([]models.Workflow, []models.Execution, error) {
	workflows, err := o.fetcher.ListWorkflows(ctx, o.cfg.MaxTotal, nil)
	if err != nil {
		return nil, nil, &AggregateFetchError{Entity: models.EntityWorkflow, Err: err}
	}
	executions, err := o.fetcher.ListExecutions(ctx, remote.ExecutionFilter{}, o.cfg.MaxTotal, nil)
	if err != nil {
		return nil, nil, &AggregateFetchError{Entity: models.EntityExecution, Err: err}
	}

	if !syncType.IsFullScope() {
		if since := cp.LastWorkflowSyncAt; since != nil {
			workflows = filterWorkflows(workflows, *since)
		}
		if since := cp.LastExecutionSyncAt; since != nil {
			executions = filterExecutions(executions, *since)
		}
	}

	now := o.now()
	sort.SliceStable(workflows, func(i, j int) bool {
		return workflowPriority(&workflows[i], now) > workflowPriority(&workflows[j], now)
	})
	sort.SliceStable(executions, func(i, j int) bool {
		return executionPriority(&executions[i], now) > executionPriority(&executions[j], now)
	})
	return workflows, executions, nil
}

func filterWorkflows(in []models.Workflow, since time.Time) []models.Workflow {
	out := in[:0]
	for _, wf := range in {
		if wf.UpdatedAt.After(since) {
			out = append(out, wf)
		}
	}
	return out
}

func filterExecutions(in []models.Execution, since time.Time) []models.Execution {
	out := in[:0]
	for _, ex := range in {
		if ex.ModifiedAt().After(since) {
			out = append(out, ex)
		}
	}
	return out
}

const (
	priorityLow = iota
	priorityRecent
	priorityActive
)

func recent(t time.Time, now time.Time) bool {
	return !t.IsZero() && now.Sub(t) <= models.RecentActivityWindow
}

func workflowPriority(wf *models.Workflow, now time.Time) int {
	if wf.Active {
		return priorityActive
	}
	if recent(wf.UpdatedAt, now) || (wf.LastExecutionAt != nil && recent(*wf.LastExecutionAt, now)) {
		return priorityRecent
	}
	return priorityLow
}

func executionPriority(ex *models.Execution, now time.Time) int {
	if !ex.Finished {
		return priorityActive
	}
	if recent(ex.ModifiedAt(), now) {
		return priorityRecent
	}
	return priorityLow
}

// accumulator folds concurrent item outcomes into a result.
type accumulator struct {
	mu     sync.Mutex
	result *models.SyncResult
}

func (a *accumulator) success(entity models.EntityType, out models.UpsertOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.result.Counters(entity)
	c.Processed++
	if out.Created {
		c.Created++
	} else {
		c.Updated++
	}
	a.result.DBOperations += out.DBOperations
}

func (a *accumulator) failure(entity models.EntityType, id string, err error, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Counters(entity).Failed++
	a.result.Errors = append(a.result.Errors, models.SyncError{
		Entity:    entity,
		EntityID:  id,
		Message:   err.Error(),
		Timestamp: at,
	})
}

// processBatches runs items in batches of BatchSize; items of one batch run
// concurrently and the batch settles before the next one starts.
func (o *Orchestrator) processBatches(ctx context.Context, entity models.EntityType, ids []string, syncedAt time.Time, acc *accumulator, progress func(n int)) {
	for start := 0; start < len(ids); start += o.cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + o.cfg.BatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				out, err := o.syncItem(ctx, entity, id, syncedAt)
				if err != nil {
					o.logger.Warn().Err(err).Str("entity", string(entity)).Str("entity_id", id).Msg("item failed")
					acc.failure(entity, id, err, o.now().UTC())
					if _, rerr := o.state.AddRetry(context.WithoutCancel(ctx), entity, id, err); rerr != nil {
						o.logger.Error().Err(rerr).Str("entity_id", id).Msg("failed to queue retry")
					}
					return
				}
				acc.success(entity, out)
				o.state.MarkProcessed(entity, id)
			}(id)
		}
		wg.Wait()
		progress(end - start)
	}
}

// syncItem fetches, transforms and persists one entity. A panic along the
// way fails the item like any other error instead of taking down the process.
func (o *Orchestrator) syncItem(ctx context.Context, entity models.EntityType, id string, syncedAt time.Time) (out models.UpsertOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("entity", string(entity)).
				Str("entity_id", id).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("item processing panicked")
			out, err = models.UpsertOutcome{}, &ItemProcessingError{Entity: entity, EntityID: id, Stage: StagePanic, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return o.processItem(ctx, entity, id, syncedAt)
}

func (o *Orchestrator) processItem(ctx context.Context, entity models.EntityType, id string, syncedAt time.Time) (models.UpsertOutcome, error) {
	fail := func(stage string, err error) (models.UpsertOutcome, error) {
		return models.UpsertOutcome{}, &ItemProcessingError{Entity: entity, EntityID: id, Stage: stage, Err: err}
	}

	switch entity {
	case models.EntityWorkflow:
		wf, err := o.fetcher.GetWorkflow(ctx, id)
		if err != nil {
			return fail(StageFetch, err)
		}
		rec, err := o.transformer.Workflow(o.tenantID, wf, syncedAt)
		if err != nil {
			return fail(StageTransform, err)
		}
		out, err := o.store.UpsertWorkflow(ctx, rec)
		if err != nil {
			return fail(StagePersist, err)
		}
		return out, nil
	case models.EntityExecution:
		ex, err := o.fetcher.GetExecution(ctx, id)
		if err != nil {
			return fail(StageFetch, err)
		}
		rec, err := o.transformer.Execution(o.tenantID, ex, syncedAt)
		if err != nil {
			return fail(StageTransform, err)
		}
		out, err := o.store.UpsertExecution(ctx, rec)
		if err != nil {
			return fail(StagePersist, err)
		}
		return out, nil
	default:
		return fail(StageDispatch, fmt.Errorf("unknown entity type %q", entity))
	}
}

// ProcessRetries re-attempts every due retry entry. Recovered entries are
// removed and summarized in one recovery history row; entries that exceed
// MaxItemRetries are dead-lettered. A nil result means nothing was due.
func (o *Orchestrator) ProcessRetries(ctx context.Context) (*models.SyncResult, error) {
	if !o.runMu.TryLock() {
		return nil, syncstate.ErrRunInProgress
	}
	defer o.runMu.Unlock()

	ready := o.state.GetReadyRetries()
	if len(ready) == 0 {
		return nil, nil
	}
	o.setStatus(models.SyncStatusRunning)

	result := &models.SyncResult{
		ID:        uuid.NewString(),
		TenantID:  o.tenantID,
		Type:      models.SyncTypeRecovery,
		StartedAt: o.now().UTC(),
	}
	logger := o.logger.With().Str("run_id", result.ID).Str("sync_type", string(result.Type)).Logger()
	logger.Info().Int("ready", len(ready)).Msg("processing retry queue")
	callsBefore := o.fetcher.Calls()
	acc := &accumulator{result: result}

	for start := 0; start < len(ready); start += o.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + o.cfg.BatchSize
		if end > len(ready) {
			end = len(ready)
		}
		var wg sync.WaitGroup
		for _, entry := range ready[start:end] {
			wg.Add(1)
			go func(entry models.RetryEntry) {
				defer wg.Done()
				o.retryOne(ctx, entry, result.StartedAt, acc, &logger)
			}(entry)
		}
		wg.Wait()
	}

	result.CompletedAt = o.now().UTC()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	result.APICalls = int(o.fetcher.Calls() - callsBefore)
	result.Status = models.SyncStatusCompleted
	if result.TotalFailed() > 0 {
		result.Status = models.SyncStatusPartial
	}

	err := o.state.RecordHistory(context.WithoutCancel(ctx), result)
	metrics.ObserveRun(string(result.Type), string(result.Status), result.Duration)
	logger.Info().
		Str("status", string(result.Status)).
		Int("recovered", result.Workflows.Processed+result.Executions.Processed).
		Int("failed", result.TotalFailed()).
		Msg("retry queue processed")
	o.setStatus(result.Status)
	return result, err
}

func (o *Orchestrator) retryOne(ctx context.Context, entry models.RetryEntry, syncedAt time.Time, acc *accumulator, logger *zerolog.Logger) {
	entryLog := logger.With().Str("entity", string(entry.EntityType)).Str("entity_id", entry.EntityID).Int("retry_count", entry.RetryCount).Logger()

	if entry.RetryCount > o.cfg.MaxItemRetries {
		o.deadLetter(ctx, entry, &entryLog)
		return
	}

	out, err := o.syncItem(ctx, entry.EntityType, entry.EntityID, syncedAt)
	switch {
	case err == nil:
		if rerr := o.state.RemoveRetry(ctx, entry.EntityType, entry.EntityID); rerr != nil {
			entryLog.Error().Err(rerr).Msg("failed to remove recovered retry")
		}
		acc.success(entry.EntityType, out)
		o.state.MarkProcessed(entry.EntityType, entry.EntityID)
		metrics.IncRetry("recovered")
		entryLog.Info().Msg("retry recovered")
	case fetcher.IsNotFound(err):
		// удалён на стороне движка, повторять нечего
		if rerr := o.state.RemoveRetry(ctx, entry.EntityType, entry.EntityID); rerr != nil {
			entryLog.Error().Err(rerr).Msg("failed to remove retry")
		}
		metrics.IncRetry("gone")
		entryLog.Info().Msg("entity no longer exists, retry dropped")
	default:
		acc.failure(entry.EntityType, entry.EntityID, err, o.now().UTC())
		metrics.IncRetry("failed")
		next, rerr := o.state.AddRetry(context.WithoutCancel(ctx), entry.EntityType, entry.EntityID, err)
		if rerr != nil {
			entryLog.Error().Err(rerr).Msg("failed to reschedule retry")
			return
		}
		if next.RetryCount > o.cfg.MaxItemRetries {
			o.deadLetter(ctx, *next, &entryLog)
			return
		}
		entryLog.Warn().Err(err).Time("next_retry_at", next.NextRetryAt).Msg("retry failed")
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, entry models.RetryEntry, logger *zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	if err := o.state.RemoveRetry(ctx, entry.EntityType, entry.EntityID); err != nil {
		logger.Error().Err(err).Msg("failed to remove exhausted retry")
	}
	if o.deadLetters != nil {
		if err := o.deadLetters.PushDeadLetter(ctx, entry); err != nil {
			logger.Error().Err(err).Msg("dead letter push failed")
		}
	}
	metrics.IncDeadLetter()
	metrics.IncRetry("dead_letter")
	_ = o.bus.PublishJSON(events.EventRetryDeadLettered, events.DeadLetterPayload{
		TenantID:   entry.TenantID,
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		RetryCount: entry.RetryCount,
		LastError:  entry.LastError,
	})
	logger.Error().Str("last_error", entry.LastError).Msg("retry budget exhausted, entry dead-lettered")
}

// IsRunInProgress reports whether err means the tenant is already being synced.
func IsRunInProgress(err error) bool {
	return errors.Is(err, syncstate.ErrRunInProgress)
}

// Ping probes the tenant's liveness endpoint once.
func (o *Orchestrator) Ping(ctx context.Context, timeout time.Duration) error {
	return o.fetcher.Ping(ctx, timeout)
}
