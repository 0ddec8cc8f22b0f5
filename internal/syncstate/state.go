// Package syncstate keeps one tenant's durable checkpoint and retry queue.
package syncstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowsync/internal/backoff"
	"flowsync/internal/database"
	"flowsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrRunInProgress is returned by StartSync while another run owns the checkpoint.
var ErrRunInProgress = errors.New("sync already in progress")

// ErrNotLoaded is returned when a State is used before Load.
var ErrNotLoaded = errors.New("sync state not loaded")

// Store is the persistence the state writes through to.
type Store interface {
	GetCheckpoint(ctx context.Context, tenantID string) (*models.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp *models.SyncCheckpoint) error
	UpsertRetry(ctx context.Context, e *models.RetryEntry) error
	ListRetries(ctx context.Context, tenantID string) ([]models.RetryEntry, error)
	DeleteRetry(ctx context.Context, tenantID string, entityType models.EntityType, entityID string) error
	InsertHistory(ctx context.Context, r *models.SyncResult) error
	ListHistory(ctx context.Context, tenantID string, limit int) ([]models.SyncResult, error)
}

// Options tune a State.
type Options struct {
	// StaleRunAfter is the age after which a recorded active run is taken over.
	StaleRunAfter time.Duration
	// ProgressInterval throttles persistence of progress updates.
	ProgressInterval time.Duration
	RetryPolicy      backoff.Policy
	Now              func() time.Time
	Logger           *zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.StaleRunAfter <= 0 {
		o.StaleRunAfter = 2 * time.Hour
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 5 * time.Second
	}
	if o.RetryPolicy.InitialDelay <= 0 {
		o.RetryPolicy.InitialDelay = models.RetryBaseDelay
	}
	if o.RetryPolicy.MaxDelay <= 0 {
		o.RetryPolicy.MaxDelay = models.RetryMaxDelay
	}
	if o.RetryPolicy.BackoffFactor <= 0 {
		o.RetryPolicy.BackoffFactor = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// State is the in-memory view of one tenant's sync state, written through
// to the store after every mutation.
type State struct {
	mu       sync.Mutex
	tenantID string
	store    Store
	opts     Options
	logger   *zerolog.Logger

	loaded   bool
	cp       *models.SyncCheckpoint
	orphan   string // run id found active at Load, left behind by a previous process
	retries  map[models.RetryKey]*retryItem
	queue    retryHeap
	progress *rate.Sometimes
}

// New creates an unloaded state for tenantID.
func New(tenantID string, store Store, opts Options) *State {
	opts.applyDefaults()
	logger := opts.Logger.With().Str("component", "syncstate").Str("tenant_id", tenantID).Logger()
	return &State{
		tenantID: tenantID,
		store:    store,
		opts:     opts,
		logger:   &logger,
		retries:  make(map[models.RetryKey]*retryItem),
		progress: &rate.Sometimes{Interval: opts.ProgressInterval},
	}
}

// TenantID returns the owning tenant.
func (s *State) TenantID() string {
	return s.tenantID
}

// Load reads the checkpoint (creating a zero one on first use) and the retry queue.
func (s *State) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.store.GetCheckpoint(ctx, s.tenantID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		cp = &models.SyncCheckpoint{TenantID: s.tenantID}
		if err := s.store.SaveCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("create checkpoint: %w", err)
		}
		s.logger.Info().Msg("checkpoint created")
	case err != nil:
		return fmt.Errorf("load checkpoint: %w", err)
	}

	entries, err := s.store.ListRetries(ctx, s.tenantID)
	if err != nil {
		return fmt.Errorf("load retry queue: %w", err)
	}

	s.cp = cp
	s.orphan = ""
	if cp.ActiveRun != nil {
		s.orphan = cp.ActiveRun.RunID
		s.logger.Warn().
			Str("run_id", cp.ActiveRun.RunID).
			Str("run_type", string(cp.ActiveRun.Type)).
			Time("started_at", cp.ActiveRun.StartedAt).
			Msg("checkpoint holds an unfinished run from a previous process")
	}
	s.retries = make(map[models.RetryKey]*retryItem, len(entries))
	s.queue = s.queue[:0]
	for i := range entries {
		s.push(entries[i])
	}
	s.loaded = true
	return nil
}

// StartSync marks a run of syncType as active. A run started through this
// State blocks new runs until it completes or turns stale; a run that was
// already active at Load is taken over right away.
func (s *State) StartSync(ctx context.Context, syncType models.SyncType) (*models.ActiveRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil, ErrNotLoaded
	}

	now := s.opts.Now().UTC()
	if run := s.cp.ActiveRun; run != nil {
		age := now.Sub(run.StartedAt)
		orphaned := run.RunID == s.orphan
		if !orphaned && age < s.opts.StaleRunAfter {
			return nil, fmt.Errorf("%w (run %s started %s ago)", ErrRunInProgress, run.RunID, age.Round(time.Second))
		}
		s.logger.Warn().
			Str("prev_run_id", run.RunID).
			Str("prev_run_type", string(run.Type)).
			Dur("age", age).
			Bool("orphaned", orphaned).
			Msg("taking over active run")
	}

	run := &models.ActiveRun{
		RunID:     uuid.NewString(),
		Type:      syncType,
		Status:    models.SyncStatusRunning,
		StartedAt: now,
		Progress:  0,
	}
	prev := s.cp.ActiveRun
	s.cp.ActiveRun = run
	if err := s.store.SaveCheckpoint(ctx, s.cp); err != nil {
		s.cp.ActiveRun = prev
		return nil, fmt.Errorf("persist active run: %w", err)
	}
	s.orphan = ""
	s.progress = &rate.Sometimes{Interval: s.opts.ProgressInterval}

	out := *run
	return &out, nil
}

// UpdateProgress records the completion percentage of the active run.
// Persistence is throttled; the first update and completion are always written.
func (s *State) UpdateProgress(ctx context.Context, pct int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded || s.cp.ActiveRun == nil {
		return nil
	}

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.cp.ActiveRun.Progress = pct

	var err error
	s.progress.Do(func() {
		err = s.store.SaveCheckpoint(ctx, s.cp)
	})
	if err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}
	return nil
}

// MarkProcessed remembers the last successfully processed entity id.
// It is persisted with the next checkpoint write.
func (s *State) MarkProcessed(entityType models.EntityType, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return
	}
	if entityType == models.EntityExecution {
		s.cp.LastProcessedExecutionID = entityID
	} else {
		s.cp.LastProcessedWorkflowID = entityID
	}
}

// CompleteSync closes the active run, advances the checkpoint and appends
// the result to the sync history.
//
// Checkpoint timestamps advance to the run start time, only for completed runs,
// only for categories that processed at least one item, and never backwards.
func (s *State) CompleteSync(ctx context.Context, result *models.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotLoaded
	}

	s.cp.TotalSyncs++
	if result.Status == models.SyncStatusCompleted {
		s.cp.SuccessfulSyncs++
		at := result.StartedAt.UTC()
		if result.Workflows.Processed > 0 {
			advance(&s.cp.LastWorkflowSyncAt, at)
		}
		if result.Executions.Processed > 0 {
			advance(&s.cp.LastExecutionSyncAt, at)
		}
		if result.Type.IsFullScope() {
			advance(&s.cp.LastFullSyncAt, at)
		}
	} else {
		s.cp.FailedSyncs++
	}
	s.cp.ActiveRun = nil

	if err := s.store.SaveCheckpoint(ctx, s.cp); err != nil {
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	if err := s.store.InsertHistory(ctx, result); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// RecordHistory appends a result to the sync history without touching the checkpoint.
func (s *State) RecordHistory(ctx context.Context, result *models.SyncResult) error {
	if err := s.store.InsertHistory(ctx, result); err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func advance(dst **time.Time, at time.Time) {
	if *dst != nil && !at.After(**dst) {
		return
	}
	t := at
	*dst = &t
}

// AddRetry registers a failed item. A known item gets its retry count bumped
// and its next attempt rescheduled from the new count.
func (s *State) AddRetry(ctx context.Context, entityType models.EntityType, entityID string, cause error) (*models.RetryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return nil, ErrNotLoaded
	}

	now := s.opts.Now().UTC()
	key := models.RetryKey{EntityType: entityType, EntityID: entityID}

	entry := models.RetryEntry{
		TenantID:   s.tenantID,
		EntityType: entityType,
		EntityID:   entityID,
		RetryCount: 1,
	}
	existing, ok := s.retries[key]
	if ok {
		entry = existing.entry
		entry.RetryCount++
	}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	entry.NextRetryAt = now.Add(s.opts.RetryPolicy.NextDelay(entry.RetryCount))

	if err := s.store.UpsertRetry(ctx, &entry); err != nil {
		return nil, fmt.Errorf("persist retry: %w", err)
	}

	if ok {
		existing.entry = entry
		s.queue.fix(existing)
	} else {
		s.push(entry)
	}

	out := entry
	return &out, nil
}

// GetReadyRetries returns entries due at or before now, earliest first.
func (s *State) GetReadyRetries() []models.RetryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ready := s.queue.due(s.opts.Now())
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].NextRetryAt.Before(ready[j].NextRetryAt)
	})
	return ready
}

// RemoveRetry deletes an entry; unknown keys are a no-op.
func (s *State) RemoveRetry(ctx context.Context, entityType models.EntityType, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteRetry(ctx, s.tenantID, entityType, entityID); err != nil {
		return fmt.Errorf("delete retry: %w", err)
	}
	key := models.RetryKey{EntityType: entityType, EntityID: entityID}
	if it, ok := s.retries[key]; ok {
		s.queue.remove(it)
		delete(s.retries, key)
	}
	return nil
}

// Retries returns a snapshot of the whole queue ordered by next attempt.
func (s *State) Retries() []models.RetryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.RetryEntry, 0, len(s.retries))
	for _, it := range s.retries {
		out = append(out, it.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRetryAt.Equal(out[j].NextRetryAt) {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].NextRetryAt.Before(out[j].NextRetryAt)
	})
	return out
}

// Checkpoint returns a copy of the current checkpoint.
func (s *State) Checkpoint() *models.SyncCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cp.Clone()
}

// History returns the most recent runs, newest first.
func (s *State) History(ctx context.Context, limit int) ([]models.SyncResult, error) {
	return s.store.ListHistory(ctx, s.tenantID, limit)
}

func (s *State) push(entry models.RetryEntry) {
	it := &retryItem{entry: entry}
	s.retries[entry.Key()] = it
	s.queue.push(it)
}
