package syncstate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"flowsync/internal/database"
	"flowsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*State, *database.DB, *fakeClock) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "state.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := New("t1", db, Options{Now: clock.Now, Logger: &logger})
	require.NoError(t, st.Load(context.Background()))
	return st, db, clock
}

func completedResult(run *models.ActiveRun, workflows, executions int) *models.SyncResult {
	return &models.SyncResult{
		ID:          run.RunID,
		TenantID:    "t1",
		Type:        run.Type,
		Status:      models.SyncStatusCompleted,
		StartedAt:   run.StartedAt,
		CompletedAt: run.StartedAt.Add(time.Minute),
		Duration:    time.Minute,
		Workflows:   models.CategoryCounters{Processed: workflows, Updated: workflows},
		Executions:  models.CategoryCounters{Processed: executions, Created: executions},
	}
}

func TestLoadCreatesZeroCheckpoint(t *testing.T) {
	st, db, _ := setup(t)

	cp := st.Checkpoint()
	assert.Equal(t, "t1", cp.TenantID)
	assert.Nil(t, cp.LastWorkflowSyncAt)
	assert.Nil(t, cp.ActiveRun)

	stored, err := db.GetCheckpoint(context.Background(), "t1")
	require.NoError(t, err)
	assert.Zero(t, stored.TotalSyncs)
}

func TestNotLoaded(t *testing.T) {
	logger := zerolog.Nop()
	st := New("t1", nil, Options{Logger: &logger})
	_, err := st.StartSync(context.Background(), models.SyncTypeFull)
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestStartSyncSingleFlight(t *testing.T) {
	st, db, clock := setup(t)
	ctx := context.Background()

	run, err := st.StartSync(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)
	assert.NotEmpty(t, run.RunID)
	assert.Equal(t, models.SyncStatusRunning, run.Status)
	assert.Equal(t, clock.Now(), run.StartedAt)

	stored, err := db.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, stored.ActiveRun)
	assert.Equal(t, run.RunID, stored.ActiveRun.RunID)

	_, err = st.StartSync(ctx, models.SyncTypeFull)
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestStartSyncTakesOverStaleRun(t *testing.T) {
	st, db, clock := setup(t)
	ctx := context.Background()

	first, err := st.StartSync(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)

	// a fresh process sees the crashed run in the store
	logger := zerolog.Nop()
	restarted := New("t1", db, Options{Now: clock.Now, Logger: &logger})
	require.NoError(t, restarted.Load(ctx))
	require.NotNil(t, restarted.Checkpoint().ActiveRun)

	second, err := restarted.StartSync(ctx, models.SyncTypeRecovery)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, models.SyncTypeRecovery, second.Type)
}

func TestStartSyncTakesOverRunLeftByCrash(t *testing.T) {
	st, db, clock := setup(t)
	ctx := context.Background()

	crashed, err := st.StartSync(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)

	logger := zerolog.Nop()
	restarted := New("t1", db, Options{Now: clock.Now, Logger: &logger})
	require.NoError(t, restarted.Load(ctx))

	run, err := restarted.StartSync(ctx, models.SyncTypeRecovery)
	require.NoError(t, err)
	assert.NotEqual(t, crashed.RunID, run.RunID)

	stored, err := db.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, stored.ActiveRun)
	assert.Equal(t, run.RunID, stored.ActiveRun.RunID)

	// the run taken over is now its own, and it blocks
	_, err = restarted.StartSync(ctx, models.SyncTypeIncremental)
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestStartSyncTakesOverOrphanForAnyType(t *testing.T) {
	st, db, clock := setup(t)
	ctx := context.Background()

	_, err := st.StartSync(ctx, models.SyncTypeFull)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	logger := zerolog.Nop()
	restarted := New("t1", db, Options{Now: clock.Now, Logger: &logger})
	require.NoError(t, restarted.Load(ctx))

	_, err = restarted.StartSync(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)
}

func TestCheckpointMonotonic(t *testing.T) {
	st, _, clock := setup(t)
	ctx := context.Background()

	run, err := st.StartSync(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)
	require.NoError(t, st.CompleteSync(ctx, completedResult(run, 2, 0)))

	cp := st.Checkpoint()
	require.NotNil(t, cp.LastWorkflowSyncAt)
	assert.Equal(t, run.StartedAt, *cp.LastWorkflowSyncAt)
	assert.Nil(t, cp.LastExecutionSyncAt, "no executions processed")
	assert.Nil(t, cp.LastFullSyncAt)
	assert.Nil(t, cp.ActiveRun)

	// an older completed result never moves the checkpoint back
	clock.Advance(time.Minute)
	run2, err := st.StartSync(ctx, models.SyncTypeFull)
	require.NoError(t, err)
	older := completedResult(run2, 1, 1)
	older.StartedAt = run.StartedAt.Add(-time.Hour)
	require.NoError(t, st.CompleteSync(ctx, older))

	cp = st.Checkpoint()
	assert.Equal(t, run.StartedAt, *cp.LastWorkflowSyncAt)
	require.NotNil(t, cp.LastExecutionSyncAt)
	assert.Equal(t, older.StartedAt, *cp.LastExecutionSyncAt)
	require.NotNil(t, cp.LastFullSyncAt)

	// failed runs only count
	clock.Advance(time.Minute)
	run3, err := st.StartSync(ctx, models.SyncTypeIncremental)
	require.NoError(t, err)
	failed := completedResult(run3, 5, 5)
	failed.Status = models.SyncStatusPartial
	require.NoError(t, st.CompleteSync(ctx, failed))

	cp = st.Checkpoint()
	assert.Equal(t, run.StartedAt, *cp.LastWorkflowSyncAt)
	assert.EqualValues(t, 3, cp.TotalSyncs)
	assert.EqualValues(t, 2, cp.SuccessfulSyncs)
	assert.EqualValues(t, 1, cp.FailedSyncs)

	history, err := st.History(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestUpdateProgressClamps(t *testing.T) {
	st, db, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, st.UpdateProgress(ctx, 10), "no active run is a no-op")

	_, err := st.StartSync(ctx, models.SyncTypeFull)
	require.NoError(t, err)

	require.NoError(t, st.UpdateProgress(ctx, 150))
	assert.Equal(t, 100, st.Checkpoint().ActiveRun.Progress)

	stored, err := db.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 100, stored.ActiveRun.Progress, "first update is persisted")

	require.NoError(t, st.UpdateProgress(ctx, -3))
	assert.Equal(t, 0, st.Checkpoint().ActiveRun.Progress)
}

func TestAddRetryTwice(t *testing.T) {
	st, db, clock := setup(t)
	ctx := context.Background()

	e, err := st.AddRetry(ctx, models.EntityWorkflow, "W1", errors.New("first"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, clock.Now().Add(time.Minute), e.NextRetryAt)

	e, err = st.AddRetry(ctx, models.EntityWorkflow, "W1", errors.New("second"))
	require.NoError(t, err)
	assert.Equal(t, 2, e.RetryCount)
	assert.Equal(t, "second", e.LastError)
	assert.Equal(t, clock.Now().Add(2*time.Minute), e.NextRetryAt)

	stored, err := db.ListRetries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].RetryCount)
	assert.Len(t, st.Retries(), 1)
}

func TestReadyRetriesOrdering(t *testing.T) {
	st, _, clock := setup(t)
	ctx := context.Background()

	// W3 fails three times, so it is scheduled furthest out
	for i := 0; i < 3; i++ {
		_, err := st.AddRetry(ctx, models.EntityWorkflow, "W3", errors.New("x"))
		require.NoError(t, err)
	}
	clock.Advance(10 * time.Second)
	_, err := st.AddRetry(ctx, models.EntityExecution, "E2", errors.New("x"))
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, err = st.AddRetry(ctx, models.EntityWorkflow, "W1", errors.New("x"))
	require.NoError(t, err)

	assert.Empty(t, st.GetReadyRetries())

	clock.Advance(time.Minute)
	ready := st.GetReadyRetries()
	require.Len(t, ready, 2)
	assert.Equal(t, "E2", ready[0].EntityID)
	assert.Equal(t, "W1", ready[1].EntityID)

	clock.Advance(5 * time.Minute)
	ready = st.GetReadyRetries()
	require.Len(t, ready, 3)
	assert.Equal(t, "E2", ready[0].EntityID)
	assert.Equal(t, "W3", ready[2].EntityID)

	require.NoError(t, st.RemoveRetry(ctx, models.EntityExecution, "E2"))
	require.NoError(t, st.RemoveRetry(ctx, models.EntityExecution, "missing"))
	ready = st.GetReadyRetries()
	require.Len(t, ready, 2)
	for _, e := range ready {
		assert.NotEqual(t, "E2", e.EntityID)
	}
}

func TestLoadRestoresRetryQueue(t *testing.T) {
	st, db, clock := setup(t)
	ctx := context.Background()

	_, err := st.AddRetry(ctx, models.EntityWorkflow, "W1", errors.New("x"))
	require.NoError(t, err)
	_, err = st.AddRetry(ctx, models.EntityWorkflow, "W2", errors.New("x"))
	require.NoError(t, err)

	logger := zerolog.Nop()
	reloaded := New("t1", db, Options{Now: clock.Now, Logger: &logger})
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.Retries(), 2)

	e, err := reloaded.AddRetry(ctx, models.EntityWorkflow, "W1", errors.New("again"))
	require.NoError(t, err)
	assert.Equal(t, 2, e.RetryCount)
}
