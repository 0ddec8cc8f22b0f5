package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flowsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "db_test_dir")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	dbPath := filepath.Join(tempDir, "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
}

func TestDB_Ping(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestTenants(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, tenant := range []models.Tenant{
		{ID: "a", Name: "Alpha", BaseURL: "http://a", SyncEnabled: true},
		{ID: "b", Name: "Beta", BaseURL: "http://b", SyncEnabled: true},
		{ID: "c", Name: "Gamma", BaseURL: "http://c", SyncEnabled: true},
		{ID: "off", BaseURL: "http://off", SyncEnabled: false},
	} {
		tenant := tenant
		require.NoError(t, db.UpsertTenant(ctx, &tenant))
	}

	now := time.Now().UTC()
	require.NoError(t, db.TouchTenantSync(ctx, "a", now.Add(-time.Hour)))
	require.NoError(t, db.TouchTenantSync(ctx, "b", now.Add(-2*time.Hour)))

	enabled, err := db.ListEnabledTenants(ctx)
	require.NoError(t, err)
	var ids []string
	for _, tenant := range enabled {
		ids = append(ids, tenant.ID)
	}
	// never synced first, then least recently synced
	assert.Equal(t, []string{"c", "b", "a"}, ids)

	// upsert keeps last_sync_at
	require.NoError(t, db.UpsertTenant(ctx, &models.Tenant{ID: "a", Name: "Alpha 2", BaseURL: "http://a2", SyncEnabled: true}))
	got, err := db.GetTenant(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha 2", got.Name)
	require.NotNil(t, got.LastSyncAt)
	assert.WithinDuration(t, now.Add(-time.Hour), *got.LastSyncAt, time.Millisecond)

	_, err = db.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.TouchTenantSync(ctx, "missing", now), ErrNotFound)
	assert.Error(t, db.UpsertTenant(ctx, &models.Tenant{ID: "x"}))

	all, err := db.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func workflowRecord(tenantID, remoteID string, nodes ...string) *models.WorkflowRecord {
	rec := &models.WorkflowRecord{
		Workflow: models.WorkflowRow{
			TenantID:        tenantID,
			RemoteID:        remoteID,
			Name:            "wf " + remoteID,
			Tags:            "[]",
			NodeCount:       len(nodes),
			RemoteCreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			RemoteUpdatedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			SyncedAt:        time.Now().UTC(),
		},
	}
	for _, n := range nodes {
		rec.Nodes = append(rec.Nodes, models.WorkflowNodeRow{Name: n, Parameters: "{}"})
	}
	for i := 1; i < len(nodes); i++ {
		rec.Connections = append(rec.Connections, models.WorkflowConnectionRow{
			SourceNode: nodes[i-1], TargetNode: nodes[i], ConnectionType: "main",
		})
	}
	return rec
}

func TestUpsertWorkflowReplacesChildren(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	out, err := db.UpsertWorkflow(ctx, workflowRecord("t1", "wf-1", "A", "B", "C"))
	require.NoError(t, err)
	assert.True(t, out.Created)
	// lookup + insert + 2 deletes + 3 nodes + 2 connections
	assert.Equal(t, 9, out.DBOperations)

	out, err = db.UpsertWorkflow(ctx, workflowRecord("t1", "wf-1", "X"))
	require.NoError(t, err)
	assert.False(t, out.Created)

	rec, err := db.GetWorkflow(ctx, "t1", "wf-1")
	require.NoError(t, err)
	require.Len(t, rec.Nodes, 1)
	assert.Equal(t, "X", rec.Nodes[0].Name)
	assert.Empty(t, rec.Connections)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rec.Workflow.RemoteUpdatedAt)

	// same remote id in another tenant is a different row
	out, err = db.UpsertWorkflow(ctx, workflowRecord("t2", "wf-1", "A"))
	require.NoError(t, err)
	assert.True(t, out.Created)

	counts, err := db.CountEntities(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, EntityCounts{Workflows: 1}, counts)

	_, err = db.GetWorkflow(ctx, "t1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertWorkflowRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.UpsertWorkflow(ctx, workflowRecord("t1", "wf-1", "A", "B"))
	require.NoError(t, err)

	ctxCanceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = db.UpsertWorkflow(ctxCanceled, workflowRecord("t1", "wf-1", "Z"))
	require.Error(t, err)

	rec, err := db.GetWorkflow(ctx, "t1", "wf-1")
	require.NoError(t, err)
	assert.Len(t, rec.Nodes, 2)
}

func TestExecutionsAndCleanup(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, started := range []time.Time{now.AddDate(0, 0, -40), now.AddDate(0, 0, -31), now.AddDate(0, 0, -1)} {
		stopped := started.Add(time.Second)
		rec := &models.ExecutionRecord{
			Execution: models.ExecutionRow{
				TenantID:  "t1",
				RemoteID:  string(rune('a' + i)),
				Status:    "success",
				StartedAt: started,
				StoppedAt: &stopped,
				SyncedAt:  now,
			},
			NodeResults: []models.ExecutionNodeResultRow{{NodeName: "A"}, {NodeName: "B"}},
		}
		out, err := db.UpsertExecution(ctx, rec)
		require.NoError(t, err)
		assert.True(t, out.Created)
	}

	// update replaces node results
	rec := &models.ExecutionRecord{
		Execution:   models.ExecutionRow{TenantID: "t1", RemoteID: "c", Status: "error", StartedAt: now.AddDate(0, 0, -1), SyncedAt: now},
		NodeResults: []models.ExecutionNodeResultRow{{NodeName: "A", Error: "boom"}},
	}
	out, err := db.UpsertExecution(ctx, rec)
	require.NoError(t, err)
	assert.False(t, out.Created)
	n, err := db.CountExecutionNodeResults(ctx, "t1", "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := db.DeleteExecutionsBefore(ctx, "t1", now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	n, err = db.CountExecutionNodeResults(ctx, "t1", "a")
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := db.CountEntities(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Executions)
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.GetCheckpoint(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)

	wfAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cp := &models.SyncCheckpoint{
		TenantID:           "t1",
		LastWorkflowSyncAt: &wfAt,
		TotalSyncs:         3,
		SuccessfulSyncs:    2,
		FailedSyncs:        1,
		ActiveRun: &models.ActiveRun{
			RunID:     "run-1",
			Type:      models.SyncTypeFull,
			Status:    models.SyncStatusRunning,
			StartedAt: wfAt.Add(time.Hour),
			Progress:  40,
		},
	}
	require.NoError(t, db.SaveCheckpoint(ctx, cp))

	got, err := db.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.LastWorkflowSyncAt)
	assert.True(t, wfAt.Equal(*got.LastWorkflowSyncAt))
	assert.Nil(t, got.LastExecutionSyncAt)
	assert.Equal(t, int64(3), got.TotalSyncs)
	require.NotNil(t, got.ActiveRun)
	assert.Equal(t, 40, got.ActiveRun.Progress)

	got.ActiveRun = nil
	require.NoError(t, db.SaveCheckpoint(ctx, got))
	got, err = db.GetCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got.ActiveRun)
}

func TestRetryQueueUniqueness(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Minute)

	e := &models.RetryEntry{TenantID: "t1", EntityType: models.EntityWorkflow, EntityID: "W1", RetryCount: 1, LastError: "first", NextRetryAt: next}
	require.NoError(t, db.UpsertRetry(ctx, e))
	firstID := e.ID

	e2 := &models.RetryEntry{TenantID: "t1", EntityType: models.EntityWorkflow, EntityID: "W1", RetryCount: 2, LastError: "second", NextRetryAt: next.Add(time.Minute)}
	require.NoError(t, db.UpsertRetry(ctx, e2))
	assert.Equal(t, firstID, e2.ID)

	require.NoError(t, db.UpsertRetry(ctx, &models.RetryEntry{TenantID: "t1", EntityType: models.EntityExecution, EntityID: "W1", RetryCount: 1, NextRetryAt: next}))
	require.NoError(t, db.UpsertRetry(ctx, &models.RetryEntry{TenantID: "t2", EntityType: models.EntityWorkflow, EntityID: "W1", RetryCount: 1, NextRetryAt: next}))

	entries, err := db.ListRetries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntityExecution, entries[0].EntityType)
	assert.Equal(t, 2, entries[1].RetryCount)
	assert.Equal(t, "second", entries[1].LastError)

	require.NoError(t, db.DeleteRetry(ctx, "t1", models.EntityWorkflow, "W1"))
	entries, err = db.ListRetries(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, started := range []time.Time{now.AddDate(0, 0, -45), now.Add(-2 * time.Hour), now.Add(-time.Hour)} {
		r := &models.SyncResult{
			ID:          string(rune('a' + i)),
			TenantID:    "t1",
			Type:        models.SyncTypeIncremental,
			Status:      models.SyncStatusPartial,
			StartedAt:   started,
			CompletedAt: started.Add(time.Minute),
			Duration:    time.Minute,
			Workflows:   models.CategoryCounters{Processed: i + 1, Failed: 1},
			Errors:      []models.SyncError{{Entity: models.EntityWorkflow, EntityID: "W1", Message: "boom", Timestamp: started}},
		}
		require.NoError(t, db.InsertHistory(ctx, r))
	}

	history, err := db.ListHistory(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "c", history[0].ID)
	assert.Equal(t, 3, history[0].Workflows.Processed)
	assert.Equal(t, time.Minute, history[0].Duration)
	require.Len(t, history[0].Errors, 1)
	assert.Equal(t, "boom", history[0].Errors[0].Message)

	deleted, err := db.DeleteHistoryBefore(ctx, "t1", now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
