package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowsync/internal/models"
)

// GetCheckpoint returns the checkpoint of a tenant.
func (db *DB) GetCheckpoint(ctx context.Context, tenantID string) (*models.SyncCheckpoint, error) {
	var (
		cp                      models.SyncCheckpoint
		lastWf, lastEx, lastFul sql.NullTime
		activeRun               sql.NullString
	)
	err := db.QueryRowContext(ctx, `
        SELECT tenant_id, last_workflow_sync_at, last_execution_sync_at, last_full_sync_at,
               last_processed_workflow_id, last_processed_execution_id,
               total_syncs, successful_syncs, failed_syncs, active_run, updated_at
        FROM sync_checkpoints WHERE tenant_id = ?`, tenantID,
	).Scan(
		&cp.TenantID, &lastWf, &lastEx, &lastFul,
		&cp.LastProcessedWorkflowID, &cp.LastProcessedExecutionID,
		&cp.TotalSyncs, &cp.SuccessfulSyncs, &cp.FailedSyncs, &activeRun, &cp.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", tenantID, err)
	}

	cp.LastWorkflowSyncAt = timePtr(lastWf)
	cp.LastExecutionSyncAt = timePtr(lastEx)
	cp.LastFullSyncAt = timePtr(lastFul)
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	if activeRun.Valid && activeRun.String != "" {
		var run models.ActiveRun
		if err := json.Unmarshal([]byte(activeRun.String), &run); err != nil {
			return nil, fmt.Errorf("decode active run of %s: %w", tenantID, err)
		}
		run.StartedAt = run.StartedAt.UTC()
		cp.ActiveRun = &run
	}
	return &cp, nil
}

// SaveCheckpoint writes the full checkpoint row of a tenant.
func (db *DB) SaveCheckpoint(ctx context.Context, cp *models.SyncCheckpoint) error {
	var activeRun sql.NullString
	if cp.ActiveRun != nil {
		b, err := json.Marshal(cp.ActiveRun)
		if err != nil {
			return fmt.Errorf("encode active run: %w", err)
		}
		activeRun = sql.NullString{String: string(b), Valid: true}
	}

	cp.UpdatedAt = time.Now().UTC()
	query := `
        INSERT INTO sync_checkpoints (tenant_id, last_workflow_sync_at, last_execution_sync_at, last_full_sync_at,
            last_processed_workflow_id, last_processed_execution_id, total_syncs, successful_syncs, failed_syncs,
            active_run, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tenant_id) DO UPDATE SET
            last_workflow_sync_at = excluded.last_workflow_sync_at,
            last_execution_sync_at = excluded.last_execution_sync_at,
            last_full_sync_at = excluded.last_full_sync_at,
            last_processed_workflow_id = excluded.last_processed_workflow_id,
            last_processed_execution_id = excluded.last_processed_execution_id,
            total_syncs = excluded.total_syncs,
            successful_syncs = excluded.successful_syncs,
            failed_syncs = excluded.failed_syncs,
            active_run = excluded.active_run,
            updated_at = excluded.updated_at
    `
	_, err := db.ExecContext(ctx, query,
		cp.TenantID,
		nullTime(cp.LastWorkflowSyncAt),
		nullTime(cp.LastExecutionSyncAt),
		nullTime(cp.LastFullSyncAt),
		cp.LastProcessedWorkflowID,
		cp.LastProcessedExecutionID,
		cp.TotalSyncs,
		cp.SuccessfulSyncs,
		cp.FailedSyncs,
		activeRun,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.TenantID, err)
	}
	return nil
}

// UpsertRetry inserts a retry entry or overwrites the existing one for the same key.
func (db *DB) UpsertRetry(ctx context.Context, e *models.RetryEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
        INSERT INTO sync_retry_queue (tenant_id, entity_type, entity_id, retry_count, last_error, next_retry_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(tenant_id, entity_type, entity_id) DO UPDATE SET
            retry_count = excluded.retry_count,
            last_error = excluded.last_error,
            next_retry_at = excluded.next_retry_at,
            updated_at = excluded.updated_at
        RETURNING id
    `
	err := db.QueryRowContext(ctx, query,
		e.TenantID, string(e.EntityType), e.EntityID, e.RetryCount, e.LastError,
		e.NextRetryAt.UTC(), e.CreatedAt.UTC(), e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert retry %s/%s: %w", e.EntityType, e.EntityID, err)
	}
	return nil
}

// ListRetries returns a tenant's retry queue ordered by next attempt.
func (db *DB) ListRetries(ctx context.Context, tenantID string) ([]models.RetryEntry, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, tenant_id, entity_type, entity_id, retry_count, last_error, next_retry_at, created_at, updated_at
        FROM sync_retry_queue WHERE tenant_id = ?
        ORDER BY next_retry_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retries: %w", err)
	}
	defer rows.Close()

	var entries []models.RetryEntry
	for rows.Next() {
		var (
			e          models.RetryEntry
			entityType string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &entityType, &e.EntityID, &e.RetryCount, &e.LastError, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry: %w", err)
		}
		e.EntityType = models.EntityType(entityType)
		e.NextRetryAt = e.NextRetryAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		e.UpdatedAt = e.UpdatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteRetry removes one retry entry.
func (db *DB) DeleteRetry(ctx context.Context, tenantID string, entityType models.EntityType, entityID string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM sync_retry_queue WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?`,
		tenantID, string(entityType), entityID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete retry %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// InsertHistory appends a finished run to the sync history.
func (db *DB) InsertHistory(ctx context.Context, r *models.SyncResult) error {
	errs := r.Errors
	if errs == nil {
		errs = []models.SyncError{}
	}
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}

	query := `
        INSERT INTO sync_history (id, tenant_id, sync_type, status, started_at, completed_at, duration_ms,
            workflows_processed, workflows_created, workflows_updated, workflows_failed,
            executions_processed, executions_created, executions_updated, executions_failed,
            api_calls, db_operations, errors)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err = db.ExecContext(ctx, query,
		r.ID, r.TenantID, string(r.Type), string(r.Status),
		r.StartedAt.UTC(), r.CompletedAt.UTC(), r.Duration.Milliseconds(),
		r.Workflows.Processed, r.Workflows.Created, r.Workflows.Updated, r.Workflows.Failed,
		r.Executions.Processed, r.Executions.Created, r.Executions.Updated, r.Executions.Failed,
		r.APICalls, r.DBOperations, string(errJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync history %s: %w", r.ID, err)
	}
	return nil
}

// ListHistory returns a tenant's most recent runs, newest first.
func (db *DB) ListHistory(ctx context.Context, tenantID string, limit int) ([]models.SyncResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
        SELECT id, tenant_id, sync_type, status, started_at, completed_at, duration_ms,
            workflows_processed, workflows_created, workflows_updated, workflows_failed,
            executions_processed, executions_created, executions_updated, executions_failed,
            api_calls, db_operations, errors
        FROM sync_history WHERE tenant_id = ?
        ORDER BY started_at DESC, rowid DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var out []models.SyncResult
	for rows.Next() {
		var (
			r          models.SyncResult
			syncType   string
			status     string
			durationMs int64
			errJSON    string
		)
		err := rows.Scan(
			&r.ID, &r.TenantID, &syncType, &status, &r.StartedAt, &r.CompletedAt, &durationMs,
			&r.Workflows.Processed, &r.Workflows.Created, &r.Workflows.Updated, &r.Workflows.Failed,
			&r.Executions.Processed, &r.Executions.Created, &r.Executions.Updated, &r.Executions.Failed,
			&r.APICalls, &r.DBOperations, &errJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		r.Type = models.SyncType(syncType)
		r.Status = models.SyncStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.StartedAt = r.StartedAt.UTC()
		r.CompletedAt = r.CompletedAt.UTC()
		if errJSON != "" {
			if err := json.Unmarshal([]byte(errJSON), &r.Errors); err != nil {
				return nil, fmt.Errorf("decode errors of %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteHistoryBefore removes a tenant's history rows started before cutoff.
func (db *DB) DeleteHistoryBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM sync_history WHERE tenant_id = ? AND started_at < ?`, tenantID, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sync history of %s: %w", tenantID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
