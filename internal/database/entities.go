package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowsync/internal/models"
)

// UpsertWorkflow writes a workflow and replaces its nodes and connections
// inside one transaction.
func (db *DB) UpsertWorkflow(ctx context.Context, rec *models.WorkflowRecord) (models.UpsertOutcome, error) {
	var out models.UpsertOutcome
	w := rec.Workflow

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		out = models.UpsertOutcome{}

		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM workflows WHERE tenant_id = ? AND remote_id = ?`,
			w.TenantID, w.RemoteID,
		).Scan(&id)
		out.DBOperations++

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
                INSERT INTO workflows (tenant_id, remote_id, name, active, tags, node_count, remote_created_at, remote_updated_at, synced_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				w.TenantID, w.RemoteID, w.Name, w.Active, w.Tags, w.NodeCount,
				nullTime(&w.RemoteCreatedAt), nullTime(&w.RemoteUpdatedAt), w.SyncedAt.UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert workflow: %w", err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("workflow id: %w", err)
			}
			out.Created = true
		case err != nil:
			return fmt.Errorf("lookup workflow: %w", err)
		default:
			_, err := tx.ExecContext(ctx, `
                UPDATE workflows SET name = ?, active = ?, tags = ?, node_count = ?,
                    remote_created_at = ?, remote_updated_at = ?, synced_at = ?
                WHERE id = ?`,
				w.Name, w.Active, w.Tags, w.NodeCount,
				nullTime(&w.RemoteCreatedAt), nullTime(&w.RemoteUpdatedAt), w.SyncedAt.UTC(), id,
			)
			if err != nil {
				return fmt.Errorf("update workflow: %w", err)
			}
		}
		out.DBOperations++

		for _, q := range []string{
			`DELETE FROM workflow_nodes WHERE workflow_id = ?`,
			`DELETE FROM workflow_connections WHERE workflow_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("clear workflow children: %w", err)
			}
			out.DBOperations++
		}

		for _, n := range rec.Nodes {
			_, err := tx.ExecContext(ctx, `
                INSERT INTO workflow_nodes (workflow_id, node_id, name, type, type_version, position_x, position_y, disabled, parameters)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, n.NodeID, n.Name, n.Type, n.TypeVersion, n.PositionX, n.PositionY, n.Disabled, n.Parameters,
			)
			if err != nil {
				return fmt.Errorf("insert node %q: %w", n.Name, err)
			}
			out.DBOperations++
		}
		for _, c := range rec.Connections {
			_, err := tx.ExecContext(ctx, `
                INSERT INTO workflow_connections (workflow_id, source_node, source_output, target_node, target_input, connection_type)
                VALUES (?, ?, ?, ?, ?, ?)`,
				id, c.SourceNode, c.SourceOutput, c.TargetNode, c.TargetInput, c.ConnectionType,
			)
			if err != nil {
				return fmt.Errorf("insert connection %s->%s: %w", c.SourceNode, c.TargetNode, err)
			}
			out.DBOperations++
		}

		rec.Workflow.ID = id
		return nil
	})
	if err != nil {
		return models.UpsertOutcome{}, fmt.Errorf("failed to upsert workflow %s/%s: %w", w.TenantID, w.RemoteID, err)
	}
	return out, nil
}

// UpsertExecution writes an execution and replaces its node results inside
// one transaction.
func (db *DB) UpsertExecution(ctx context.Context, rec *models.ExecutionRecord) (models.UpsertOutcome, error) {
	var out models.UpsertOutcome
	e := rec.Execution

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		out = models.UpsertOutcome{}

		var id int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM executions WHERE tenant_id = ? AND remote_id = ?`,
			e.TenantID, e.RemoteID,
		).Scan(&id)
		out.DBOperations++

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
                INSERT INTO executions (tenant_id, remote_id, workflow_remote_id, status, mode, finished, started_at, stopped_at, duration_ms, synced_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.TenantID, e.RemoteID, e.WorkflowRemoteID, e.Status, e.Mode, e.Finished,
				e.StartedAt.UTC(), nullTime(e.StoppedAt), e.DurationMs, e.SyncedAt.UTC(),
			)
			if err != nil {
				return fmt.Errorf("insert execution: %w", err)
			}
			if id, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("execution id: %w", err)
			}
			out.Created = true
		case err != nil:
			return fmt.Errorf("lookup execution: %w", err)
		default:
			_, err := tx.ExecContext(ctx, `
                UPDATE executions SET workflow_remote_id = ?, status = ?, mode = ?, finished = ?,
                    started_at = ?, stopped_at = ?, duration_ms = ?, synced_at = ?
                WHERE id = ?`,
				e.WorkflowRemoteID, e.Status, e.Mode, e.Finished,
				e.StartedAt.UTC(), nullTime(e.StoppedAt), e.DurationMs, e.SyncedAt.UTC(), id,
			)
			if err != nil {
				return fmt.Errorf("update execution: %w", err)
			}
		}
		out.DBOperations++

		if _, err := tx.ExecContext(ctx, `DELETE FROM execution_node_results WHERE execution_id = ?`, id); err != nil {
			return fmt.Errorf("clear node results: %w", err)
		}
		out.DBOperations++

		for _, nr := range rec.NodeResults {
			_, err := tx.ExecContext(ctx, `
                INSERT INTO execution_node_results (execution_id, node_name, status, started_at, execution_time_ms, item_count, error)
                VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, nr.NodeName, nr.Status, nullTime(&nr.StartedAt), nr.ExecutionTimeMs, nr.ItemCount, nr.Error,
			)
			if err != nil {
				return fmt.Errorf("insert node result %q: %w", nr.NodeName, err)
			}
			out.DBOperations++
		}

		rec.Execution.ID = id
		return nil
	})
	if err != nil {
		return models.UpsertOutcome{}, fmt.Errorf("failed to upsert execution %s/%s: %w", e.TenantID, e.RemoteID, err)
	}
	return out, nil
}

// GetWorkflow loads a stored workflow with its graph.
func (db *DB) GetWorkflow(ctx context.Context, tenantID, remoteID string) (*models.WorkflowRecord, error) {
	var (
		rec              models.WorkflowRecord
		created, updated sql.NullTime
	)
	w := &rec.Workflow
	err := db.QueryRowContext(ctx, `
        SELECT id, tenant_id, remote_id, name, active, tags, node_count, remote_created_at, remote_updated_at, synced_at
        FROM workflows WHERE tenant_id = ? AND remote_id = ?`, tenantID, remoteID,
	).Scan(&w.ID, &w.TenantID, &w.RemoteID, &w.Name, &w.Active, &w.Tags, &w.NodeCount, &created, &updated, &w.SyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s/%s: %w", tenantID, remoteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	if created.Valid {
		w.RemoteCreatedAt = created.Time.UTC()
	}
	if updated.Valid {
		w.RemoteUpdatedAt = updated.Time.UTC()
	}
	w.SyncedAt = w.SyncedAt.UTC()

	nodes, err := db.QueryContext(ctx, `
        SELECT node_id, name, type, type_version, position_x, position_y, disabled, parameters
        FROM workflow_nodes WHERE workflow_id = ? ORDER BY id`, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow nodes: %w", err)
	}
	for nodes.Next() {
		var n models.WorkflowNodeRow
		if err := nodes.Scan(&n.NodeID, &n.Name, &n.Type, &n.TypeVersion, &n.PositionX, &n.PositionY, &n.Disabled, &n.Parameters); err != nil {
			nodes.Close()
			return nil, fmt.Errorf("failed to scan workflow node: %w", err)
		}
		rec.Nodes = append(rec.Nodes, n)
	}
	nodes.Close()
	if err := nodes.Err(); err != nil {
		return nil, err
	}

	conns, err := db.QueryContext(ctx, `
        SELECT source_node, source_output, target_node, target_input, connection_type
        FROM workflow_connections WHERE workflow_id = ? ORDER BY id`, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow connections: %w", err)
	}
	defer conns.Close()
	for conns.Next() {
		var c models.WorkflowConnectionRow
		if err := conns.Scan(&c.SourceNode, &c.SourceOutput, &c.TargetNode, &c.TargetInput, &c.ConnectionType); err != nil {
			return nil, fmt.Errorf("failed to scan workflow connection: %w", err)
		}
		rec.Connections = append(rec.Connections, c)
	}
	return &rec, conns.Err()
}

// CountExecutionNodeResults returns the number of stored node results of an execution.
func (db *DB) CountExecutionNodeResults(ctx context.Context, tenantID, remoteID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM execution_node_results r
        JOIN executions e ON e.id = r.execution_id
        WHERE e.tenant_id = ? AND e.remote_id = ?`, tenantID, remoteID).Scan(&n)
	return n, err
}

// EntityCounts is the number of stored rows of one tenant.
type EntityCounts struct {
	Workflows  int `json:"workflows"`
	Executions int `json:"executions"`
}

// CountEntities returns the stored workflow and execution counts of a tenant.
func (db *DB) CountEntities(ctx context.Context, tenantID string) (EntityCounts, error) {
	var c EntityCounts
	err := db.QueryRowContext(ctx, `
        SELECT
            (SELECT COUNT(*) FROM workflows WHERE tenant_id = ?),
            (SELECT COUNT(*) FROM executions WHERE tenant_id = ?)`,
		tenantID, tenantID,
	).Scan(&c.Workflows, &c.Executions)
	if err != nil {
		return EntityCounts{}, fmt.Errorf("failed to count entities: %w", err)
	}
	return c, nil
}

// DeleteExecutionsBefore removes a tenant's executions (and their node results)
// started before cutoff.
func (db *DB) DeleteExecutionsBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	var deleted int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
            DELETE FROM execution_node_results WHERE execution_id IN (
                SELECT id FROM executions WHERE tenant_id = ? AND started_at < ?
            )`, tenantID, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete node results: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE tenant_id = ? AND started_at < ?`, tenantID, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up executions of %s: %w", tenantID, err)
	}
	return deleted, nil
}
