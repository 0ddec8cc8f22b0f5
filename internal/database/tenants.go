package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flowsync/internal/models"
)

const tenantColumns = `id, name, base_url, api_key, sync_enabled, last_sync_at, created_at, updated_at`

// UpsertTenant creates a tenant or updates its connection settings.
// last_sync_at is owned by the coordinator and is never overwritten here.
func (db *DB) UpsertTenant(ctx context.Context, t *models.Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	if t.BaseURL == "" {
		return fmt.Errorf("tenant %s: base url is required", t.ID)
	}

	now := time.Now().UTC()
	query := `
        INSERT INTO tenants (id, name, base_url, api_key, sync_enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            base_url = excluded.base_url,
            api_key = excluded.api_key,
            sync_enabled = excluded.sync_enabled,
            updated_at = excluded.updated_at
    `
	if _, err := db.ExecContext(ctx, query, t.ID, t.Name, t.BaseURL, t.APIKey, t.SyncEnabled, now, now); err != nil {
		return fmt.Errorf("failed to upsert tenant %s: %w", t.ID, err)
	}
	t.UpdatedAt = now
	return nil
}

// GetTenant returns a tenant by id.
func (db *DB) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	row := db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id)
	t, err := scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant %s: %w", id, err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by id.
func (db *DB) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	return db.queryTenants(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
}

// ListEnabledTenants returns sync-enabled tenants, least recently synced first
// (never-synced tenants lead).
func (db *DB) ListEnabledTenants(ctx context.Context) ([]models.Tenant, error) {
	return db.queryTenants(ctx, `
        SELECT `+tenantColumns+` FROM tenants
        WHERE sync_enabled = 1
        ORDER BY last_sync_at IS NOT NULL, last_sync_at ASC, id ASC`)
}

// TouchTenantSync records the moment a tenant run finished.
func (db *DB) TouchTenantSync(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE tenants SET last_sync_at = ?, updated_at = ? WHERE id = ?`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch tenant %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) queryTenants(ctx context.Context, query string, args ...any) ([]models.Tenant, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tenants, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(s rowScanner) (*models.Tenant, error) {
	var (
		t        models.Tenant
		lastSync sql.NullTime
	)
	if err := s.Scan(&t.ID, &t.Name, &t.BaseURL, &t.APIKey, &t.SyncEnabled, &lastSync, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.LastSyncAt = timePtr(lastSync)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}
