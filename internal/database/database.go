package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// DB is the relational store shared by all tenants.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

// NewDB opens (and creates if needed) the sqlite database at path.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// одно соединение: sqlite не любит параллельных писателей
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, path: path, logger: logger}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Тенанты
		`CREATE TABLE IF NOT EXISTS tenants (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT '',
            base_url TEXT NOT NULL,
            api_key TEXT NOT NULL DEFAULT '',
            sync_enabled BOOLEAN NOT NULL DEFAULT 1,
            last_sync_at DATETIME,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		// Воркфлоу и их граф
		`CREATE TABLE IF NOT EXISTS workflows (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            tenant_id TEXT NOT NULL,
            remote_id TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            active BOOLEAN NOT NULL DEFAULT 0,
            tags TEXT NOT NULL DEFAULT '[]',
            node_count INTEGER NOT NULL DEFAULT 0,
            remote_created_at DATETIME,
            remote_updated_at DATETIME,
            synced_at DATETIME NOT NULL,
            UNIQUE(tenant_id, remote_id)
        )`,
		`CREATE TABLE IF NOT EXISTS workflow_nodes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
            node_id TEXT NOT NULL DEFAULT '',
            name TEXT NOT NULL,
            type TEXT NOT NULL DEFAULT '',
            type_version REAL NOT NULL DEFAULT 0,
            position_x REAL NOT NULL DEFAULT 0,
            position_y REAL NOT NULL DEFAULT 0,
            disabled BOOLEAN NOT NULL DEFAULT 0,
            parameters TEXT NOT NULL DEFAULT '{}'
        )`,
		`CREATE TABLE IF NOT EXISTS workflow_connections (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
            source_node TEXT NOT NULL,
            source_output INTEGER NOT NULL DEFAULT 0,
            target_node TEXT NOT NULL,
            target_input INTEGER NOT NULL DEFAULT 0,
            connection_type TEXT NOT NULL DEFAULT 'main'
        )`,
		// Выполнения
		`CREATE TABLE IF NOT EXISTS executions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            tenant_id TEXT NOT NULL,
            remote_id TEXT NOT NULL,
            workflow_remote_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT '',
            mode TEXT NOT NULL DEFAULT '',
            finished BOOLEAN NOT NULL DEFAULT 0,
            started_at DATETIME NOT NULL,
            stopped_at DATETIME,
            duration_ms INTEGER NOT NULL DEFAULT 0,
            synced_at DATETIME NOT NULL,
            UNIQUE(tenant_id, remote_id)
        )`,
		`CREATE TABLE IF NOT EXISTS execution_node_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            execution_id INTEGER NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
            node_name TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT '',
            started_at DATETIME,
            execution_time_ms INTEGER NOT NULL DEFAULT 0,
            item_count INTEGER NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT ''
        )`,
		// Состояние синхронизации
		`CREATE TABLE IF NOT EXISTS sync_checkpoints (
            tenant_id TEXT PRIMARY KEY,
            last_workflow_sync_at DATETIME,
            last_execution_sync_at DATETIME,
            last_full_sync_at DATETIME,
            last_processed_workflow_id TEXT NOT NULL DEFAULT '',
            last_processed_execution_id TEXT NOT NULL DEFAULT '',
            total_syncs INTEGER NOT NULL DEFAULT 0,
            successful_syncs INTEGER NOT NULL DEFAULT 0,
            failed_syncs INTEGER NOT NULL DEFAULT 0,
            active_run TEXT,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS sync_retry_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            tenant_id TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 1,
            last_error TEXT NOT NULL DEFAULT '',
            next_retry_at DATETIME NOT NULL,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            UNIQUE(tenant_id, entity_type, entity_id)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_history (
            id TEXT PRIMARY KEY,
            tenant_id TEXT NOT NULL,
            sync_type TEXT NOT NULL,
            status TEXT NOT NULL,
            started_at DATETIME NOT NULL,
            completed_at DATETIME NOT NULL,
            duration_ms INTEGER NOT NULL DEFAULT 0,
            workflows_processed INTEGER NOT NULL DEFAULT 0,
            workflows_created INTEGER NOT NULL DEFAULT 0,
            workflows_updated INTEGER NOT NULL DEFAULT 0,
            workflows_failed INTEGER NOT NULL DEFAULT 0,
            executions_processed INTEGER NOT NULL DEFAULT 0,
            executions_created INTEGER NOT NULL DEFAULT 0,
            executions_updated INTEGER NOT NULL DEFAULT 0,
            executions_failed INTEGER NOT NULL DEFAULT 0,
            api_calls INTEGER NOT NULL DEFAULT 0,
            db_operations INTEGER NOT NULL DEFAULT 0,
            errors TEXT NOT NULL DEFAULT '[]'
        )`,

		`CREATE INDEX IF NOT EXISTS idx_workflow_nodes_workflow ON workflow_nodes(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_connections_workflow ON workflow_connections(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tenant_started ON executions(tenant_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_node_results_execution ON execution_node_results(execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_retry_queue_next ON sync_retry_queue(tenant_id, next_retry_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_tenant ON sync_history(tenant_id, started_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
