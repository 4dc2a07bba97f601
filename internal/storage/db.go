package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationWorkers,
		migrationSessions,
		migrationAlternation,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// Run index migrations that may fail if already exists
	indexMigrations := []string{
		migrationLiveSessionUniqueness,
	}

	for _, migration := range indexMigrations {
		_, _ = db.ExecContext(ctx, migration) // Ignore errors for idempotency
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationWorkers = `
CREATE TABLE IF NOT EXISTS workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	account_id TEXT NOT NULL,
	tunnel_url TEXT,
	status TEXT NOT NULL DEFAULT 'offline',
	capabilities TEXT NOT NULL DEFAULT '{}',
	auto_managed INTEGER NOT NULL DEFAULT 0,

	-- Session counters
	session_started_at DATETIME,
	session_duration_seconds INTEGER NOT NULL DEFAULT 0,
	max_session_duration_seconds INTEGER NOT NULL DEFAULT 0,
	scheduled_stop_at DATETIME,

	-- Weekly counters (family K)
	weekly_usage_seconds INTEGER NOT NULL DEFAULT 0,
	max_weekly_seconds INTEGER,
	week_started_at DATETIME,

	-- Cooldown (family C)
	cooldown_until DATETIME,

	provider_limits TEXT NOT NULL DEFAULT '{}',
	last_used_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

	UNIQUE(provider, account_id)
);
`

const migrationSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'starting',
	tunnel_url TEXT,

	started_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	terminated_at DATETIME,

	duration_seconds INTEGER NOT NULL DEFAULT 0,
	shutdown_reason TEXT,

	FOREIGN KEY (worker_id) REFERENCES workers(id)
);
`

const migrationAlternation = `
CREATE TABLE IF NOT EXISTS alternation_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_started TEXT,
	last_stopped TEXT,
	start_history TEXT NOT NULL DEFAULT '[]',
	stop_history TEXT NOT NULL DEFAULT '[]',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_workers_provider ON workers(provider);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
CREATE INDEX IF NOT EXISTS idx_sessions_worker_id ON sessions(worker_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
`

// migrationLiveSessionUniqueness is the authoritative mutual-exclusion
// primitive: a worker may hold at most one live session. Application-level
// checks exist too, but this index is what wins races.
const migrationLiveSessionUniqueness = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_worker_live
ON sessions(worker_id)
WHERE status IN ('starting', 'active', 'idle');
`
