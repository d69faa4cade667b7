// Package persistence gives the orchestrator a durable record of what AppState otherwise
// only holds in memory: completed-agent history, per-issue fixer attempt counts, and the
// budget spend ledger. Everything else AppState tracks - running agents, the queue
// snapshot, planner status - is reconstructed from the Tracker on restart (Executor's
// stale-recovery pass doubles as the post-restart recovery path) and is deliberately never
// written here.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// schemaVersion is bumped whenever the table layout below changes. It exists so a future
// migration can tell an empty database from one already at the current layout.
const schemaVersion = 1

// Store is a SQLite-backed handle on the durable subset of orchestrator state.
type Store struct {
	db *sql.DB
}

// Open creates (or reopens) the SQLite database at path and ensures its schema is current.
// Safe to call against a path that doesn't exist yet; the parent directory must exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// initSchema creates every table if absent. Table creation is idempotent
// (CREATE TABLE IF NOT EXISTS); there is only one schema version so far, so there is
// nothing yet to migrate between.
func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id    TEXT NOT NULL,
			kind        TEXT NOT NULL,
			issue_uuid  TEXT NOT NULL DEFAULT '',
			identifier  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			cost_usd    REAL NOT NULL DEFAULT 0,
			num_turns   INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			summary     TEXT NOT NULL DEFAULT '',
			pr_number   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_finished_at ON history(finished_at)`,
		`CREATE TABLE IF NOT EXISTS fixer_attempts (
			issue_uuid        TEXT PRIMARY KEY,
			attempt_count     INTEGER NOT NULL DEFAULT 0,
			last_seen_in_view DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS budget_ledger (
			id                INTEGER PRIMARY KEY CHECK (id = 1),
			daily_spend_usd   REAL NOT NULL DEFAULT 0,
			monthly_spend_usd REAL NOT NULL DEFAULT 0,
			updated_at        DATETIME NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	if _, err := db.Exec(
		`INSERT INTO schema_meta(key, value) VALUES ('version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprintf("%d", schemaVersion),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return nil
}
