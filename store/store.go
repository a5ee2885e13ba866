// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/keepsake-foundation/keepsake/lib/clock"
	"github.com/keepsake-foundation/keepsake/lib/sqlitepool"
)

// Store manages the hub's SQLite database.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults
	// to 4 if zero or negative.
	PoolSize int

	// Clock provides the current time for created_at/updated_at
	// columns and eligibility checks.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

const schema = `
	CREATE TABLE IF NOT EXISTS nodes (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		status       TEXT NOT NULL,
		secret_hash  BLOB NOT NULL,
		version      TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL,
		last_seen_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		node       TEXT NOT NULL,
		enabled    INTEGER NOT NULL DEFAULT 1,
		schedule   TEXT NOT NULL DEFAULT '',
		timezone   TEXT NOT NULL DEFAULT '',
		overlap    TEXT NOT NULL,
		target     BLOB NOT NULL,
		retention  BLOB,
		recipient  TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		job_id       TEXT NOT NULL REFERENCES jobs(id),
		status       TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		node         TEXT NOT NULL,
		target       BLOB,
		progress     TEXT NOT NULL DEFAULT '',
		error        TEXT NOT NULL DEFAULT '',
		started_at   INTEGER,
		ended_at     INTEGER,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

	CREATE TABLE IF NOT EXISTS artifacts (
		id              TEXT PRIMARY KEY,
		job_id          TEXT NOT NULL REFERENCES jobs(id),
		run_id          TEXT NOT NULL REFERENCES runs(id),
		name            TEXT NOT NULL,
		node            TEXT NOT NULL DEFAULT '',
		target          BLOB,
		size_bytes      INTEGER NOT NULL,
		checksum        TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		pinned          INTEGER NOT NULL DEFAULT 0,
		pinned_by       TEXT NOT NULL DEFAULT '',
		deleted_by      TEXT NOT NULL DEFAULT '',
		delete_reason   TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		deleted_at      INTEGER,
		last_attempt_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id, status);
	CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_job_name ON artifacts(job_id, name);

	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		payload         BLOB NOT NULL,
		status          TEXT NOT NULL,
		attempts        INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		last_error      TEXT NOT NULL DEFAULT '',
		last_error_kind TEXT NOT NULL DEFAULT '',
		dedupe_key      TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_eligible ON tasks(status, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_dedupe ON tasks(dedupe_key) WHERE dedupe_key IS NOT NULL;

	CREATE TABLE IF NOT EXISTS task_events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		at          INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		attempt     INTEGER NOT NULL,
		detail      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);

	CREATE TABLE IF NOT EXISTS retention_counters (
		job_id  TEXT NOT NULL,
		day     TEXT NOT NULL,
		deleted INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (job_id, day)
	);

	CREATE TABLE IF NOT EXISTS secrets (
		namespace  TEXT NOT NULL,
		name       TEXT NOT NULL,
		nonce      BLOB NOT NULL,
		ciphertext BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, name)
	);
`

// Open opens (creating if necessary) the hub database and applies the
// schema. Schema statements are all IF NOT EXISTS, so reopening an
// existing database is a no-op.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("store: Logger is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// nowNanos returns the current time as Unix nanoseconds.
func (s *Store) nowNanos() int64 {
	return s.clock.Now().UnixNano()
}
