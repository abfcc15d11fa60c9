package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; concurrent role dispatches queue on the pool.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the run journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_run (
  id           TEXT PRIMARY KEY,
  workdir      TEXT NOT NULL,
  max_turns    INTEGER NOT NULL,
  started_at   TEXT NOT NULL,
  finished_at  TEXT,
  outcome      TEXT NOT NULL DEFAULT 'running',
  final_phase  TEXT,
  turns        INTEGER NOT NULL DEFAULT 0,
  dispatches   JSON NOT NULL DEFAULT '{}',
  missing      JSON NOT NULL DEFAULT '[]',
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS workflow_turn (
  run_id         TEXT NOT NULL REFERENCES workflow_run(id) ON DELETE CASCADE,
  turn           INTEGER NOT NULL,
  phase          TEXT NOT NULL,
  gate_satisfied INTEGER NOT NULL,
  missing        JSON NOT NULL DEFAULT '[]',
  skipped        JSON NOT NULL DEFAULT '[]',
  current_phase  TEXT NOT NULL,
  dispatched     JSON NOT NULL DEFAULT '[]',
  created_at     TEXT NOT NULL,
  PRIMARY KEY (run_id, turn)
);`,
		`CREATE TABLE IF NOT EXISTS role_dispatch (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id       TEXT NOT NULL REFERENCES workflow_run(id) ON DELETE CASCADE,
  turn         INTEGER NOT NULL,
  phase        TEXT NOT NULL,
  role         TEXT NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  completed_at TEXT NOT NULL,
  last_error   TEXT,
  output       TEXT
);`,
		`CREATE INDEX IF NOT EXISTS workflow_run_started_at_idx ON workflow_run(started_at);`,
		`CREATE INDEX IF NOT EXISTS role_dispatch_run_turn_idx ON role_dispatch(run_id, turn);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
