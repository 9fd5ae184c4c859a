// Package sqlite opens the job queue store on an embedded SQLite database.
// It suits single host deployments and tests; Postgres is the shared store
// for multi host worker fleets.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Register sqlite driver

	"github.com/RezaEskandarii/tradeflow/internal/store/sqlstore"
)

const driverName = "sqlite"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS core_job_queue (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		class             TEXT     NOT NULL,
		arguments         TEXT     NOT NULL DEFAULT '{}',
		queue             TEXT     NOT NULL DEFAULT 'default',
		block_uuid        TEXT     NULL,
		job_index         INTEGER  NULL,
		sequencial_id     INTEGER  NULL UNIQUE,
		canonical         TEXT     NULL,
		dispatch_after    DATETIME NULL,
		status            TEXT     NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'complete', 'failed')),
		hostname          TEXT     NULL,
		started_at        DATETIME NULL,
		completed_at      DATETIME NULL,
		duration          INTEGER  NULL,
		response          TEXT     NULL,
		error_message     TEXT     NULL,
		error_stack_trace TEXT     NULL,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_core_job_queue_due ON core_job_queue (status, dispatch_after, id)`,
	`CREATE INDEX IF NOT EXISTS idx_core_job_queue_block ON core_job_queue (block_uuid, job_index)`,
	`CREATE INDEX IF NOT EXISTS idx_core_job_queue_canonical ON core_job_queue (canonical)`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id  INTEGER  NOT NULL,
		api_system  TEXT     NOT NULL,
		hostname    TEXT     NOT NULL,
		kind        TEXT     NOT NULL CHECK (kind IN ('throttle', 'forbid')),
		retry_after DATETIME NULL,
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL,
		UNIQUE (account_id, api_system, hostname, kind)
	)`,
}

// Dialect needs no explicit sequence lock: file databases open every
// transaction with BEGIN IMMEDIATE, which already serializes writers, and
// in-memory databases run on a single connection.
var Dialect = sqlstore.Dialect{
	Name:   driverName,
	Schema: schema,
}

// Open opens path (a file name or ":memory:") and migrates the schema.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sqlx.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection; multiple connections each get a
	// separate empty database. Limit to one connection so migrations and
	// queries all see the same data.
	if isMemory(path) {
		db.SetMaxOpenConns(1)
	}

	s := sqlstore.New(db, Dialect, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

func dsn(path string) string {
	params := []string{"_time_format=sqlite", "_pragma=foreign_keys(1)"}
	if !isMemory(path) {
		params = append(params,
			"_txlock=immediate",
			"_pragma=journal_mode(WAL)",
			"_pragma=busy_timeout(5000)",
		)
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}
