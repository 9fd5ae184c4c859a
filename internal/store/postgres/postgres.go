// Package postgres opens the job queue store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/RezaEskandarii/tradeflow/internal/constants"
	"github.com/RezaEskandarii/tradeflow/internal/store/sqlstore"
)

const driverName = "postgres"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS core_job_queue (
		id                BIGSERIAL PRIMARY KEY,
		class             TEXT        NOT NULL,
		arguments         JSONB       NOT NULL DEFAULT '{}',
		queue             TEXT        NOT NULL DEFAULT 'default',
		block_uuid        TEXT        NULL,
		job_index         INTEGER     NULL,
		sequencial_id     BIGINT      NULL UNIQUE,
		canonical         TEXT        NULL,
		dispatch_after    TIMESTAMPTZ NULL,
		status            TEXT        NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'complete', 'failed')),
		hostname          TEXT        NULL,
		started_at        TIMESTAMPTZ NULL,
		completed_at      TIMESTAMPTZ NULL,
		duration          BIGINT      NULL,
		response          TEXT        NULL,
		error_message     TEXT        NULL,
		error_stack_trace TEXT        NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_core_job_queue_due ON core_job_queue (status, dispatch_after, id)`,
	`CREATE INDEX IF NOT EXISTS idx_core_job_queue_block ON core_job_queue (block_uuid, job_index)`,
	`CREATE INDEX IF NOT EXISTS idx_core_job_queue_canonical ON core_job_queue (canonical) WHERE canonical IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS rate_limits (
		id          BIGSERIAL PRIMARY KEY,
		account_id  BIGINT      NOT NULL,
		api_system  TEXT        NOT NULL,
		hostname    TEXT        NOT NULL,
		kind        TEXT        NOT NULL CHECK (kind IN ('throttle', 'forbid')),
		retry_after TIMESTAMPTZ NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (account_id, api_system, hostname, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limits_forbid ON rate_limits (api_system, hostname) WHERE kind = 'forbid'`,
}

// Dialect serializes sequential id allocation with a transaction scoped
// advisory lock, released automatically on commit or rollback.
var Dialect = sqlstore.Dialect{
	Name:   driverName,
	Schema: schema,
	LockSequence: func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", constants.SequenceLock)
		return err
	},
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sqlx.Open(driverName, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return sqlstore.New(db, Dialect, opts...), nil
}

// NewStore wraps an already opened connection pool.
func NewStore(db *sql.DB, opts ...sqlstore.Option) *sqlstore.Store {
	return sqlstore.New(sqlx.NewDb(db, driverName), Dialect, opts...)
}
