// Package sqlstore implements store.Store on top of sqlx. Queries are written
// with ? placeholders and rebound for the connected driver, so the same code
// serves Postgres and SQLite; dialect specific behaviour lives in Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/RezaEskandarii/tradeflow/custom_errors"
	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

var _ store.Store = (*Store)(nil)

// ErrStateConflict is returned when an entry is not in the status an operation requires.
var ErrStateConflict = errors.New("store: entry is not in the expected status")

const entryColumns = `id, class, arguments, queue, block_uuid, job_index, sequencial_id,
	canonical, dispatch_after, status, hostname, started_at, completed_at, duration,
	response, error_message, error_stack_trace, created_at, updated_at`

const rateLimitColumns = `id, account_id, api_system, hostname, kind, retry_after, created_at, updated_at`

// Dialect carries the statements that differ between database engines.
type Dialect struct {
	Name string

	// Schema is executed in order by Migrate.
	Schema []string

	// LockSequence runs first inside the sequential id transaction and must
	// serialize concurrent allocators until the transaction ends.
	LockSequence func(ctx context.Context, tx *sqlx.Tx) error
}

type Store struct {
	db      *sqlx.DB
	dialect Dialect
	now     func() time.Time
}

type Option func(*Store)

// WithClock replaces time.Now for created_at / updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sqlx.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying connection pool.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect.Name, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() time.Time {
	return s.now().UTC()
}

func validateSpec(spec types.EntrySpec) error {
	verr := &custom_errors.ValidationError{}
	if spec.Class == "" {
		verr.AddField("class", "is required")
	}
	if spec.Queue == "" {
		verr.AddField("queue", "is required")
	}
	if verr.HasError() {
		return fmt.Errorf("%w: %w", store.ErrInvalidSpec, verr)
	}
	return nil
}

type execQueryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	Rebind(query string) string
}

func (s *Store) insert(ctx context.Context, q execQueryer, spec types.EntrySpec) (int64, error) {
	if err := validateSpec(spec); err != nil {
		return 0, err
	}

	args := spec.Arguments
	if args == nil {
		args = types.Arguments{}
	}

	var dispatchAfter *time.Time
	if spec.DispatchAfter != nil {
		utc := spec.DispatchAfter.UTC()
		dispatchAfter = &utc
	}

	now := s.stamp()
	query := q.Rebind(`
		INSERT INTO core_job_queue (
			class, arguments, queue, block_uuid, job_index,
			canonical, dispatch_after, status, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := q.QueryRowxContext(ctx, query,
		spec.Class,
		args,
		spec.Queue,
		spec.BlockUUID,
		spec.Index,
		spec.Canonical,
		dispatchAfter,
		state.StatusPending,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert entry %s: %w", spec.Class, err)
	}
	return id, nil
}

func (s *Store) Create(ctx context.Context, spec types.EntrySpec) (int64, error) {
	return s.insert(ctx, s.db, spec)
}

func (s *Store) BulkCreate(ctx context.Context, specs []types.EntrySpec) ([]int64, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("bulk create: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(specs))
	for _, spec := range specs {
		id, err := s.insert(ctx, tx, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("bulk create: commit: %w", err)
	}
	return ids, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*types.Entry, error) {
	var entry types.Entry
	err := s.db.GetContext(ctx, &entry, s.db.Rebind(`SELECT `+entryColumns+` FROM core_job_queue WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, store.ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find entry %d: %w", id, err)
	}
	return &entry, nil
}

func (s *Store) FetchDue(ctx context.Context, now time.Time, queues []string, limit int) ([]types.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM core_job_queue
		WHERE status = ? AND (dispatch_after IS NULL OR dispatch_after <= ?)`
	args := []any{state.StatusPending, now.UTC()}

	if len(queues) > 0 {
		query += ` AND queue IN (?)`
		args = append(args, queues)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch due: expand queues: %w", err)
	}

	var entries []types.Entry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	return entries, nil
}

func (s *Store) Claim(ctx context.Context, id int64, hostname string, now time.Time) (bool, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE core_job_queue
		SET status = ?,
		    hostname = ?,
		    started_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ? AND (dispatch_after IS NULL OR dispatch_after <= ?)
	`), state.StatusRunning, hostname, now, s.stamp(), id, state.StatusPending, now)
	if err != nil {
		return false, fmt.Errorf("claim entry %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *Store) AssignSequentialID(ctx context.Context, id int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("assign sequential id: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.LockSequence != nil {
		if err := s.dialect.LockSequence(ctx, tx); err != nil {
			return 0, fmt.Errorf("assign sequential id: lock: %w", err)
		}
	}

	var current sql.NullInt64
	err = tx.QueryRowxContext(ctx, tx.Rebind(`SELECT sequencial_id FROM core_job_queue WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("entry %d: %w", id, store.ErrEntryNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("assign sequential id: read entry: %w", err)
	}
	if current.Valid {
		return current.Int64, tx.Commit()
	}

	var max int64
	if err := tx.QueryRowxContext(ctx, `SELECT COALESCE(MAX(sequencial_id), 0) FROM core_job_queue`).Scan(&max); err != nil {
		return 0, fmt.Errorf("assign sequential id: read max: %w", err)
	}

	next := max + 1
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE core_job_queue SET sequencial_id = ? WHERE id = ? AND sequencial_id IS NULL
	`), next, id); err != nil {
		return 0, fmt.Errorf("assign sequential id: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("assign sequential id: commit: %w", err)
	}
	return next, nil
}

func (s *Store) startedAt(ctx context.Context, id int64) (*time.Time, error) {
	var started *time.Time
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`SELECT started_at FROM core_job_queue WHERE id = ?`), id).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, store.ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read started_at of entry %d: %w", id, err)
	}
	return started, nil
}

func durationMillis(started *time.Time, now time.Time) int64 {
	if started == nil {
		return 0
	}
	d := now.Sub(*started).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

func (s *Store) MarkComplete(ctx context.Context, id int64, response *string, now time.Time) error {
	started, err := s.startedAt(ctx, id)
	if err != nil {
		return err
	}

	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE core_job_queue
		SET status = ?,
		    response = ?,
		    completed_at = ?,
		    duration = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`), state.StatusComplete, response, now, durationMillis(started, now), s.stamp(), id, state.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark entry %d complete: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("mark entry %d complete: %w", id, ErrStateConflict)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, id int64, message, stackTrace string, now time.Time) error {
	started, err := s.startedAt(ctx, id)
	if err != nil {
		return err
	}

	now = now.UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE core_job_queue
		SET status = ?,
		    error_message = ?,
		    error_stack_trace = ?,
		    duration = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`), state.StatusFailed, message, stackTrace, durationMillis(started, now), s.stamp(), id, state.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark entry %d failed: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("mark entry %d failed: %w", id, ErrStateConflict)
	}
	return nil
}

func (s *Store) Reset(ctx context.Context, id int64, observed state.Status) (bool, error) {
	if !state.CanReset(observed) {
		return false, fmt.Errorf("reset entry %d from %s: %w", id, observed, ErrStateConflict)
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE core_job_queue
		SET status = ?,
		    error_message = NULL,
		    error_stack_trace = NULL,
		    duration = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    sequencial_id = NULL,
		    hostname = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`), state.StatusPending, s.stamp(), id, observed)
	if err != nil {
		return false, fmt.Errorf("reset entry %d: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *Store) CountIncomplete(ctx context.Context, blockUUID string, index int) (int, error) {
	var count int
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM core_job_queue
		WHERE block_uuid = ? AND job_index = ? AND status <> ?
	`), blockUUID, index, state.StatusComplete).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count incomplete entries of block %s index %d: %w", blockUUID, index, err)
	}
	return count, nil
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*types.Entry, error) {
	var entry types.Entry
	err := s.db.GetContext(ctx, &entry, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *Store) Previous(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	if entry == nil || !entry.HasPredecessors() {
		return nil, nil
	}
	prev, err := s.getOne(ctx, `SELECT `+entryColumns+` FROM core_job_queue
		WHERE block_uuid = ? AND job_index = ?
		ORDER BY id DESC LIMIT 1`, *entry.BlockUUID, *entry.Index-1)
	if err != nil {
		return nil, fmt.Errorf("previous entry of %d: %w", entry.ID, err)
	}
	return prev, nil
}

func (s *Store) ByCanonical(ctx context.Context, canonical string) (*types.Entry, error) {
	entry, err := s.getOne(ctx, `SELECT `+entryColumns+` FROM core_job_queue
		WHERE canonical = ? AND status = ?
		ORDER BY id DESC LIMIT 1`, canonical, state.StatusComplete)
	if err != nil {
		return nil, fmt.Errorf("entry by canonical %q: %w", canonical, err)
	}
	return entry, nil
}

func (s *Store) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]types.Entry, error) {
	var entries []types.Entry
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`SELECT `+entryColumns+` FROM core_job_queue
		WHERE status = ? AND started_at < ?
		ORDER BY id ASC LIMIT ?`), state.StatusRunning, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("find stale entries: %w", err)
	}
	return entries, nil
}

func (s *Store) List(ctx context.Context, status state.Status, page, pageSize int) (*types.Page[types.Entry], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	where := "1=1"
	var args []any
	if status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}

	var totalItems int
	if err := s.db.QueryRowxContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM core_job_queue WHERE `+where), args...).Scan(&totalItems); err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}

	var entries []types.Entry
	err := s.db.SelectContext(ctx, &entries, s.db.Rebind(`SELECT `+entryColumns+` FROM core_job_queue WHERE `+where+`
		ORDER BY id DESC LIMIT ? OFFSET ?`), append(args, pageSize, offset)...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}

	return types.NewPage(entries, totalItems, page, pageSize), nil
}

func (s *Store) CountAllGroupedByStatus(ctx context.Context) (map[state.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) AS count
		FROM core_job_queue
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[state.Status]int)
	for rows.Next() {
		var status state.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, status := range state.AllStatuses {
		if _, ok := result[status]; !ok {
			result[status] = 0
		}
	}
	return result, nil
}
