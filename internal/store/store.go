package store

import (
	"context"
	"errors"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/types"
)

var (
	ErrEntryNotFound = errors.New("store: entry not found")
	ErrInvalidSpec   = errors.New("store: invalid entry spec")
)

// QueueStore persists job queue entries and performs their atomic state transitions.
type QueueStore interface {
	// Create inserts a new pending entry and returns its id.
	Create(ctx context.Context, spec types.EntrySpec) (int64, error)

	// BulkCreate inserts every spec in one transaction.
	BulkCreate(ctx context.Context, specs []types.EntrySpec) ([]int64, error)

	FindByID(ctx context.Context, id int64) (*types.Entry, error)

	// FetchDue returns pending entries whose dispatch_after is null or not after now,
	// oldest first. An empty queues slice means every queue.
	FetchDue(ctx context.Context, now time.Time, queues []string, limit int) ([]types.Entry, error)

	// Claim moves a pending, due entry to running. It reports false when another
	// worker got there first or the entry is not yet due.
	Claim(ctx context.Context, id int64, hostname string, now time.Time) (bool, error)

	// AssignSequentialID gives the entry the next global sequence number unless it
	// already has one, and returns the entry's sequence number.
	AssignSequentialID(ctx context.Context, id int64) (int64, error)

	MarkComplete(ctx context.Context, id int64, response *string, now time.Time) error

	MarkFailed(ctx context.Context, id int64, message, stackTrace string, now time.Time) error

	// Reset returns the entry to pending, clearing every transient field, as long as
	// it is still in the status the caller observed. It reports whether a row changed.
	Reset(ctx context.Context, id int64, observed state.Status) (bool, error)

	// CountIncomplete counts entries of a block at the given index that are not complete.
	CountIncomplete(ctx context.Context, blockUUID string, index int) (int, error)

	// Previous returns the latest entry of the same block at index-1, or nil.
	Previous(ctx context.Context, entry *types.Entry) (*types.Entry, error)

	// ByCanonical returns the latest complete entry tagged with canonical, or nil.
	ByCanonical(ctx context.Context, canonical string) (*types.Entry, error)

	// FindStale returns entries that have been running since before cutoff.
	FindStale(ctx context.Context, cutoff time.Time, limit int) ([]types.Entry, error)

	List(ctx context.Context, status state.Status, page, pageSize int) (*types.Page[types.Entry], error)

	CountAllGroupedByStatus(ctx context.Context) (map[state.Status]int, error)
}

// RateLimitStore persists throttle and forbid records.
type RateLimitStore interface {
	// Upsert writes the record for (account, api system, hostname, kind).
	Upsert(ctx context.Context, rec types.RateLimitRecord) error

	// FindThrottle returns the throttle record for the exact triple, or nil.
	FindThrottle(ctx context.Context, accountID int64, apiSystem, hostname string) (*types.RateLimitRecord, error)

	// ForbidExists reports whether any account holds a forbid record for the api system on hostname.
	ForbidExists(ctx context.Context, apiSystem, hostname string) (bool, error)

	// ListForbidden returns every forbid record.
	ListForbidden(ctx context.Context) ([]types.RateLimitRecord, error)

	// ClearForbid removes the forbid records of an api system on hostname.
	ClearForbid(ctx context.Context, apiSystem, hostname string) (int64, error)

	// PurgeExpiredThrottles deletes throttle records whose retry_after is before now.
	PurgeExpiredThrottles(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface used by a worker process.
type Store interface {
	QueueStore
	RateLimitStore
	Migrate(ctx context.Context) error
	Close() error
}
