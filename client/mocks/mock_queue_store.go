package mocks

import (
	"context"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/types"
)

// MockQueueStore is a mock implementation of store.QueueStore for testing.
type MockQueueStore struct {
	CreateFunc                  func(ctx context.Context, spec types.EntrySpec) (int64, error)
	BulkCreateFunc              func(ctx context.Context, specs []types.EntrySpec) ([]int64, error)
	FindByIDFunc                func(ctx context.Context, id int64) (*types.Entry, error)
	FetchDueFunc                func(ctx context.Context, now time.Time, queues []string, limit int) ([]types.Entry, error)
	ClaimFunc                   func(ctx context.Context, id int64, hostname string, now time.Time) (bool, error)
	AssignSequentialIDFunc      func(ctx context.Context, id int64) (int64, error)
	MarkCompleteFunc            func(ctx context.Context, id int64, response *string, now time.Time) error
	MarkFailedFunc              func(ctx context.Context, id int64, message, stackTrace string, now time.Time) error
	ResetFunc                   func(ctx context.Context, id int64, observed state.Status) (bool, error)
	CountIncompleteFunc         func(ctx context.Context, blockUUID string, index int) (int, error)
	PreviousFunc                func(ctx context.Context, entry *types.Entry) (*types.Entry, error)
	ByCanonicalFunc             func(ctx context.Context, canonical string) (*types.Entry, error)
	FindStaleFunc               func(ctx context.Context, cutoff time.Time, limit int) ([]types.Entry, error)
	ListFunc                    func(ctx context.Context, status state.Status, page, pageSize int) (*types.Page[types.Entry], error)
	CountAllGroupedByStatusFunc func(ctx context.Context) (map[state.Status]int, error)
}

func (m *MockQueueStore) Create(ctx context.Context, spec types.EntrySpec) (int64, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, spec)
	}
	return 0, nil
}

func (m *MockQueueStore) BulkCreate(ctx context.Context, specs []types.EntrySpec) ([]int64, error) {
	if m.BulkCreateFunc != nil {
		return m.BulkCreateFunc(ctx, specs)
	}
	return make([]int64, len(specs)), nil
}

func (m *MockQueueStore) FindByID(ctx context.Context, id int64) (*types.Entry, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *MockQueueStore) FetchDue(ctx context.Context, now time.Time, queues []string, limit int) ([]types.Entry, error) {
	if m.FetchDueFunc != nil {
		return m.FetchDueFunc(ctx, now, queues, limit)
	}
	return nil, nil
}

func (m *MockQueueStore) Claim(ctx context.Context, id int64, hostname string, now time.Time) (bool, error) {
	if m.ClaimFunc != nil {
		return m.ClaimFunc(ctx, id, hostname, now)
	}
	return false, nil
}

func (m *MockQueueStore) AssignSequentialID(ctx context.Context, id int64) (int64, error) {
	if m.AssignSequentialIDFunc != nil {
		return m.AssignSequentialIDFunc(ctx, id)
	}
	return 0, nil
}

func (m *MockQueueStore) MarkComplete(ctx context.Context, id int64, response *string, now time.Time) error {
	if m.MarkCompleteFunc != nil {
		return m.MarkCompleteFunc(ctx, id, response, now)
	}
	return nil
}

func (m *MockQueueStore) MarkFailed(ctx context.Context, id int64, message, stackTrace string, now time.Time) error {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id, message, stackTrace, now)
	}
	return nil
}

func (m *MockQueueStore) Reset(ctx context.Context, id int64, observed state.Status) (bool, error) {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, id, observed)
	}
	return false, nil
}

func (m *MockQueueStore) CountIncomplete(ctx context.Context, blockUUID string, index int) (int, error) {
	if m.CountIncompleteFunc != nil {
		return m.CountIncompleteFunc(ctx, blockUUID, index)
	}
	return 0, nil
}

func (m *MockQueueStore) Previous(ctx context.Context, entry *types.Entry) (*types.Entry, error) {
	if m.PreviousFunc != nil {
		return m.PreviousFunc(ctx, entry)
	}
	return nil, nil
}

func (m *MockQueueStore) ByCanonical(ctx context.Context, canonical string) (*types.Entry, error) {
	if m.ByCanonicalFunc != nil {
		return m.ByCanonicalFunc(ctx, canonical)
	}
	return nil, nil
}

func (m *MockQueueStore) FindStale(ctx context.Context, cutoff time.Time, limit int) ([]types.Entry, error) {
	if m.FindStaleFunc != nil {
		return m.FindStaleFunc(ctx, cutoff, limit)
	}
	return nil, nil
}

func (m *MockQueueStore) List(ctx context.Context, status state.Status, page, pageSize int) (*types.Page[types.Entry], error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, status, page, pageSize)
	}
	return &types.Page[types.Entry]{}, nil
}

func (m *MockQueueStore) CountAllGroupedByStatus(ctx context.Context) (map[state.Status]int, error) {
	if m.CountAllGroupedByStatusFunc != nil {
		return m.CountAllGroupedByStatusFunc(ctx)
	}
	return map[state.Status]int{}, nil
}
