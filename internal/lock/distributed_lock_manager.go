package lock

import (
	"context"
	"errors"
)

var ErrNotHeld = errors.New("lock: not held by this manager")

// DistributedLockManager serializes work across worker processes by numeric lock id.
type DistributedLockManager interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context, lockID int) error
	// TryAcquire takes the lock if it is free and reports whether it did.
	TryAcquire(ctx context.Context, lockID int) (bool, error)
	Release(ctx context.Context, lockID int) error
}

// WithLock runs fn while holding lockID.
func WithLock(ctx context.Context, m DistributedLockManager, lockID int, fn func(ctx context.Context) error) (err error) {
	if err := m.Acquire(ctx, lockID); err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(context.WithoutCancel(ctx), lockID); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}
