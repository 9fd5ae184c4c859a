// Package maintenance runs periodic housekeeping for the queue: entries left
// running by a crashed worker go back to pending, and expired throttle
// records are purged. One host sweeps at a time.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RezaEskandarii/tradeflow/internal/constants"
	"github.com/RezaEskandarii/tradeflow/internal/lock"
	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/internal/store"
)

const (
	DefaultSpec       = "@every 1m"
	DefaultStaleAfter = 30 * time.Minute
	sweepTimeout      = 30 * time.Second
)

type Scheduler struct {
	queue      store.QueueStore
	limits     store.RateLimitStore
	locks      lock.DistributedLockManager
	spec       string
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	cron       *cron.Cron
}

type Option func(*Scheduler)

func WithSpec(spec string) Option {
	return func(s *Scheduler) { s.spec = spec }
}

func WithStaleAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.staleAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func New(queue store.QueueStore, limits store.RateLimitStore, locks lock.DistributedLockManager, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		queue:      queue,
		limits:     limits,
		locks:      locks,
		spec:       DefaultSpec,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", s.spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler started", "spec", s.spec, "stale_after", s.staleAfter)
	s.cron.Start()
}

// Stop prevents new sweeps and waits for a running one to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("maintenance sweep failed", "error", err)
	}
}

// Report summarizes one sweep.
type Report struct {
	Skipped         bool
	Recovered       int
	PurgedThrottles int64
}

// Sweep runs every task once if no other host holds the maintenance lock.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	ok, err := s.locks.TryAcquire(ctx, constants.MaintenanceLock)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{Skipped: true}, nil
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), constants.MaintenanceLock); err != nil {
			s.logger.Error("release maintenance lock", "error", err)
		}
	}()

	var report Report
	if report.Recovered, err = s.RecoverStale(ctx); err != nil {
		return report, err
	}
	if report.PurgedThrottles, err = s.PurgeThrottles(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// RecoverStale resets entries that have been running for longer than the
// stale threshold. If their worker is in fact still alive, its final
// MarkComplete or MarkFailed is rejected and the entry runs again.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	stale, err := s.queue.FindStale(ctx, cutoff, constants.StaleRecoverLimit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, entry := range stale {
		ok, err := s.queue.Reset(ctx, entry.ID, state.StatusRunning)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
			s.logger.Warn("recovered stale entry", "entry_id", entry.ID, "class", entry.Class, "started_at", entry.StartedAt)
		}
	}
	return recovered, nil
}

func (s *Scheduler) PurgeThrottles(ctx context.Context) (int64, error) {
	n, err := s.limits.PurgeExpiredThrottles(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged expired throttles", "count", n)
	}
	return n, nil
}
