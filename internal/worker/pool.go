// Package worker polls the queue for due entries and hands them to the
// gatekeeper on a bounded set of goroutines.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/RezaEskandarii/tradeflow/internal/engine"
	"github.com/RezaEskandarii/tradeflow/internal/killswitch"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

// Processor decides and runs a single entry.
type Processor interface {
	Process(ctx context.Context, entry types.Entry, enabled bool) (engine.Decision, error)
}

type Options struct {
	Queues       []string
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	// ClaimRate caps how many entries per second are handed out; zero means unlimited.
	ClaimRate  float64
	ClaimBurst int
}

type Pool struct {
	store      store.QueueStore
	processor  Processor
	killSwitch killswitch.Source
	opts       Options
	sem        *semaphore.Weighted
	limiter    *rate.Limiter
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

func NewPool(s store.QueueStore, processor Processor, ks killswitch.Source, opts Options, options ...Option) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = opts.Workers
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	limit := rate.Inf
	if opts.ClaimRate > 0 {
		limit = rate.Limit(opts.ClaimRate)
	}
	burst := opts.ClaimBurst
	if burst < 1 {
		burst = opts.Workers
	}

	p := &Pool{
		store:      s,
		processor:  processor,
		killSwitch: ks,
		opts:       opts,
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		limiter:    rate.NewLimiter(limit, burst),
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// Start runs scheduling passes every PollInterval until ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.opts.Workers, "queues", p.opts.Queues, "poll_interval", p.opts.PollInterval)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("scheduling pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info("worker pool stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scheduling pass and waits for every entry it started.
// It returns the number of due entries it saw.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	enabled, err := p.killSwitch.Enabled(ctx)
	if err != nil {
		p.logger.Warn("kill switch unreadable, pausing this pass", "error", err)
		enabled = false
	}

	entries, err := p.store.FetchDue(ctx, p.now(), p.opts.Queues, p.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch due entries: %w", err)
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		if enabled {
			if err := p.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go p.handle(ctx, &wg, entry, enabled)
	}
	wg.Wait()

	return len(entries), nil
}

func (p *Pool) handle(ctx context.Context, wg *sync.WaitGroup, entry types.Entry, enabled bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing entry", "entry_id", entry.ID, "panic", r)
		}
		p.sem.Release(1)
		wg.Done()
	}()

	decision, err := p.processor.Process(ctx, entry, enabled)
	if err != nil {
		p.logger.Error("entry processing failed",
			"entry_id", entry.ID, "class", entry.Class, "decision", decision.String(), "error", err)
		return
	}
	p.logger.Debug("entry processed", "entry_id", entry.ID, "class", entry.Class, "decision", decision.String())
}
