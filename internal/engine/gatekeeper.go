// Package engine decides whether a due entry may run and runs it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/job"
	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/ratelimit"
	"github.com/RezaEskandarii/tradeflow/internal/state"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

// Decision is what the gatekeeper did with an entry.
type Decision int

const (
	Executed Decision = iota
	Paused
	Waiting
	Denied
	Lost
	Failed
)

func (d Decision) String() string {
	switch d {
	case Executed:
		return "executed"
	case Paused:
		return "paused"
	case Waiting:
		return "waiting"
	case Denied:
		return "denied"
	case Lost:
		return "lost"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Gatekeeper struct {
	store    store.QueueStore
	jobs     *job.Registry
	policies *policy.Registry
	limiters *ratelimit.Factory
	executor *Executor
	hostname string
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Gatekeeper)

func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = logger }
}

func NewGatekeeper(s store.QueueStore, jobs *job.Registry, policies *policy.Registry, limiters *ratelimit.Factory, hostname string, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		store:    s,
		jobs:     jobs,
		policies: policies,
		limiters: limiters,
		hostname: hostname,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.executor = NewExecutor(s, policies, g.now, g.logger)
	return g
}

// Process runs the admission checks for entry in order (kill switch, index
// dependency, rate limiter, job authorization) and, if all pass, claims the entry, assigns
// its sequential id and executes it. A failed check resets the entry to
// pending so a later pass reconsiders it. enabled is the kill switch value
// read once for the current pass.
func (g *Gatekeeper) Process(ctx context.Context, entry types.Entry, enabled bool) (Decision, error) {
	log := g.logger.With("entry_id", entry.ID, "class", entry.Class, "block_uuid", entry.Block(), "hostname", g.hostname)

	if !enabled {
		return Paused, g.reset(ctx, &entry)
	}

	ready, err := g.dependenciesComplete(ctx, &entry)
	if err != nil {
		return Waiting, err
	}
	if !ready {
		log.DebugContext(ctx, "entry waiting for previous index")
		return Waiting, g.reset(ctx, &entry)
	}

	j, err := g.jobs.New(entry.Class, entry.Arguments)
	if err != nil {
		return g.failUnrunnable(ctx, &entry, err)
	}
	jc := job.NewContext(&entry, j, g.store, g.policies, g.limiters, g.logger)

	if rl, ok := j.(job.RateLimited); ok {
		limited, err := g.pollingLimited(ctx, rl)
		if errors.Is(err, ratelimit.ErrUnknownAPISystem) {
			return g.failUnrunnable(ctx, &entry, err)
		}
		if err != nil {
			log.WarnContext(ctx, "rate limit check failed, entry stays pending", "error", err)
			limited = true
		}
		if limited {
			log.DebugContext(ctx, "entry denied by rate limiter")
			return Denied, g.reset(ctx, &entry)
		}
	}

	if a, ok := j.(job.Authorizer); ok {
		allowed, err := a.Authorize(ctx, jc)
		if err != nil {
			log.WarnContext(ctx, "authorize failed, entry stays pending", "error", err)
			allowed = false
		}
		if !allowed {
			log.DebugContext(ctx, "entry denied by admission control")
			return Denied, g.reset(ctx, &entry)
		}
	}

	now := g.now()
	claimed, err := g.store.Claim(ctx, entry.ID, g.hostname, now)
	if err != nil {
		return Lost, err
	}
	if !claimed {
		return Lost, nil
	}
	entry.Status = state.StatusRunning
	entry.Hostname = &g.hostname
	entry.StartedAt = &now

	seq, err := g.store.AssignSequentialID(ctx, entry.ID)
	if err != nil {
		if _, rerr := g.store.Reset(ctx, entry.ID, state.StatusRunning); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return Lost, fmt.Errorf("assign sequential id to entry %d: %w", entry.ID, err)
	}
	entry.SequentialID = &seq

	if err := g.executor.Execute(ctx, &entry, j, jc); err != nil {
		return Failed, err
	}
	return Executed, nil
}

// dependenciesComplete reports whether every entry of the previous index in
// the same block is complete. Entries without an index, or without a block,
// have nothing to wait for.
func (g *Gatekeeper) dependenciesComplete(ctx context.Context, entry *types.Entry) (bool, error) {
	if !entry.HasPredecessors() {
		return true, nil
	}
	incomplete, err := g.store.CountIncomplete(ctx, *entry.BlockUUID, *entry.Index-1)
	if err != nil {
		return false, err
	}
	return incomplete == 0, nil
}

// pollingLimited reports whether the account and API system the job declares
// are throttled, or forbidden on this host.
func (g *Gatekeeper) pollingLimited(ctx context.Context, rl job.RateLimited) (bool, error) {
	accountID, apiSystem := rl.RateLimit()
	l, err := g.limiters.For(accountID, apiSystem)
	if err != nil {
		return false, err
	}
	return l.IsPollingLimited(ctx)
}

func (g *Gatekeeper) reset(ctx context.Context, entry *types.Entry) error {
	if !state.CanReset(entry.Status) {
		return nil
	}
	_, err := g.store.Reset(ctx, entry.ID, entry.Status)
	return err
}

// failUnrunnable records entries whose job cannot be built, such as an
// unknown class, so they surface to operators instead of cycling forever.
func (g *Gatekeeper) failUnrunnable(ctx context.Context, entry *types.Entry, cause error) (Decision, error) {
	claimed, err := g.store.Claim(ctx, entry.ID, g.hostname, g.now())
	if err != nil {
		return Lost, err
	}
	if !claimed {
		return Lost, nil
	}
	g.logger.ErrorContext(ctx, "entry cannot run", "entry_id", entry.ID, "class", entry.Class, "error", cause)
	return Failed, g.executor.fail(ctx, entry, cause)
}
