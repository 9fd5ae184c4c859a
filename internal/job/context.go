package job

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/ratelimit"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

// Context is handed to a job for one execution of an entry.
type Context struct {
	Entry  *types.Entry
	Logger *slog.Logger

	job      Job
	store    store.QueueStore
	policies *policy.Registry
	limiters *ratelimit.Factory
}

func NewContext(entry *types.Entry, j Job, s store.QueueStore, policies *policy.Registry, limiters *ratelimit.Factory, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Entry:    entry,
		Logger:   logger.With("entry_id", entry.ID, "class", entry.Class),
		job:      j,
		store:    s,
		policies: policies,
		limiters: limiters,
	}
}

// Limiter returns the rate limiter for accountID on apiSystem from this host.
func (c *Context) Limiter(accountID int64, apiSystem string) (*ratelimit.Limiter, error) {
	return c.limiters.For(accountID, apiSystem)
}

// APILimiter returns the limiter for the pair the job declares through
// RateLimited.
func (c *Context) APILimiter() (*ratelimit.Limiter, error) {
	rl, ok := c.job.(RateLimited)
	if !ok {
		return nil, fmt.Errorf("%T does not declare a rate limited api", c.job)
	}
	accountID, apiSystem := rl.RateLimit()
	return c.limiters.For(accountID, apiSystem)
}

// Previous returns the latest entry at the previous index of this entry's block.
func (c *Context) Previous(ctx context.Context) (*types.Entry, error) {
	return c.store.Previous(ctx, c.Entry)
}

// ByCanonical returns the latest complete entry tagged canonical.
func (c *Context) ByCanonical(ctx context.Context, canonical string) (*types.Entry, error) {
	return c.store.ByCanonical(ctx, canonical)
}

// Call wraps one external API call. A throttle or forbid status is recorded
// on limiter and turned into ErrReschedule, whether it arrived as a response
// or as an error. Failures are then classified: ignorable ones come back
// wrapping ErrIgnored, retryable ones wrapping ErrReschedule, anything else
// as a SourceError pointing at the job's call site. limiter may be nil for calls that are not rate limited.
func (c *Context) Call(ctx context.Context, limiter *ratelimit.Limiter, fn func(ctx context.Context) (*policy.Response, error)) (*policy.Response, error) {
	resp, err := fn(ctx)

	if limiter != nil {
		var subject any = resp
		if err != nil {
			subject = err
		}
		fired, lerr := limiter.Observe(ctx, subject)
		if lerr != nil {
			return nil, lerr
		}
		if fired {
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrReschedule, err)
			}
			return nil, fmt.Errorf("%w: %s rate limited with status %d", ErrReschedule, limiter.APISystem(), resp.StatusCode())
		}
	}

	if err == nil {
		return resp, nil
	}

	switch policy.Evaluate(ctx, err, c.localHooks(), c.policies.For(err)) {
	case policy.Ignore:
		c.Logger.InfoContext(ctx, "request error ignored", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrIgnored, err)
	case policy.Retry:
		c.Logger.InfoContext(ctx, "request error retryable", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrReschedule, err)
	}
	return nil, at(err, 2)
}

func (c *Context) localHooks() policy.Local {
	var local policy.Local
	if ig, ok := c.job.(RequestErrorIgnorer); ok {
		local.Ignore = ig.IgnoreRequestException
	}
	if res, ok := c.job.(RequestErrorResolver); ok {
		local.Resolve = res.ResolveRequestException
	}
	return local
}
