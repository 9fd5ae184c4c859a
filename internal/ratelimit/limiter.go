// Package ratelimit records throttle and forbid state per worker host and
// answers whether a job may call an external API right now.
//
// A throttle is scoped to (account, api system, hostname) and lifts at its
// retry_after. A forbid is an IP level ban: recorded under one account, it
// blocks every account routed through the same host for that api system.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/store"
	"github.com/RezaEskandarii/tradeflow/types"
)

// Config is the rate limit behaviour of one api system.
type Config struct {
	APISystem        string
	ThrottleStatuses []int
	ForbidStatuses   []int
	Backoff          time.Duration
}

func BinanceConfig() Config {
	return Config{
		APISystem:        policy.Binance,
		ThrottleStatuses: []int{429},
		ForbidStatuses:   []int{418},
		Backoff:          60 * time.Second,
	}
}

func TaapiConfig() Config {
	return Config{
		APISystem:        policy.Taapi,
		ThrottleStatuses: []int{429},
		Backoff:          15 * time.Second,
	}
}

// Limiter is bound to one account for the duration of a job.
type Limiter struct {
	store     store.RateLimitStore
	cfg       Config
	accountID int64
	hostname  string
	now       func() time.Time
	logger    *slog.Logger
}

func (l *Limiter) AccountID() int64 { return l.accountID }
func (l *Limiter) APISystem() string { return l.cfg.APISystem }
func (l *Limiter) Hostname() string { return l.hostname }

// IsNowRateLimited reports whether v, a response or an error, carries a throttle status.
func (l *Limiter) IsNowRateLimited(v any) bool {
	status, ok := policy.StatusOf(v)
	return ok && slices.Contains(l.cfg.ThrottleStatuses, status)
}

// IsNowForbidden reports whether v carries a forbid status.
func (l *Limiter) IsNowForbidden(v any) bool {
	status, ok := policy.StatusOf(v)
	return ok && slices.Contains(l.cfg.ForbidStatuses, status)
}

// Throttle records that this account is throttled on this host and returns
// the time the throttle lifts.
func (l *Limiter) Throttle(ctx context.Context) (time.Time, error) {
	retryAfter := l.now().UTC().Add(l.cfg.Backoff)
	err := l.store.Upsert(ctx, types.RateLimitRecord{
		AccountID:  l.accountID,
		APISystem:  l.cfg.APISystem,
		Hostname:   l.hostname,
		Kind:       types.KindThrottle,
		RetryAfter: &retryAfter,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("throttle: %w", err)
	}
	l.logger.WarnContext(ctx, "api throttled",
		"account_id", l.accountID, "api_system", l.cfg.APISystem, "hostname", l.hostname, "retry_after", retryAfter)
	return retryAfter, nil
}

// Forbid records a host wide ban for this api system.
func (l *Limiter) Forbid(ctx context.Context) error {
	err := l.store.Upsert(ctx, types.RateLimitRecord{
		AccountID: l.accountID,
		APISystem: l.cfg.APISystem,
		Hostname:  l.hostname,
		Kind:      types.KindForbid,
	})
	if err != nil {
		return fmt.Errorf("forbid: %w", err)
	}
	l.logger.ErrorContext(ctx, "api forbidden for host",
		"account_id", l.accountID, "api_system", l.cfg.APISystem, "hostname", l.hostname)
	return nil
}

// IsPollingLimited reports whether execution must be denied: this account is
// throttled on this host, or any account recorded a forbid for this host.
func (l *Limiter) IsPollingLimited(ctx context.Context) (bool, error) {
	rec, err := l.store.FindThrottle(ctx, l.accountID, l.cfg.APISystem, l.hostname)
	if err != nil {
		return true, err
	}
	if rec != nil && rec.RetryAfter != nil && rec.RetryAfter.After(l.now()) {
		return true, nil
	}

	forbidden, err := l.store.ForbidExists(ctx, l.cfg.APISystem, l.hostname)
	if err != nil {
		return true, err
	}
	return forbidden, nil
}

// Observe applies Forbid or Throttle when v carries a matching status and
// reports whether either fired.
func (l *Limiter) Observe(ctx context.Context, v any) (bool, error) {
	switch {
	case l.IsNowForbidden(v):
		return true, l.Forbid(ctx)
	case l.IsNowRateLimited(v):
		_, err := l.Throttle(ctx)
		return true, err
	}
	return false, nil
}
