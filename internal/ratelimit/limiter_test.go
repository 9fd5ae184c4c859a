package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/store/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestFactory(t *testing.T, hostname string, clock *fakeClock, cfgs ...Config) *Factory {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	opts := []FactoryOption{WithClock(clock.Now)}
	for _, cfg := range cfgs {
		opts = append(opts, WithConfig(cfg))
	}
	return NewFactory(s, hostname, opts...)
}

func TestFactory_UnknownAPISystem(t *testing.T) {
	f := newTestFactory(t, "h1", &fakeClock{now: time.Now()})

	_, err := f.For(1, "kraken")
	assert.True(t, errors.Is(err, ErrUnknownAPISystem))
}

func TestLimiter_StatusClassification(t *testing.T) {
	f := newTestFactory(t, "h1", &fakeClock{now: time.Now()}, BinanceConfig())
	l, err := f.For(1, policy.Binance)
	require.NoError(t, err)

	assert.True(t, l.IsNowRateLimited(&policy.Response{Status: 429}))
	assert.True(t, l.IsNowRateLimited(&policy.APIError{Status: 429}))
	assert.False(t, l.IsNowRateLimited(&policy.Response{Status: 200}))
	assert.True(t, l.IsNowForbidden(&policy.APIError{Status: 418}))
	assert.False(t, l.IsNowForbidden(&policy.APIError{Status: 429}))
	assert.False(t, l.IsNowForbidden(errors.New("connection reset")))
}

func TestLimiter_ThrottleLiftsAfterBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := BinanceConfig()
	cfg.Backoff = 5 * time.Second
	f := newTestFactory(t, "h1", clock, cfg)
	ctx := context.Background()

	l, err := f.For(1, policy.Binance)
	require.NoError(t, err)

	retryAfter, err := l.Throttle(ctx)
	require.NoError(t, err)
	assert.True(t, retryAfter.Equal(clock.Now().Add(5*time.Second)))

	limited, err := l.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited)

	clock.Advance(6 * time.Second)

	limited, err = l.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestLimiter_ForbidIsHostWideThrottleIsNot(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newTestFactory(t, "h1", clock, BinanceConfig())
	ctx := context.Background()

	accountA, err := f.For(1, policy.Binance)
	require.NoError(t, err)
	accountB, err := f.For(2, policy.Binance)
	require.NoError(t, err)

	_, err = accountA.Throttle(ctx)
	require.NoError(t, err)

	limited, err := accountB.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.False(t, limited, "a throttle under account A must not affect account B")

	require.NoError(t, accountA.Forbid(ctx))

	limited, err = accountB.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited, "a forbid under account A blocks account B on the same host")
}

func TestLimiter_ForbidDoesNotCrossHostsOrSystems(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	h1 := NewFactory(s, "h1", WithClock(clock.Now), WithConfig(BinanceConfig()), WithConfig(TaapiConfig()))
	h2 := NewFactory(s, "h2", WithClock(clock.Now), WithConfig(BinanceConfig()))

	banned, err := h1.For(1, policy.Binance)
	require.NoError(t, err)
	require.NoError(t, banned.Forbid(ctx))

	otherHost, err := h2.For(1, policy.Binance)
	require.NoError(t, err)
	limited, err := otherHost.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.False(t, limited)

	otherSystem, err := h1.For(1, policy.Taapi)
	require.NoError(t, err)
	limited, err = otherSystem.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestLimiter_ThrottleKeepsForbid(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := BinanceConfig()
	cfg.Backoff = time.Second
	f := newTestFactory(t, "h1", clock, cfg)
	ctx := context.Background()

	l, err := f.For(1, policy.Binance)
	require.NoError(t, err)
	require.NoError(t, l.Forbid(ctx))
	_, err = l.Throttle(ctx)
	require.NoError(t, err)

	clock.Advance(time.Minute)

	limited, err := l.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited, "an expired throttle never erases the forbid marker")
}

func TestLimiter_Observe(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := newTestFactory(t, "h1", clock, BinanceConfig())
	ctx := context.Background()

	l, err := f.For(1, policy.Binance)
	require.NoError(t, err)

	fired, err := l.Observe(ctx, &policy.Response{Status: 200})
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = l.Observe(ctx, &policy.Response{Status: 429})
	require.NoError(t, err)
	assert.True(t, fired)

	limited, err := l.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited)
}
