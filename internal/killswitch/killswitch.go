// Package killswitch provides the global execution toggle. Workers read it
// once per scheduling pass; false pauses every entry without failing it.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "tradeflow:kill_switch"

type Source interface {
	Enabled(ctx context.Context) (bool, error)
}

// Toggle is a Source operators can flip at runtime.
type Toggle interface {
	Source
	Set(ctx context.Context, enabled bool) error
}

// Static is an in-process toggle, for single host deployments and tests.
type Static struct {
	disabled atomic.Bool
}

func NewStatic(enabled bool) *Static {
	s := &Static{}
	s.disabled.Store(!enabled)
	return s
}

func (s *Static) Enabled(context.Context) (bool, error) {
	return !s.disabled.Load(), nil
}

func (s *Static) Set(_ context.Context, enabled bool) error {
	s.disabled.Store(!enabled)
	return nil
}

// Redis keeps the toggle under a key shared by every worker host. A missing
// key means enabled.
type Redis struct {
	client redis.Cmdable
	key    string
}

func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (r *Redis) Enabled(ctx context.Context) (bool, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read kill switch %s: %w", r.key, err)
	}

	enabled, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("kill switch %s holds %q: %w", r.key, val, err)
	}
	return enabled, nil
}

func (r *Redis) Set(ctx context.Context, enabled bool) error {
	if err := r.client.Set(ctx, r.key, strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("write kill switch %s: %w", r.key, err)
	}
	return nil
}
