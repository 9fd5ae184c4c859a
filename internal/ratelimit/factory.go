package ratelimit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RezaEskandarii/tradeflow/internal/store"
)

var ErrUnknownAPISystem = errors.New("ratelimit: unknown api system")

// Factory hands out limiters bound to this worker host.
type Factory struct {
	store    store.RateLimitStore
	hostname string
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.RWMutex
	configs map[string]Config
}

type FactoryOption func(*Factory)

func WithClock(now func() time.Time) FactoryOption {
	return func(f *Factory) { f.now = now }
}

func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = logger }
}

func WithConfig(cfg Config) FactoryOption {
	return func(f *Factory) { f.configs[cfg.APISystem] = cfg }
}

func NewFactory(s store.RateLimitStore, hostname string, opts ...FactoryOption) *Factory {
	f := &Factory{
		store:    s,
		hostname: hostname,
		now:      time.Now,
		logger:   slog.Default(),
		configs:  make(map[string]Config),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Register(cfg Config) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[cfg.APISystem] = cfg
}

// For returns a limiter for accountID on apiSystem.
func (f *Factory) For(accountID int64, apiSystem string) (*Limiter, error) {
	f.mu.RLock()
	cfg, ok := f.configs[apiSystem]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAPISystem, apiSystem)
	}

	return &Limiter{
		store:     f.store,
		cfg:       cfg,
		accountID: accountID,
		hostname:  f.hostname,
		now:       f.now,
		logger:    f.logger,
	}, nil
}
