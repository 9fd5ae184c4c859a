package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/RezaEskandarii/tradeflow/client"
	"github.com/RezaEskandarii/tradeflow/internal/broker"
	"github.com/RezaEskandarii/tradeflow/internal/constants"
	"github.com/RezaEskandarii/tradeflow/internal/engine"
	"github.com/RezaEskandarii/tradeflow/internal/job"
	"github.com/RezaEskandarii/tradeflow/internal/killswitch"
	"github.com/RezaEskandarii/tradeflow/internal/lock"
	"github.com/RezaEskandarii/tradeflow/internal/maintenance"
	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/ratelimit"
	"github.com/RezaEskandarii/tradeflow/internal/store/postgres"
	"github.com/RezaEskandarii/tradeflow/internal/store/sqlite"
	"github.com/RezaEskandarii/tradeflow/internal/store/sqlstore"
	"github.com/RezaEskandarii/tradeflow/internal/worker"
	"github.com/RezaEskandarii/tradeflow/types/config"
	"github.com/RezaEskandarii/tradeflow/web"
)

const (
	redisPingTimeout = 2 * time.Second
	skewStepMs       = 500
	skewMaxMs        = 5000
)

// Container holds all application dependencies. Connections and services are
// created once and shared by every component of the worker process.
type Container struct {
	Config *config.WorkerConfig

	Store *sqlstore.Store
	Redis *redis.Client

	LockManager   lock.DistributedLockManager
	MessageBroker broker.MessageBroker
	KillSwitch    killswitch.Toggle

	Jobs          *job.Registry
	Policies      *policy.Registry
	SkewCorrector *policy.SkewCorrector
	Limiters      *ratelimit.Factory
	Gatekeeper    *engine.Gatekeeper
	Pool          *worker.Pool
	Maintenance   *maintenance.Scheduler

	Producer  *client.Producer
	QueueSync *client.QueueSyncWorker
	API       *web.Server

	logger *slog.Logger
}

// NewContainer creates and wires all dependencies and migrates the schema.
// Job classes are registered on Jobs before Run is called.
func NewContainer(ctx context.Context, cfg *config.WorkerConfig, opts ...ContainerOption) (*Container, error) {
	opt := &containerConfig{logger: slog.Default()}
	for _, o := range opts {
		o(opt)
	}
	logger := opt.logger.With("hostname", cfg.Instance)

	c := &Container{Config: cfg, logger: logger}

	if err := c.initStore(ctx, opt); err != nil {
		return nil, err
	}
	if err := lock.WithLock(ctx, c.LockManager, constants.MigrationLock, c.Store.Migrate); err != nil {
		_ = c.Store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := c.initKillSwitch(ctx, opt); err != nil {
		_ = c.Store.Close()
		return nil, err
	}
	if err := c.initBroker(opt); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Jobs = job.NewRegistry()
	c.SkewCorrector = policy.NewSkewCorrector(skewStepMs, skewMaxMs)
	c.Policies = policy.NewRegistry(policy.Default(logger))
	c.Policies.Register(policy.Binance, policy.NewBinancePolicy(c.SkewCorrector, logger))
	c.Policies.Register(policy.Taapi, policy.NewTaapiPolicy(logger))

	c.Limiters = ratelimit.NewFactory(c.Store, cfg.Instance, ratelimit.WithLogger(logger))
	for _, rl := range rateLimitConfigs(cfg.APIBackoff) {
		c.Limiters.Register(rl)
	}

	c.Gatekeeper = engine.NewGatekeeper(c.Store, c.Jobs, c.Policies, c.Limiters, cfg.Instance, engine.WithLogger(logger))
	c.Pool = worker.NewPool(c.Store, c.Gatekeeper, c.KillSwitch, worker.Options{
		Queues:       cfg.Queues,
		Workers:      cfg.WorkerCount,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		ClaimRate:    cfg.ClaimRate,
		ClaimBurst:   cfg.ClaimBurst,
	}, worker.WithLogger(logger))

	sched, err := maintenance.New(c.Store, c.Store, c.LockManager,
		maintenance.WithSpec(cfg.MaintenanceSpec),
		maintenance.WithStaleAfter(cfg.StaleAfter),
		maintenance.WithLogger(logger),
	)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Maintenance = sched

	producerOpts := []client.ProducerOption{client.WithLogger(logger)}
	if c.MessageBroker != nil {
		var routingKey, queue string
		if cfg.RabbitMQConfig != nil {
			routingKey, queue = cfg.RabbitMQConfig.RoutingKey, cfg.RabbitMQConfig.Queue
		}
		producerOpts = append(producerOpts, client.WithQueueWriter(c.MessageBroker, routingKey))
		c.QueueSync = client.NewQueueSyncWorker(c.Store, c.MessageBroker, queue, client.WithSyncLogger(logger))
	}
	c.Producer = client.NewProducer(c.Store, producerOpts...)

	if cfg.APIPort != 0 {
		c.API = web.NewServer(c.Store, c.Store,
			web.WithToken(cfg.APIToken),
			web.WithKillSwitch(c.KillSwitch),
			web.WithLogger(logger),
		)
	}

	return c, nil
}

func (c *Container) initStore(ctx context.Context, opt *containerConfig) error {
	switch c.Config.StorageDriver {
	case config.Postgres:
		if opt.db != nil {
			c.Store = postgres.NewStore(opt.db)
		} else {
			s, err := postgres.Open(ctx, c.Config.PostgresConfig.ConnectionUrl)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			c.Store = s
		}
		c.LockManager = lock.NewPostgresDistributedLockManager(c.Store.DB().DB)
	case config.SQLite:
		s, err := sqlite.Open(ctx, c.Config.SQLiteConfig.Path)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		c.Store = s
		c.LockManager = lock.NewLocalLockManager()
	default:
		return fmt.Errorf("unsupported storage driver: %v", c.Config.StorageDriver)
	}
	return nil
}

func (c *Container) initKillSwitch(ctx context.Context, opt *containerConfig) error {
	ks := c.Config.KillSwitch
	if ks.Redis == nil && opt.redis == nil {
		c.KillSwitch = killswitch.NewStatic(ks.Enabled)
		return nil
	}

	c.Redis = opt.redis
	if c.Redis == nil {
		c.Redis = redis.NewClient(&redis.Options{
			Addr:     ks.Redis.Address,
			Password: ks.Redis.Password,
			DB:       ks.Redis.DB,
		})
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := c.Redis.Ping(pingCtx).Err(); err != nil {
		_ = c.Redis.Close()
		c.Redis = nil
		return fmt.Errorf("init redis: %w", err)
	}
	c.KillSwitch = killswitch.NewRedis(c.Redis, ks.Key)
	return nil
}

func (c *Container) initBroker(opt *containerConfig) error {
	if opt.broker != nil {
		c.MessageBroker = opt.broker
		return nil
	}
	if !c.Config.UseQueueWriter {
		return nil
	}
	b, err := broker.NewRabbitMQ(*c.Config.RabbitMQConfig, c.logger)
	if err != nil {
		return fmt.Errorf("init rabbitmq: %w", err)
	}
	c.MessageBroker = b
	return nil
}

// rateLimitConfigs returns the presets with configured backoffs applied. A
// backoff for an api system without a preset registers a plain 429 throttle.
func rateLimitConfigs(backoff map[string]time.Duration) []ratelimit.Config {
	configs := map[string]ratelimit.Config{}
	for _, rl := range []ratelimit.Config{ratelimit.BinanceConfig(), ratelimit.TaapiConfig()} {
		configs[rl.APISystem] = rl
	}
	for name, d := range backoff {
		rl, ok := configs[name]
		if !ok {
			rl = ratelimit.Config{APISystem: name, ThrottleStatuses: []int{429}}
		}
		rl.Backoff = d
		configs[name] = rl
	}

	out := make([]ratelimit.Config, 0, len(configs))
	for _, rl := range configs {
		out = append(out, rl)
	}
	return out
}

// Run starts the worker pool, the maintenance scheduler, the queue sync worker
// and the operator API, and blocks until ctx is done or one of them fails.
func (c *Container) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.Pool.Start(ctx) })

	c.Maintenance.Start()
	g.Go(func() error {
		<-ctx.Done()
		c.Maintenance.Stop()
		return nil
	})

	if c.QueueSync != nil {
		g.Go(func() error { return c.QueueSync.Run(ctx) })
	}
	if c.API != nil {
		g.Go(func() error { return c.API.Serve(ctx, c.Config.APIPort) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every connection the container opened.
func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
