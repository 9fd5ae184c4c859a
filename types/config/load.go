package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/RezaEskandarii/tradeflow/custom_errors"
)

const envPrefix = "TRADEFLOW_"

// Load reads the given .env files (".env" when none are given; missing files
// are skipped) and builds a WorkerConfig from TRADEFLOW_* variables. Variables
// already set in the environment win over the files.
func Load(files ...string) (*WorkerConfig, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a WorkerConfig from a variable lookup.
func FromEnv(getenv func(string) string) (*WorkerConfig, error) {
	env := envReader{getenv: getenv, errs: &custom_errors.ValidationError{}}

	instance := env.str("INSTANCE")
	if instance == "" {
		instance, _ = os.Hostname()
	}

	var opts []Option
	if v := env.str("DATABASE_URL"); v != "" {
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: v}))
	}
	if v := env.str("SQLITE_PATH"); v != "" {
		opts = append(opts, WithSQLiteConfig(SQLiteConfig{Path: v}))
	}
	if v := env.str("DATABASE_DRIVER"); v != "" {
		if driver, err := ParseStorageDriver(v); err != nil {
			env.errs.AddField(envPrefix+"DATABASE_DRIVER", err.Error())
		} else {
			opts = append(opts, func(c *WorkerConfig) error {
				c.StorageDriver = driver
				return nil
			})
		}
	}
	if n, ok := env.integer("WORKERS"); ok {
		opts = append(opts, WithWorkerCount(n))
	}
	if n, ok := env.integer("BATCH_SIZE"); ok {
		opts = append(opts, WithBatchSize(n))
	}
	if d, ok := env.duration("POLL_INTERVAL"); ok {
		opts = append(opts, WithPollInterval(d))
	}
	if v := env.str("QUEUES"); v != "" {
		opts = append(opts, WithQueues(splitList(v)...))
	}
	if r, ok := env.number("CLAIM_RATE"); ok {
		burst, _ := env.integer("CLAIM_BURST")
		opts = append(opts, WithClaimRate(r, burst))
	}
	if b, ok := env.boolean("KILL_SWITCH"); ok {
		opts = append(opts, WithKillSwitch(b))
	}
	if addr := env.str("REDIS_ADDR"); addr != "" {
		db, _ := env.integer("REDIS_DB")
		opts = append(opts, WithRedisKillSwitch(RedisConfig{
			Address:  addr,
			Password: env.str("REDIS_PASSWORD"),
			DB:       db,
		}, env.str("KILL_SWITCH_KEY")))
	}
	if v := env.str("API_BACKOFF"); v != "" {
		for _, pair := range splitList(v) {
			name, raw, found := strings.Cut(pair, "=")
			d, err := time.ParseDuration(raw)
			if !found || err != nil {
				env.errs.AddField(envPrefix+"API_BACKOFF", fmt.Sprintf("invalid entry %q, want name=duration", pair))
				continue
			}
			opts = append(opts, WithAPISystem(name, d))
		}
	}
	if url := env.str("RABBITMQ_URL"); url != "" {
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig{
			URL:        url,
			Exchange:   env.str("RABBITMQ_EXCHANGE"),
			Queue:      env.str("RABBITMQ_QUEUE"),
			RoutingKey: env.str("RABBITMQ_ROUTING_KEY"),
		}))
	}
	if d, ok := env.duration("STALE_AFTER"); ok {
		opts = append(opts, WithStaleAfter(d))
	}
	if v := env.str("MAINTENANCE_SPEC"); v != "" {
		opts = append(opts, WithMaintenanceSpec(v))
	}
	if n, ok := env.integer("API_PORT"); ok {
		if n < 0 {
			env.errs.AddField(envPrefix+"API_PORT", "must not be negative")
		} else {
			opts = append(opts, WithAPIPort(uint(n)))
		}
	}
	if v := env.str("API_TOKEN"); v != "" {
		opts = append(opts, WithAPIToken(v))
	}

	if env.errs.HasError() {
		return nil, env.errs
	}
	return NewWorkerConfig(instance, opts...)
}

type envReader struct {
	getenv func(string) string
	errs   *custom_errors.ValidationError
}

func (e envReader) str(key string) string {
	return strings.TrimSpace(e.getenv(envPrefix + key))
}

func (e envReader) integer(key string) (int, bool) {
	v := e.str(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs.AddField(envPrefix+key, "must be an integer")
		return 0, false
	}
	return n, true
}

func (e envReader) number(key string) (float64, bool) {
	v := e.str(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs.AddField(envPrefix+key, "must be a number")
		return 0, false
	}
	return f, true
}

func (e envReader) boolean(key string) (bool, bool) {
	v := e.str(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs.AddField(envPrefix+key, "must be a boolean")
		return false, false
	}
	return b, true
}

func (e envReader) duration(key string) (time.Duration, bool) {
	v := e.str(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs.AddField(envPrefix+key, "must be a duration such as 30s")
		return 0, false
	}
	return d, true
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
