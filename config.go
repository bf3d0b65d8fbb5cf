package leasequeue

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cast"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "LEASEQUEUE_"

// Config represents queue configuration.
type Config struct {
	// Queues polled by the worker.
	Queues []string `env:"QUEUES" envSeparator:"," envDefault:"default"`

	// Jobs executing at once across all queues.
	MaxConcurrency int `env:"MAX_CONCURRENCY" envDefault:"10"`

	// Interval between polls of one queue.
	StorageProbeDelay time.Duration `env:"STORAGE_PROBE_DELAY" envDefault:"1s"`

	// Maximum records claimed per poll.
	BatchSize int `env:"BATCH_SIZE" envDefault:"10"`

	// Lease length and executor deadline.
	ExecutionTimeLimit time.Duration `env:"EXECUTION_TIME_LIMIT" envDefault:"5m"`

	// Claims per second per queue, 0 for unlimited.
	Throughput float64 `env:"THROUGHPUT" envDefault:"0"`

	// Expiry applied by the client when none is given.
	DefaultJobTTL time.Duration `env:"DEFAULT_JOB_TTL" envDefault:"24h"`

	// Failed executions before a job is abandoned, 0 for unbounded retries.
	MaxFailures int `env:"MAX_FAILURES" envDefault:"0"`

	SweepSchedule  string `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	SweepBatchSize int    `env:"SWEEP_BATCH_SIZE" envDefault:"1000"`

	// Storage provider: memory, badger, pebble, sqlite, postgres, redis or mongo.
	Provider      string `env:"PROVIDER" envDefault:"memory"`
	DataDir       string `env:"DATA_DIR" envDefault:"./data"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"leasequeue"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
}

// LoadConfig loads configuration from LEASEQUEUE_* environment variables.
//
// Duration values can be specified as:
//   - Integer number of seconds (e.g., "30" = 30 seconds)
//   - Duration string (e.g., "90s", "5m", "1h30m")
func LoadConfig() (*Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix})
}

// LoadConfigFrom loads configuration from the given variables instead of the
// process environment. Keys carry the LEASEQUEUE_ prefix.
func LoadConfigFrom(environment map[string]string) (*Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix, Environment: environment})
}

// DefaultConfig returns the configuration used when no variable is set.
func DefaultConfig() Config {
	cfg, err := LoadConfigFrom(map[string]string{})
	if err != nil {
		panic(fmt.Sprintf("leasequeue: invalid default config: %v", err))
	}
	return *cfg
}

func loadConfig(opts env.Options) (*Config, error) {
	opts.FuncMap = map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
			return parseDuration(v)
		},
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if seconds, err := cast.ToInt64E(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if len(c.Queues) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one queue is required"))
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q == "" {
			err = multierr.Append(err, fmt.Errorf("queue ID must not be empty"))
			continue
		}
		if seen[q] {
			err = multierr.Append(err, fmt.Errorf("queue %q listed twice", q))
		}
		seen[q] = true
	}
	if c.MaxConcurrency <= 0 {
		err = multierr.Append(err, fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency))
	}
	if c.StorageProbeDelay <= 0 {
		err = multierr.Append(err, fmt.Errorf("storage probe delay must be positive, got %s", c.StorageProbeDelay))
	}
	if c.BatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.ExecutionTimeLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("execution time limit must not be negative, got %s", c.ExecutionTimeLimit))
	}
	if c.Throughput < 0 {
		err = multierr.Append(err, fmt.Errorf("throughput must not be negative, got %v", c.Throughput))
	}
	if c.DefaultJobTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("default job TTL must be positive, got %s", c.DefaultJobTTL))
	}
	if c.MaxFailures < 0 {
		err = multierr.Append(err, fmt.Errorf("max failures must not be negative, got %d", c.MaxFailures))
	}
	if c.SweepBatchSize < 0 {
		err = multierr.Append(err, fmt.Errorf("sweep batch size must not be negative, got %d", c.SweepBatchSize))
	}
	switch c.Provider {
	case ProviderMemory, ProviderBadger, ProviderPebble, ProviderSQLite:
	case ProviderPostgres:
		if c.PostgresDSN == "" {
			err = multierr.Append(err, fmt.Errorf("postgres provider requires %sPOSTGRES_DSN", EnvPrefix))
		}
	case ProviderRedis:
		if c.RedisAddr == "" {
			err = multierr.Append(err, fmt.Errorf("redis provider requires %sREDIS_ADDR", EnvPrefix))
		}
	case ProviderMongo:
		if c.MongoURI == "" {
			err = multierr.Append(err, fmt.Errorf("mongo provider requires %sMONGO_URI", EnvPrefix))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown provider %q", c.Provider))
	}
	return err
}

// WorkerConfig derives the worker settings; every queue shares the same options.
func (c *Config) WorkerConfig() WorkerConfig {
	queues := make([]QueueOptions, 0, len(c.Queues))
	for _, id := range c.Queues {
		queues = append(queues, QueueOptions{
			ID:                 id,
			BatchSize:          c.BatchSize,
			ExecutionTimeLimit: c.ExecutionTimeLimit,
			Throughput:         rate.Limit(c.Throughput),
		})
	}
	return WorkerConfig{
		Queues:            queues,
		MaxConcurrency:    c.MaxConcurrency,
		StorageProbeDelay: c.StorageProbeDelay,
		MaxFailures:       c.MaxFailures,
	}
}

// SweeperConfig derives the sweeper settings.
func (c *Config) SweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:  c.SweepSchedule,
		BatchSize: c.SweepBatchSize,
	}
}
