// Package config loads workflowd's runtime configuration from a YAML file
// with environment-variable overrides, following the twelve-factor pattern
// used throughout the example pack's services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageBackend selects which storage.Adapter implementation workflowd
// constructs.
type StorageBackend string

const (
	BackendInmem    StorageBackend = "inmem"
	BackendPostgres StorageBackend = "postgres"
	BackendMongo    StorageBackend = "mongo"
)

// Config holds everything workflowd needs to construct its storage adapter,
// bus, telemetry, and worker.Pool.
type Config struct {
	// WorkerInstanceID identifies this process for lease ownership. Empty
	// means the caller should generate one (typically a uuid) at startup.
	WorkerInstanceID string `mapstructure:"worker_instance_id"`

	Storage StorageConfig `mapstructure:"storage"`
	Bus     BusConfig     `mapstructure:"bus"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Log     LogConfig     `mapstructure:"log"`
}

// StorageConfig selects and configures one storage.Adapter backend.
type StorageConfig struct {
	Backend StorageBackend `mapstructure:"backend"`

	// PostgresDSN is a libpq-style connection string, used when Backend is
	// "postgres".
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// MongoURI and MongoDatabase configure the mongodoc adapter, used when
	// Backend is "mongo".
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`
}

// BusConfig configures the wake-notification pub/sub transport. RedisAddr
// empty means workflowd runs without a bus, falling back to the worker
// pool's tick interval for every poll.
type BusConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// WorkerConfig mirrors worker.Config's pacing knobs so they can be set from
// file/env instead of hardcoded at construction.
type WorkerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	MaxConcurrency  int64         `mapstructure:"max_concurrency"`
	MaxPullCount    int           `mapstructure:"max_pull_count"`
	LeaseStaleAfter   time.Duration `mapstructure:"lease_stale_after"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	MaxWakesPerSecond float64       `mapstructure:"max_wakes_per_second"`
}

// LogConfig holds log level and format settings. They are loaded and
// defaulted here, but cmd/workflowd does not read them: its telemetry is
// built the same way whatever they say.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is "json" or "text".
	Format string `mapstructure:"format"`
}

// Default returns the configuration workflowd falls back to when no file or
// environment override is present: an in-process adapter with no bus,
// suitable for local development and for the example demo.
func Default() Config {
	return Config{
		Storage: StorageConfig{Backend: BackendInmem},
		Worker: WorkerConfig{
			TickInterval:      500 * time.Millisecond,
			MaxConcurrency:    32,
			MaxPullCount:      16,
			LeaseStaleAfter:   30 * time.Second,
			PingInterval:      10 * time.Second,
			MaxWakesPerSecond: 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configFile (if non-empty) into viper, applies
// WORKFLOWD_-prefixed environment overrides (e.g. WORKFLOWD_STORAGE_BACKEND
// overrides storage.backend), and unmarshals the result over Default().
func Load(configFile string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("workflowd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv alone only overrides keys viper already knows about, so
	// bind every key explicitly for env-only (no config file) setups.
	for _, key := range []string{
		"worker_instance_id",
		"storage.backend", "storage.postgres_dsn", "storage.mongo_uri", "storage.mongo_database",
		"bus.redis_addr", "bus.redis_password", "bus.redis_db",
		"worker.tick_interval", "worker.max_concurrency", "worker.max_pull_count",
		"worker.lease_stale_after", "worker.ping_interval", "worker.max_wakes_per_second",
		"log.level", "log.format",
	} {
		_ = v.BindEnv(key)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected storage backend has the DSN it needs.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendInmem:
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.postgres_dsn is required for backend %q", BackendPostgres)
		}
	case BackendMongo:
		if c.Storage.MongoURI == "" || c.Storage.MongoDatabase == "" {
			return fmt.Errorf("config: storage.mongo_uri and storage.mongo_database are required for backend %q", BackendMongo)
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}
