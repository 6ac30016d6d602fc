// Package config loads flough settings from a YAML file, FLOUGH_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Store and queue drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
)

type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StoreConfig selects the durable store for flow records.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	// URI is a DSN for sqlite/postgres, a connection string for mongo and
	// an address for redis.
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	Prefix     string `mapstructure:"prefix"`
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Driver   string `mapstructure:"driver"`
	Addr     string `mapstructure:"addr"`
	Prefix   string `mapstructure:"prefix"`
	Capacity int    `mapstructure:"capacity"`
}

type EngineConfig struct {
	Concurrency       int  `mapstructure:"concurrency"`
	JobAttempts       int  `mapstructure:"job_attempts"`
	WorkerConcurrency int  `mapstructure:"worker_concurrency"`
	Strict            bool `mapstructure:"strict"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

var defaults = map[string]any{
	"store.driver":              DriverMemory,
	"store.uri":                 "",
	"store.database":            "flough",
	"store.collection":          "flows",
	"store.prefix":              "flough:",
	"queue.driver":              DriverMemory,
	"queue.addr":                "",
	"queue.prefix":              "flough:",
	"queue.capacity":            1024,
	"engine.concurrency":        50,
	"engine.job_attempts":       1,
	"engine.worker_concurrency": 4,
	"engine.strict":             false,
	"log.level":                 "info",
	"log.development":           false,
	"metrics.enabled":           false,
	"metrics.namespace":         "flough",
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"store-driver":       "store.driver",
	"store-uri":          "store.uri",
	"queue-driver":       "queue.driver",
	"queue-addr":         "queue.addr",
	"engine-concurrency": "engine.concurrency",
	"strict":             "engine.strict",
	"log-level":          "log.level",
}

// RegisterFlags adds the overridable settings to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file")
	fs.String("store-driver", "", "flow store: memory, sqlite, postgres, mongo or redis")
	fs.String("store-uri", "", "flow store DSN, connection string or address")
	fs.String("queue-driver", "", "task queue backend: memory or redis")
	fs.String("queue-addr", "", "task queue address")
	fs.Int("engine-concurrency", 0, "default concurrency per flow type")
	fs.Bool("strict", false, "crash on flow handler failures under a development logger")
	fs.String("log-level", "", "log level")
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	cfg, _ := Load("", nil)
	return cfg
}

// Load reads path (optional), then FLOUGH_* environment variables, then any
// flags in fs that were set explicitly.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("FLOUGH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	if fs != nil {
		for flag, key := range flagKeys {
			f := fs.Lookup(flag)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("config: bind %s: %w", flag, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and the settings each driver needs.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverMongo, DriverRedis:
		if c.Store.URI == "" {
			return fmt.Errorf("config: store.uri is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Queue.Addr == "" && c.Store.Driver != DriverRedis {
			return errors.New("config: queue.addr is required for the redis queue")
		}
	default:
		return fmt.Errorf("config: unknown queue driver %q", c.Queue.Driver)
	}

	if c.Engine.Concurrency < 0 {
		return fmt.Errorf("config: engine.concurrency must not be negative")
	}
	return nil
}

// QueueAddr is the Redis address for the queue, falling back to the store's.
func (c Config) QueueAddr() string {
	if c.Queue.Addr != "" {
		return c.Queue.Addr
	}
	return c.Store.URI
}

// Logger builds a zap logger from the log settings.
func (l LogConfig) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if l.Level != "" {
		level, err := zap.ParseAtomicLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("config: log.level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}
