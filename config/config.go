// Package config resolves datacache settings from the environment and
// assembles a ready-to-use cache from them.
package config

import (
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/cache"
	"github.com/lessonkit/datacache/logger"
	"github.com/xhit/go-str2duration/v2"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Backend selects the durable tier.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
)

// Config is the environment-driven configuration.
type Config struct {
	Version          string            `env:"DATACACHE_VERSION" envDefault:"v1"`
	Backend          Backend           `env:"DATACACHE_BACKEND" envDefault:"sqlite"`
	SQLitePath       string            `env:"DATACACHE_SQLITE_PATH" envDefault:"datacache.db"`
	RedisURL         string            `env:"DATACACHE_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix      string            `env:"DATACACHE_REDIS_PREFIX" envDefault:"datacache"`
	DurableQuota     resource.Quantity `env:"DATACACHE_DURABLE_QUOTA" envDefault:"5Mi"`
	DefaultTTL       time.Duration     `env:"DATACACHE_DEFAULT_TTL" envDefault:"5m"`
	RefreshDelay     time.Duration     `env:"DATACACHE_REFRESH_DELAY" envDefault:"10ms"`
	MaxMemoryEntries int               `env:"DATACACHE_MAX_MEMORY_ENTRIES" envDefault:"1024"`
	StartupSweep     bool              `env:"DATACACHE_STARTUP_SWEEP" envDefault:"true"`
	LogLevel         logger.LogLevel   `env:"DATACACHE_LOG_LEVEL" envDefault:"info"`
	LogFormat        string            `env:"DATACACHE_LOG_FORMAT" envDefault:"console"`
	OTLPURL          string            `env:"DATACACHE_OTLP_URL"`
	OTLPToken        string            `env:"DATACACHE_OTLP_TOKEN"`
}

var parsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(resource.Quantity{}): func(v string) (interface{}, error) {
		return resource.ParseQuantity(v)
	},
	// accepts day and week units ("2d", "1w3d") on top of time.ParseDuration
	reflect.TypeOf(time.Duration(0)): func(v string) (interface{}, error) {
		return str2duration.ParseDuration(v)
	},
}

// Load parses Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{FuncMap: parsers}); err != nil {
		return cfg, errors.Wrap(err, "parse env")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks values the parser cannot.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return errors.Newf("config: unknown backend %q", c.Backend)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Newf("config: unknown log format %q", c.LogFormat)
	}
	if c.MaxMemoryEntries <= 0 {
		return errors.Newf("config: max memory entries must be positive, got %d", c.MaxMemoryEntries)
	}
	if c.DurableQuota.Sign() < 0 {
		return errors.Newf("config: negative durable quota %s", c.DurableQuota.String())
	}
	return nil
}

// Options translates the configuration into cache options.
func (c Config) Options() []cache.Option {
	return []cache.Option{
		cache.WithVersion(c.Version),
		cache.WithDefaultTTL(c.DefaultTTL),
		cache.WithRefreshDelay(c.RefreshDelay),
		cache.WithMaxEntries(c.MaxMemoryEntries),
		cache.WithQuota(c.DurableQuota.Value()),
		cache.WithPrefix(c.RedisPrefix),
	}
}
