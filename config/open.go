package config

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/cache"
	"github.com/lessonkit/datacache/eventing"
	"github.com/lessonkit/datacache/invalidation"
	"github.com/lessonkit/datacache/logger"
	"github.com/lessonkit/datacache/resilience"
	"github.com/lessonkit/datacache/telemetry"
	"github.com/redis/go-redis/v9"
)

// ServiceName identifies datacache in telemetry.
const ServiceName = "datacache"

// Cache bundles everything Open builds.
type Cache struct {
	Logger        logger.Logger
	Store         *cache.Store
	Coordinator   *cache.Coordinator
	Invalidations *invalidation.Registry

	closers []func() error
}

// Close shuts the cache down in reverse order of construction.
func (c *Cache) Close() error {
	var errs error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = errors.CombineErrors(errs, c.closers[i]())
	}
	c.closers = nil
	return errs
}

// NewLogger builds the logger described by cfg. When an OTLP URL is set the
// console or JSON logger is stacked on an OpenTelemetry exporter.
func NewLogger(ctx context.Context, cfg Config) (logger.Logger, telemetry.ShutdownFunc, error) {
	var log logger.Logger
	if cfg.LogFormat == "json" {
		log = logger.NewJSONLogger(cfg.LogLevel)
	} else {
		log = logger.NewConsoleLogger(cfg.LogLevel)
	}
	if cfg.OTLPURL == "" {
		return log, func() {}, nil
	}
	otelLog, shutdown, err := telemetry.New(ctx, telemetry.Config{
		URL:         cfg.OTLPURL,
		Token:       cfg.OTLPToken,
		ServiceName: ServiceName,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "telemetry")
	}
	return otelLog.Stack(log), shutdown, nil
}

// Open builds the logger, durable tier, store, coordinator and invalidation
// registry described by cfg.
func Open(ctx context.Context, cfg Config) (_ *Cache, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cache{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	log, shutdown, err := NewLogger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.Logger = log
	c.closers = append(c.closers, func() error { shutdown(); return nil })

	opts := append(cfg.Options(), cache.WithLogger(log))
	var durable cache.Durable
	var notifier eventing.Client
	switch cfg.Backend {
	case BackendMemory:
		durable = cache.NewMemoryDurable(opts...)
	case BackendSQLite:
		durable, err = cache.NewSQLite(ctx, cfg.SQLitePath, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", cfg.SQLitePath)
		}
	case BackendRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, errors.Wrap(err, "redis url")
		}
		rdb := redis.NewClient(redisOpts)
		c.closers = append(c.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrap(err, "redis ping")
		}
		durable = cache.Guard(cache.NewRedis(rdb, opts...), resilience.DefaultCircuitBreakerConfig())
		notifier = eventing.NewRedisClient(ctx, log, rdb)
		c.closers = append(c.closers, notifier.Close)
	}

	if cfg.StartupSweep {
		opts = append(opts, cache.WithStartupSweep())
	}
	store, err := cache.NewStore(ctx, durable, opts...)
	if err != nil {
		durable.Close()
		return nil, err
	}
	c.Store = store
	c.closers = append(c.closers, store.Close)

	if notifier != nil {
		opts = append(opts, cache.WithNotifier(notifier))
	}
	c.Coordinator = cache.NewCoordinator(ctx, store, opts...)
	c.closers = append(c.closers, c.Coordinator.Close)
	c.Invalidations = invalidation.NewDefault(store, invalidation.WithLogger(log))

	log.Debug("opened %s cache (version %s)", cfg.Backend, cfg.Version)
	return c, nil
}
