package cache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/lessonkit/datacache/eventing"
	"github.com/lessonkit/datacache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("github.com/lessonkit/datacache/cache")

// FetchConfig describes a single read-through request.
type FetchConfig[T any] struct {
	Key string
	// TTL for the value written back. Zero uses the store default; NoExpiry
	// keeps it until explicitly removed.
	TTL time.Duration
	// ForceRefresh discards any cached value and always calls the producer.
	ForceRefresh bool
	// RejectStale blocks on the producer instead of serving an expired value.
	RejectStale bool
	// OnRefresh is called with the new value after a background refresh
	// completes successfully.
	OnRefresh func(T)
}

// Coordinator implements read-through with stale-while-revalidate on top of
// a Store. Use Fetch to read through it.
type Coordinator struct {
	store        *Store
	logger       logger.Logger
	refreshDelay time.Duration
	notifier     eventing.Client
	ownsNotifier bool
	group        singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	mutex  sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCoordinator returns a Coordinator over store. Background refreshes run
// under ctx; Close cancels them.
func NewCoordinator(ctx context.Context, store *Store, opts ...Option) *Coordinator {
	cfg := applyOptions(opts)
	c := &Coordinator{
		store:        store,
		logger:       cfg.logger.With(map[string]interface{}{"component": "coordinator"}),
		refreshDelay: cfg.refreshDelay,
		notifier:     cfg.notifier,
	}
	if c.notifier == nil {
		c.notifier = eventing.NewLocalClient()
		c.ownsNotifier = true
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

// Store returns the underlying store.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Close cancels pending refreshes, waits for in-flight ones to finish and
// closes the notifier if the coordinator created it. The store stays open.
func (c *Coordinator) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	c.store.cancelAll()
	c.cancel()
	c.wg.Wait()
	if c.ownsNotifier {
		return c.notifier.Close()
	}
	return nil
}

// begin registers an in-flight background refresh. It returns false once the
// coordinator is closed.
func (c *Coordinator) begin() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.closed
}

// Fetch returns the value for cfg.Key, calling produce when the cache cannot
// answer. The bool result reports that the value is stale: either served
// while a background refresh runs, or returned as a fallback after the
// producer failed.
//
// Producer errors are returned unchanged when there is no cached value to
// fall back on.
func Fetch[T any](ctx context.Context, c *Coordinator, cfg FetchConfig[T], produce Producer[T]) (T, bool, error) {
	var zero T
	if c.isClosed() {
		return zero, false, ErrClosed
	}
	ctx, span := tracer.Start(ctx, "datacache.Fetch", trace.WithAttributes(attribute.String("cache.key", cfg.Key)))
	defer span.End()

	if cfg.ForceRefresh {
		span.SetAttributes(attribute.String("cache.outcome", "force"))
		c.store.Delete(ctx, cfg.Key)
		val, err := writeThrough(ctx, c, cfg, produce)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return zero, false, err
		}
		return val, false, nil
	}

	prior, err := Get[T](ctx, c.store, cfg.Key, true)
	if err != nil {
		c.logger.Warn("ignoring cached value for %s: %s", cfg.Key, err)
		prior = nil
	}

	switch {
	case prior != nil && !prior.Stale:
		span.SetAttributes(attribute.String("cache.outcome", "fresh"))
		return prior.Data, false, nil
	case prior != nil && !cfg.RejectStale:
		span.SetAttributes(attribute.String("cache.outcome", "stale"))
		scheduleRefresh(c, cfg, produce)
		return prior.Data, true, nil
	}

	val, err := coalesce(ctx, c, cfg, produce)
	if err != nil {
		if prior != nil {
			c.logger.Warn("serving stale %s after fetch failed: %s", cfg.Key, err)
			span.SetAttributes(attribute.String("cache.outcome", "fallback"))
			return prior.Data, true, nil
		}
		span.SetAttributes(attribute.String("cache.outcome", "miss"))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, false, err
	}
	span.SetAttributes(attribute.String("cache.outcome", "miss"))
	return val, false, nil
}

// writeThrough calls produce and stores the result unless the key was
// invalidated while the producer ran. The caller gets the value either way.
func writeThrough[T any](ctx context.Context, c *Coordinator, cfg FetchConfig[T], produce Producer[T]) (T, error) {
	token := c.store.hold()
	defer c.store.unhold(token)
	val, err := produce(ctx)
	if err != nil {
		return val, err
	}
	c.store.setIfCurrent(ctx, cfg.Key, val, cfg.TTL, token)
	return val, nil
}

// coalesce shares one producer call between concurrent foreground misses of
// the same key and type. The shared call is detached from every caller's
// cancellation: a caller whose ctx ends stops waiting, but the producer runs
// to completion and its result is still stored for the others.
func coalesce[T any](ctx context.Context, c *Coordinator, cfg FetchConfig[T], produce Producer[T]) (T, error) {
	flight := cfg.Key + "\x00" + reflect.TypeFor[T]().String()
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flight, func() (interface{}, error) {
		return writeThrough(detached, c, cfg, produce)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Trace("coalesced fetch of %s", cfg.Key)
		}
		val, _ := res.Val.(T)
		return val, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// scheduleRefresh arranges one deferred background refresh of cfg.Key. Reads
// arriving while one is pending do not schedule another.
func scheduleRefresh[T any](c *Coordinator, cfg FetchConfig[T], produce Producer[T]) {
	key := cfg.Key
	scheduled := c.store.schedule(key, c.refreshDelay, func(p *pendingRefresh) {
		defer c.store.release(key, p)
		if !c.begin() {
			return
		}
		defer c.wg.Done()

		ctx, span := tracer.Start(c.ctx, "datacache.Refresh", trace.WithAttributes(attribute.String("cache.key", key)))
		defer span.End()

		val, err := produce(ctx)
		if err != nil {
			c.logger.Warn("background refresh of %s failed: %s", key, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		if _, ok := c.store.setIfCurrent(ctx, key, val, cfg.TTL, p.token); !ok {
			return
		}
		if cfg.OnRefresh != nil {
			cfg.OnRefresh(val)
		}
		c.publish(ctx, key, val)
	})
	if scheduled {
		c.logger.Trace("scheduled refresh of %s", key)
	}
}
