package cache

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/resilience"
)

// ErrDurableUnavailable marks a durable operation skipped because the tier
// has been failing.
var ErrDurableUnavailable = errors.New("cache: durable tier unavailable")

type guardedDurable struct {
	Durable
	breaker *resilience.CircuitBreaker
}

// Guard wraps d so that after repeated failures its operations fail fast with
// ErrDurableUnavailable until the breaker's cooldown passes. Quota errors do
// not count as failures. The Store then serves from memory alone.
func Guard(d Durable, config resilience.CircuitBreakerConfig) Durable {
	config.IsFailure = func(err error) bool {
		return !errors.Is(err, ErrQuotaExceeded)
	}
	return &guardedDurable{Durable: d, breaker: resilience.NewCircuitBreaker(config)}
}

func (g *guardedDurable) do(fn func() error) error {
	err := g.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrCircuitBreakerOpen) {
		return errors.Mark(errors.Wrap(err, "durable tier"), ErrDurableUnavailable)
	}
	return err
}

func (g *guardedDurable) Get(ctx context.Context, key string) (val []byte, found bool, err error) {
	err = g.do(func() error {
		var err error
		val, found, err = g.Durable.Get(ctx, key)
		return err
	})
	return val, found, err
}

func (g *guardedDurable) Set(ctx context.Context, key string, value []byte) error {
	return g.do(func() error { return g.Durable.Set(ctx, key, value) })
}

func (g *guardedDurable) Delete(ctx context.Context, key string) error {
	return g.do(func() error { return g.Durable.Delete(ctx, key) })
}

func (g *guardedDurable) Keys(ctx context.Context) (keys []string, err error) {
	err = g.do(func() error {
		var err error
		keys, err = g.Durable.Keys(ctx)
		return err
	})
	return keys, err
}
