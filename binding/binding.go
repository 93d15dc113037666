// Package binding adapts a cache key to a consumer that renders its value.
//
// A Binding loads the value for a key once, keeps a snapshot of it, and
// updates that snapshot whenever the coordinator broadcasts a background
// refresh of the key. Consumers read the snapshot with State or get pushed
// every change through WithOnChange.
package binding

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/cache"
	"github.com/lessonkit/datacache/eventing"
	"github.com/lessonkit/datacache/logger"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrClosed is returned by operations on a closed binding.
var ErrClosed = errors.New("binding: closed")

// State is a snapshot of a binding.
type State[T any] struct {
	Data T
	// Loading is true until a value has been delivered for the current key.
	// A failed first load leaves it true with Err set, so callers check Err
	// to tell a failed load from one still in flight.
	Loading bool
	// Err is the last producer error, cleared by the next delivered value.
	Err   error
	Stale bool
}

type settings struct {
	refreshOnMount bool
	ttl            time.Duration
	deps           []any
	onChange       any
	logger         logger.Logger
}

// Option configures a Binding.
type Option func(*settings)

// WithRefreshOnMount makes the initial load go through the producer instead
// of trying the cache first.
func WithRefreshOnMount() Option {
	return func(s *settings) { s.refreshOnMount = true }
}

// WithTTL sets the TTL for values the binding writes back.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) { s.ttl = ttl }
}

// WithDeps sets the initial dependency list. See Binding.Update.
func WithDeps(deps ...any) Option {
	return func(s *settings) { s.deps = deps }
}

// WithOnChange registers fn to receive every new state. fn must take the
// State of the binding's own type.
func WithOnChange[T any](fn func(State[T])) Option {
	return func(s *settings) { s.onChange = fn }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// Binding tracks the value of one cache key at a time.
type Binding[T any] struct {
	coord    *cache.Coordinator
	logger   logger.Logger
	ttl      time.Duration
	onChange func(State[T])

	mutex    sync.Mutex
	state    State[T]
	key      string
	produce  cache.Producer[T]
	depsHash uint64
	gen      uint64
	sub      eventing.Subscriber
	cancel   context.CancelFunc
	closed   bool
}

// New binds to key and starts loading it in the background. The returned
// binding reports Loading until the first value arrives.
func New[T any](ctx context.Context, coord *cache.Coordinator, key string, produce cache.Producer[T], opts ...Option) (*Binding[T], error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	b := &Binding[T]{
		coord:  coord,
		logger: s.logger.With(map[string]interface{}{"component": "binding"}),
		ttl:    s.ttl,
	}
	if s.onChange != nil {
		fn, ok := s.onChange.(func(State[T]))
		if !ok {
			return nil, errors.Newf("binding: OnChange callback %T does not match %T", s.onChange, b.state)
		}
		b.onChange = fn
	}
	hash, err := hashDeps(s.deps)
	if err != nil {
		return nil, err
	}
	if err := b.start(ctx, key, produce, hash, s.refreshOnMount); err != nil {
		return nil, err
	}
	return b, nil
}

func hashDeps(deps []any) (uint64, error) {
	if len(deps) == 0 {
		return 0, nil
	}
	buf, err := msgpack.Marshal(deps)
	if err != nil {
		return 0, errors.Wrap(err, "binding: encode dependencies")
	}
	return xxhash.Sum64(buf), nil
}

// start tears down the current subscription, if any, and begins a new one.
func (b *Binding[T]) start(ctx context.Context, key string, produce cache.Producer[T], depsHash uint64, refresh bool) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	b.stopLocked()
	b.gen++
	gen := b.gen
	b.key = key
	b.produce = produce
	b.depsHash = depsHash
	b.state = State[T]{Loading: true}
	subCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mutex.Unlock()

	sub, err := cache.OnRefreshed(subCtx, b.coord, key, func(_ context.Context, val T) {
		b.deliver(gen, val, false, nil)
	})
	if err != nil {
		cancel()
		return errors.Wrapf(err, "binding: subscribe to %s", key)
	}

	b.mutex.Lock()
	if b.gen != gen || b.closed {
		b.mutex.Unlock()
		sub.Close()
		return nil
	}
	b.sub = sub
	b.mutex.Unlock()

	b.logger.Debug("bound to %s", key)
	go b.load(subCtx, gen, key, produce, refresh)
	return nil
}

func (b *Binding[T]) stopLocked() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
}

func (b *Binding[T]) load(ctx context.Context, gen uint64, key string, produce cache.Producer[T], refresh bool) {
	var delivered bool
	if !refresh {
		l, err := cache.Get[T](ctx, b.coord.Store(), key, true)
		if err != nil {
			b.logger.Debug("cached %s unusable: %s", key, err)
		}
		if l != nil {
			b.deliver(gen, l.Data, l.Stale, nil)
			if !l.Stale {
				return
			}
			delivered = true
		}
	}
	val, stale, err := cache.Fetch(ctx, b.coord, cache.FetchConfig[T]{Key: key, TTL: b.ttl}, produce)
	if delivered && stale && err == nil {
		// the scheduled refresh arrives as a notification
		return
	}
	b.deliver(gen, val, stale, err)
}

// deliver applies a result to the state unless it belongs to an earlier
// subscription or the binding is closed.
func (b *Binding[T]) deliver(gen uint64, val T, stale bool, err error) {
	b.mutex.Lock()
	if b.closed || b.gen != gen {
		b.mutex.Unlock()
		return
	}
	if err != nil {
		b.state.Err = err
	} else {
		b.state = State[T]{Data: val, Stale: stale}
	}
	state := b.state
	b.mutex.Unlock()

	if err != nil {
		b.logger.Warn("loading %s failed: %s", b.Key(), err)
	}
	if b.onChange != nil {
		b.onChange(state)
	}
}

// State returns the current snapshot.
func (b *Binding[T]) State() State[T] {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Key returns the key currently bound.
func (b *Binding[T]) Key() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.key
}

// Refresh discards the cached value and calls the producer. The error is
// also recorded in the state.
func (b *Binding[T]) Refresh(ctx context.Context) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	gen, key, produce := b.gen, b.key, b.produce
	b.mutex.Unlock()

	val, stale, err := cache.Fetch(ctx, b.coord, cache.FetchConfig[T]{Key: key, TTL: b.ttl, ForceRefresh: true}, produce)
	b.deliver(gen, val, stale, err)
	return err
}

// Update rebinds to key with produce. If neither the key nor the encoded
// deps changed, only the producer is swapped; otherwise the binding starts
// over as a new subscription and reports Loading again.
func (b *Binding[T]) Update(ctx context.Context, key string, produce cache.Producer[T], deps ...any) error {
	hash, err := hashDeps(deps)
	if err != nil {
		return err
	}
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	if key == b.key && hash == b.depsHash {
		b.produce = produce
		b.mutex.Unlock()
		return nil
	}
	b.mutex.Unlock()
	return b.start(ctx, key, produce, hash, false)
}

// Close stops listening for refreshes. Results that arrive afterwards are
// discarded.
func (b *Binding[T]) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.stopLocked()
	return nil
}
