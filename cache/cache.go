package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/eventing"
	"github.com/lessonkit/datacache/logger"
)

// DefaultTTL is the TTL applied when a write or fetch does not specify one.
const DefaultTTL = 5 * time.Minute

// NoExpiry marks an entry that never expires within the process lifetime.
const NoExpiry time.Duration = -1

// DefaultQueryTimeout is the per-operation timeout for durable tiers that
// perform network I/O (Redis).
const DefaultQueryTimeout = 5 * time.Second

// DefaultRefreshDelay is how long a background refresh is deferred after the
// read that scheduled it.
const DefaultRefreshDelay = 10 * time.Millisecond

// DefaultMaxEntries bounds the in-memory tier.
const DefaultMaxEntries = 1024

// DefaultVersion is the version tag used to namespace durable keys.
const DefaultVersion = "v1"

var (
	// ErrQuotaExceeded marks a durable write rejected for lack of capacity.
	ErrQuotaExceeded = errors.New("cache: durable storage quota exceeded")
	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("cache: closed")
	// ErrTypeMismatch is returned when a cached value cannot be converted to
	// the requested type.
	ErrTypeMismatch = errors.New("cache: type mismatch")
)

// Producer fetches the true value for a key from the remote source.
type Producer[T any] func(ctx context.Context) (T, error)

// config holds the resolved configuration shared by the store, coordinator
// and durable tiers. Each constructor reads only the fields it cares about.
type config struct {
	version      string
	defaultTTL   time.Duration
	queryTimeout time.Duration
	refreshDelay time.Duration
	maxEntries   int
	quota        int64
	prefix       string
	startupSweep bool
	now          func() time.Time
	logger       logger.Logger
	notifier     eventing.Client
}

// Option configures a Store, Coordinator or durable tier.
type Option func(*config)

func defaultConfig() config {
	return config{
		version:      DefaultVersion,
		defaultTTL:   DefaultTTL,
		queryTimeout: DefaultQueryTimeout,
		refreshDelay: DefaultRefreshDelay,
		maxEntries:   DefaultMaxEntries,
		now:          time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logger.NewConsoleLogger(logger.LevelNone)
	}
	return cfg
}

// WithVersion sets the version tag that namespaces durable keys. Changing it
// makes every previously persisted entry unreachable. Defaults to DefaultVersion.
func WithVersion(v string) Option {
	return func(c *config) { c.version = v }
}

// WithDefaultTTL sets the TTL used when Set is called with a zero ttl.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithQueryTimeout sets the per-operation timeout for the Redis tier.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithRefreshDelay sets the deferral applied to background refreshes.
// Applies to the Coordinator.
func WithRefreshDelay(d time.Duration) Option {
	return func(c *config) { c.refreshDelay = d }
}

// WithMaxEntries bounds the in-memory tier. Evicted entries stay in the
// durable tier and are rehydrated on the next read.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithQuota limits the durable tier to roughly n bytes. Applies to the
// SQLite and memory durable tiers.
func WithQuota(n int64) Option {
	return func(c *config) { c.quota = n }
}

// WithPrefix sets the key prefix for the Redis tier.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithStartupSweep runs ClearExpired once when the store is created.
func WithStartupSweep() Option {
	return func(c *config) { c.startupSweep = true }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithNotifier sets the eventing client used to broadcast refresh
// notifications. Applies to the Coordinator; defaults to an in-process client.
func WithNotifier(n eventing.Client) Option {
	return func(c *config) { c.notifier = n }
}

// Get retrieves a typed value from the store. Values written in this process
// are returned by type assertion; values hydrated from the durable tier are
// decoded from JSON. A nil Lookup means a miss.
func Get[T any](ctx context.Context, s *Store, key string, acceptStale bool) (*Lookup[T], error) {
	l, ok := s.Get(ctx, key, acceptStale)
	if !ok {
		return nil, nil
	}
	val, err := convert[T](l.Data)
	if err != nil {
		return nil, err
	}
	return &Lookup[T]{Data: val, Stale: l.Stale, Age: l.Age}, nil
}

func convert[T any](val any) (T, error) {
	var result T
	if raw, ok := val.(json.RawMessage); ok {
		if p, ok := any(&result).(*json.RawMessage); ok {
			*p = raw
			return result, nil
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return result, errors.Mark(errors.Wrapf(err, "cache: failed to decode %T", result), ErrTypeMismatch)
		}
		return result, nil
	}
	if val == nil {
		return result, nil
	}
	if typed, ok := val.(T); ok {
		return typed, nil
	}
	return result, errors.Wrapf(ErrTypeMismatch, "cannot convert value of type %T to %T", val, result)
}
