package cache

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

type redisDurable struct {
	client *redis.Client
	cfg    config
}

var _ Durable = (*redisDurable)(nil)

// NewRedis returns a Durable tier backed by Redis strings. Entries carry no
// Redis TTL; expiry is decided by the Store so stale values stay servable.
// The caller owns the redis.Client lifecycle; Close is a no-op.
func NewRedis(client *redis.Client, opts ...Option) Durable {
	return &redisDurable{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (c *redisDurable) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.cfg.queryTimeout)
}

func (c *redisDurable) prefixKey(key string) string {
	if c.cfg.prefix == "" {
		return key
	}
	return c.cfg.prefix + ":" + key
}

// isOOM matches the reply Redis sends when maxmemory is reached with a
// noeviction policy.
func isOOM(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "OOM ")
}

func (c *redisDurable) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	data, err := c.client.Get(qctx, c.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %q", key)
	}
	return data, true, nil
}

func (c *redisDurable) Set(ctx context.Context, key string, value []byte) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	err := c.client.Set(qctx, c.prefixKey(key), value, 0).Err()
	if err == nil {
		return nil
	}
	if isOOM(err) {
		return errors.Mark(errors.Wrapf(err, "write %q", key), ErrQuotaExceeded)
	}
	return errors.Wrapf(err, "write %q", key)
}

func (c *redisDurable) Delete(ctx context.Context, key string) error {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	if err := c.client.Del(qctx, c.prefixKey(key)).Err(); err != nil {
		return errors.Wrapf(err, "delete %q", key)
	}
	return nil
}

func (c *redisDurable) Keys(ctx context.Context) ([]string, error) {
	qctx, cancel := c.queryCtx(ctx)
	defer cancel()
	match := "*"
	if c.cfg.prefix != "" {
		match = c.cfg.prefix + ":*"
	}
	var keys []string
	iter := c.client.Scan(qctx, 0, match, 100).Iterator()
	for iter.Next(qctx) {
		key := iter.Val()
		if c.cfg.prefix != "" {
			key = strings.TrimPrefix(key, c.cfg.prefix+":")
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan keys")
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op. The caller owns the redis.Client.
func (c *redisDurable) Close() error {
	return nil
}
