package cache

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/eventing"
	"github.com/vmihailenco/msgpack/v5"
)

// Refreshed is delivered to subscribers when a background refresh stores a
// new value. Data is the JSON encoding of the value.
type Refreshed struct {
	Key  string          `msgpack:"key"`
	Data json.RawMessage `msgpack:"data"`
}

func (c *Coordinator) subject(key string) string {
	return c.store.cfg.version + ".refreshed." + key
}

func (c *Coordinator) publish(ctx context.Context, key string, val any) {
	data, err := json.Marshal(val)
	if err != nil {
		c.logger.Warn("not broadcasting refresh of %s: %s", key, err)
		return
	}
	buf, err := msgpack.Marshal(&Refreshed{Key: key, Data: data})
	if err != nil {
		c.logger.Warn("not broadcasting refresh of %s: %s", key, err)
		return
	}
	if err := c.notifier.Publish(ctx, c.subject(key), buf); err != nil {
		c.logger.Warn("broadcast of %s refresh failed: %s", key, err)
	}
}

// Subscribe calls cb for every refresh of key until ctx ends or the returned
// subscriber is closed. Refreshes published before Subscribe are not replayed.
func (c *Coordinator) Subscribe(ctx context.Context, key string, cb func(ctx context.Context, r Refreshed)) (eventing.Subscriber, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	sub, err := c.notifier.Subscribe(ctx, c.subject(key), func(ctx context.Context, msg *eventing.Message) {
		var r Refreshed
		if err := msgpack.Unmarshal(msg.Data, &r); err != nil {
			c.logger.Warn("dropping malformed refresh notification on %s: %s", msg.Subject, err)
			return
		}
		cb(ctx, r)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to refreshes of %s", key)
	}
	return sub, nil
}

// OnRefreshed is Subscribe with the payload decoded into T. Notifications
// that do not decode as T are logged and skipped.
func OnRefreshed[T any](ctx context.Context, c *Coordinator, key string, cb func(ctx context.Context, val T)) (eventing.Subscriber, error) {
	return c.Subscribe(ctx, key, func(ctx context.Context, r Refreshed) {
		val, err := convert[T](r.Data)
		if err != nil {
			c.logger.Warn("refresh of %s: %s", key, err)
			return
		}
		cb(ctx, val)
	})
}
