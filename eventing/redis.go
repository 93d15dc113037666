package eventing

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/logger"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisSubscriber struct {
	cancel context.CancelFunc
}

// Close stops the delivery goroutine, which closes the underlying PubSub.
func (s *redisSubscriber) Close() error {
	s.cancel()
	return nil
}

type redisClient struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	logger logger.Logger
}

var _ Client = (*redisClient)(nil)

// NewRedisClient returns a Client that fans messages out over Redis pub/sub,
// so refresh notifications can reach inspection tooling in other processes.
// Messages travel as msgpack envelopes carrying data and headers.
// The caller owns the redis.Client.
func NewRedisClient(ctx context.Context, log logger.Logger, rdb *redis.Client) Client {
	ctx, cancel := context.WithCancel(ctx)
	return &redisClient{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(map[string]interface{}{"component": "eventing"}),
	}
}

func (c *redisClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) (err error) {
	if c.ctx.Err() != nil {
		return ErrClientClosed
	}
	ctx, span := produce(ctx, subject)
	defer func() { endSpan(span, err) }()

	payload, err := msgpack.Marshal(newMessage(ctx, subject, data, opts))
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	if err := c.rdb.Publish(ctx, subject, payload).Err(); err != nil {
		return errors.Wrapf(err, "publishing to %s", subject)
	}
	return nil
}

func (c *redisClient) deliver(ctx context.Context, rm *redis.Message, cb MessageCallback) {
	msg := &Message{Subject: rm.Channel}
	if err := msgpack.Unmarshal([]byte(rm.Payload), msg); err != nil {
		c.logger.Error("failed to decode message on %s: %s", rm.Channel, err)
		return
	}
	ctx, span := consume(ctx, msg)
	defer span.End()
	cb(ctx, msg)
}

func (c *redisClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClientClosed
	}
	pubsub := c.rdb.Subscribe(ctx, subject)
	// a publish right after Subscribe returns must not be lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Wrapf(err, "subscribing to %s", subject)
	}

	subCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	go func() {
		defer stop()
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case rm, ok := <-ch:
				if !ok {
					return
				}
				c.deliver(subCtx, rm, cb)
			}
		}
	}()

	return &redisSubscriber{cancel: cancel}, nil
}

// Close ends every subscription. The redis.Client is left open.
func (c *redisClient) Close() error {
	c.cancel()
	return nil
}
