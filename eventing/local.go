package eventing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrClientClosed is returned when publishing or subscribing on a closed client.
var ErrClientClosed = errors.New("eventing client is closed")

type localSubscriber struct {
	client  *localClient
	subject string
	cb      MessageCallback
	ctx     context.Context
	stop    func() bool
	closed  atomic.Bool
}

func (s *localSubscriber) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.stop()
		s.client.remove(s)
	}
	return nil
}

func (s *localSubscriber) live() bool {
	return !s.closed.Load() && s.ctx.Err() == nil
}

type localClient struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSubscriber]struct{}
	closed bool
}

var _ Client = (*localClient)(nil)

// NewLocalClient returns an in-process Client. Publish delivers synchronously
// to every current subscriber of the subject, in the publisher's goroutine.
func NewLocalClient() Client {
	return &localClient{
		subs: make(map[string]map[*localSubscriber]struct{}),
	}
}

func (c *localClient) targets(subject string) ([]*localSubscriber, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	out := make([]*localSubscriber, 0, len(c.subs[subject]))
	for sub := range c.subs[subject] {
		out = append(out, sub)
	}
	return out, nil
}

func (c *localClient) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) (err error) {
	ctx, span := produce(ctx, subject)
	defer func() { endSpan(span, err) }()

	subs, err := c.targets(subject)
	if err != nil {
		return err
	}
	msg := newMessage(ctx, subject, data, opts)
	for _, sub := range subs {
		if !sub.live() {
			continue
		}
		own := msg.clone()
		subCtx, subSpan := consume(sub.ctx, own)
		sub.cb(subCtx, own)
		subSpan.End()
	}
	return nil
}

func (c *localClient) Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	sub := &localSubscriber{client: c, subject: subject, cb: cb, ctx: ctx}
	sub.stop = context.AfterFunc(ctx, func() { sub.Close() })
	if c.subs[subject] == nil {
		c.subs[subject] = make(map[*localSubscriber]struct{})
	}
	c.subs[subject][sub] = struct{}{}
	return sub, nil
}

func (c *localClient) remove(sub *localSubscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subs, ok := c.subs[sub.subject]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(c.subs, sub.subject)
		}
	}
}

func (c *localClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, subs := range c.subs {
		for sub := range subs {
			sub.closed.Store(true)
			sub.stop()
		}
	}
	clear(c.subs)
	return nil
}
