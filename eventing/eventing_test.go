package eventing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lessonkit/datacache/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaders(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		h := Headers{"key": "value"}
		assert.Equal(t, "value", h.Get("key"))
		assert.Equal(t, "", h.Get("nonexistent"))
	})

	t.Run("Set", func(t *testing.T) {
		h := Headers{}
		h.Set("key", "value")
		assert.Equal(t, "value", h.Get("key"))

		h.Set("key", "new-value")
		assert.Equal(t, "new-value", h.Get("key"))
	})

	t.Run("Keys", func(t *testing.T) {
		h := Headers{"key1": "value1", "key2": "value2"}
		keys := h.Keys()
		assert.Len(t, keys, 2)
		assert.Contains(t, keys, "key1")
		assert.Contains(t, keys, "key2")
	})
}

func TestWithHeader(t *testing.T) {
	msg := newMessage(context.Background(), "v1.refreshed.a", []byte("x"),
		[]PublishOption{WithHeader("a", "1"), WithHeader("b", "2")})
	assert.Equal(t, "1", msg.Headers.Get("a"))
	assert.Equal(t, "2", msg.Headers.Get("b"))
	assert.Equal(t, "v1.refreshed.a", msg.Subject)
}

func TestMessageClone(t *testing.T) {
	msg := &Message{Subject: "s", Data: []byte("abc"), Headers: Headers{"k": "v"}}
	own := msg.clone()
	own.Data[0] = 'z'
	own.Headers.Set("k", "changed")
	assert.Equal(t, []byte("abc"), msg.Data)
	assert.Equal(t, "v", msg.Headers.Get("k"))
}

func TestTraceContextPropagates(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	tracer = tp.Tracer("test")
	t.Cleanup(func() { tracer = otel.Tracer("github.com/lessonkit/datacache/eventing") })

	c := NewLocalClient()
	defer c.Close()

	var traceID trace.TraceID
	_, err := c.Subscribe(context.Background(), "s", func(ctx context.Context, msg *Message) {
		traceID = trace.SpanContextFromContext(ctx).TraceID()
	})
	require.NoError(t, err)
	require.NoError(t, c.Publish(context.Background(), "s", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "deliver", spans[0].Name)
	assert.Equal(t, "Publish", spans[1].Name)
	assert.Equal(t, spans[1].SpanContext.TraceID(), traceID)
}

func TestLocalPublishSubscribe(t *testing.T) {
	c := NewLocalClient()
	defer c.Close()
	ctx := context.Background()

	var got []*Message
	sub, err := c.Subscribe(ctx, "v1.refreshed.a", func(ctx context.Context, msg *Message) {
		got = append(got, msg)
	})
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "v1.refreshed.a", []byte("one"), WithHeader("x", "y")))
	require.NoError(t, c.Publish(ctx, "v1.refreshed.b", []byte("other")))

	require.Len(t, got, 1)
	assert.Equal(t, "v1.refreshed.a", got[0].Subject)
	assert.Equal(t, []byte("one"), got[0].Data)
	assert.Equal(t, "y", got[0].Headers.Get("x"))

	require.NoError(t, sub.Close())
	require.NoError(t, c.Publish(ctx, "v1.refreshed.a", []byte("two")))
	assert.Len(t, got, 1)
}

func TestLocalNoReplay(t *testing.T) {
	c := NewLocalClient()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "subject", []byte("early")))

	var count int
	_, err := c.Subscribe(ctx, "subject", func(ctx context.Context, msg *Message) { count++ })
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestLocalSubscriptionEndsWithContext(t *testing.T) {
	c := NewLocalClient()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var count int
	_, err := c.Subscribe(ctx, "subject", func(ctx context.Context, msg *Message) { count++ })
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		lc := c.(*localClient)
		lc.mu.RLock()
		defer lc.mu.RUnlock()
		return len(lc.subs) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Publish(context.Background(), "subject", []byte("late")))
	assert.Equal(t, 0, count)
}

func TestLocalClosed(t *testing.T) {
	c := NewLocalClient()
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish(context.Background(), "s", nil), ErrClientClosed)
	_, err := c.Subscribe(context.Background(), "s", func(ctx context.Context, msg *Message) {})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRedisPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedisClient(context.Background(), logger.NewTestLogger(), rdb)
	defer c.Close()

	var mu sync.Mutex
	var got []*Message
	sub, err := c.Subscribe(context.Background(), "v1.refreshed.a", func(ctx context.Context, msg *Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, c.Publish(context.Background(), "v1.refreshed.a", []byte("payload"), WithHeader("k", "v")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "v1.refreshed.a", got[0].Subject)
	assert.Equal(t, []byte("payload"), got[0].Data)
	assert.Equal(t, "v", got[0].Headers.Get("k"))
}
