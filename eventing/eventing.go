package eventing

import (
	"context"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer     = otel.Tracer("github.com/lessonkit/datacache/eventing")
	propagator = propagation.TraceContext{}
)

// Headers is message metadata. It doubles as the carrier for the
// propagated trace context.
type Headers map[string]string

var _ propagation.TextMapCarrier = Headers(nil)

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	return slices.Sorted(maps.Keys(h))
}

// Message is a single delivered event. Subscribers receive their own copy.
type Message struct {
	Subject string  `msgpack:"-"`
	Data    []byte  `msgpack:"data"`
	Headers Headers `msgpack:"headers"`
}

func (m *Message) clone() *Message {
	return &Message{
		Subject: m.Subject,
		Data:    slices.Clone(m.Data),
		Headers: maps.Clone(m.Headers),
	}
}

type MessageCallback func(ctx context.Context, msg *Message)

type Subscriber interface {
	// Close stops delivery to the subscriber. It is safe to call more than once.
	Close() error
}

// PublishOption adds metadata to an outgoing message.
type PublishOption func(Headers)

func WithHeader(key, value string) PublishOption {
	return func(h Headers) {
		h[key] = value
	}
}

// newMessage applies opts and stamps the trace context of ctx into the headers.
func newMessage(ctx context.Context, subject string, data []byte, opts []PublishOption) *Message {
	msg := &Message{Subject: subject, Data: data, Headers: make(Headers, len(opts))}
	for _, opt := range opts {
		opt(msg.Headers)
	}
	propagator.Inject(ctx, msg.Headers)
	return msg
}

// consume starts the consumer span for msg, linked to the producer through
// the propagated headers.
func consume(ctx context.Context, msg *Message) (context.Context, trace.Span) {
	if msg.Headers == nil {
		msg.Headers = make(Headers)
	}
	return tracer.Start(propagator.Extract(ctx, msg.Headers), "deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(semconv.MessagingDestinationName(msg.Subject)))
}

func produce(ctx context.Context, subject string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(semconv.MessagingDestinationName(subject)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Client defines the interface for event clients. Delivery is best-effort:
// messages published while nobody is subscribed are dropped.
type Client interface {
	// Publish publishes a message to a subject
	Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error
	// Subscribe subscribes to a subject. The subscription ends when ctx is
	// done or the returned Subscriber is closed.
	Subscribe(ctx context.Context, subject string, cb MessageCallback) (Subscriber, error)
	// Close closes the client
	Close() error
}
