package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lessonkit/datacache/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
)

type ShutdownFunc func()

// Config points the exporters at an OTLP/HTTP collector.
type Config struct {
	// URL is the collector base URL; /v1/logs and /v1/traces are appended.
	URL         string
	Token       string
	ServiceName string
	Level       logger.LogLevel
}

// New installs OTLP log and trace exporters and returns a logger that emits
// through them. The returned ShutdownFunc flushes and stops both providers.
func New(ctx context.Context, cfg Config) (logger.Logger, ShutdownFunc, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing otlp url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, nil, fmt.Errorf("otlp url %q must be http or https", cfg.URL)
	}
	logURL := *base
	logURL.Path = "/v1/logs"
	traceURL := *base
	traceURL.Path = "/v1/traces"

	res, err := resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil && !errors.Is(err, resource.ErrPartialResource) && !errors.Is(err, resource.ErrSchemaURLConflict) {
		return nil, nil, fmt.Errorf("error creating resource: %w", err)
	}

	headers := make(map[string]string)
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}
	logOpts := []otlploghttp.Option{
		otlploghttp.WithEndpointURL(logURL.String()),
		otlploghttp.WithHeaders(headers),
		otlploghttp.WithTimeout(time.Second * 10),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpointURL(traceURL.String()),
		otlptracehttp.WithHeaders(headers),
		otlptracehttp.WithTimeout(time.Second * 10),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if base.Scheme == "http" {
		logOpts = append(logOpts, otlploghttp.WithInsecure())
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}

	logExporter, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating log exporter: %w", err)
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating trace exporter: %w", err)
	}

	logProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(traceProvider)

	log := logger.NewOtelLogger(logProvider.Logger(cfg.ServiceName), cfg.Level)

	return log, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		_ = traceProvider.Shutdown(ctx)
		_ = logProvider.Shutdown(ctx)
	}, nil
}
