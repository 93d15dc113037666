package logger

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/log"
)

// otelLogger implements the Logger interface for OpenTelemetry
type otelLogger struct {
	prefixes   []string
	metadata   map[string]log.Value
	logLevel   LogLevel
	otelLogger log.Logger
	ctx        context.Context
	child      Logger
}

var _ Logger = (*otelLogger)(nil)

func (o *otelLogger) clone() *otelLogger {
	clone := *o
	clone.metadata = maps.Clone(o.metadata)
	if clone.metadata == nil {
		clone.metadata = make(map[string]log.Value)
	}
	clone.prefixes = slices.Clone(o.prefixes)
	return &clone
}

func toLogValue(unknown interface{}) log.Value {
	switch v := unknown.(type) {
	case string:
		return log.StringValue(v)
	case int:
		return log.IntValue(v)
	case int64:
		return log.Int64Value(v)
	case bool:
		return log.BoolValue(v)
	case float64:
		return log.Float64Value(v)
	case []byte:
		return log.BytesValue(v)
	case time.Duration:
		return log.StringValue(v.String())
	case []interface{}:
		values := make([]log.Value, 0, len(v))
		for _, item := range v {
			values = append(values, toLogValue(item))
		}
		return log.SliceValue(values...)
	case map[string]interface{}:
		values := make([]log.KeyValue, 0, len(v))
		for k, item := range v {
			values = append(values, log.KeyValue{Key: k, Value: toLogValue(item)})
		}
		return log.MapValue(values...)
	default:
		return log.StringValue(fmt.Sprintf("%v", v))
	}
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (o *otelLogger) WithPrefix(prefix string) Logger {
	clone := o.clone()
	clone.prefixes = append(clone.prefixes, prefix)
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

// With will return a new logger using metadata as the base context
func (o *otelLogger) With(metadata map[string]interface{}) Logger {
	clone := o.clone()
	for k, v := range metadata {
		clone.metadata[k] = toLogValue(v)
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (o *otelLogger) WithContext(ctx context.Context) Logger {
	clone := o.clone()
	clone.ctx = ctx
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (o *otelLogger) Stack(next Logger) Logger {
	clone := o.clone()
	clone.child = next
	return clone
}

func (o *otelLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= o.logLevel
}

var otelSeverities = map[LogLevel]log.Severity{
	LevelTrace: log.SeverityTrace,
	LevelDebug: log.SeverityDebug,
	LevelInfo:  log.SeverityInfo,
	LevelWarn:  log.SeverityWarn,
	LevelError: log.SeverityError,
}

func (o *otelLogger) emit(level LogLevel, severity log.Severity, msg string, args []interface{}) {
	defer forward(o.child, level, msg, args)
	if level < o.logLevel {
		return
	}
	body := fmt.Sprintf(msg, args...)
	if len(o.prefixes) > 0 {
		body = strings.Join(o.prefixes, " ") + " " + body
	}

	now := time.Now()
	var record log.Record
	record.SetBody(log.StringValue(body))
	record.SetSeverity(severity)
	record.SetSeverityText(severity.String())
	record.SetObservedTimestamp(now)
	record.SetTimestamp(now)
	for k, v := range o.metadata {
		record.AddAttributes(log.KeyValue{Key: k, Value: v})
	}

	ctx := o.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	o.otelLogger.Emit(ctx, record)
}

func (o *otelLogger) Trace(msg string, args ...interface{}) {
	o.emit(LevelTrace, otelSeverities[LevelTrace], msg, args)
}

func (o *otelLogger) Debug(msg string, args ...interface{}) {
	o.emit(LevelDebug, otelSeverities[LevelDebug], msg, args)
}

func (o *otelLogger) Info(msg string, args ...interface{}) {
	o.emit(LevelInfo, otelSeverities[LevelInfo], msg, args)
}

func (o *otelLogger) Warn(msg string, args ...interface{}) {
	o.emit(LevelWarn, otelSeverities[LevelWarn], msg, args)
}

func (o *otelLogger) Error(msg string, args ...interface{}) {
	o.emit(LevelError, otelSeverities[LevelError], msg, args)
}

// Fatal emits at fatal severity, forwards as an error, then exits.
func (o *otelLogger) Fatal(msg string, args ...interface{}) {
	o.emit(LevelError, log.SeverityFatal, msg, args)
	os.Exit(1)
}

// NewOtelLogger returns a Logger that emits records to an OpenTelemetry logger.
func NewOtelLogger(otelsLogger log.Logger, level LogLevel) Logger {
	return &otelLogger{
		otelLogger: otelsLogger,
		logLevel:   level,
		metadata:   make(map[string]log.Value),
	}
}
