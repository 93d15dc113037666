package logger

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// LogLevel orders severities from most to least verbose.
type LogLevel int

const (
	LevelTrace LogLevel = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelNone
)

// LevelEnv names the variable read by GetLevelFromEnv.
const LevelEnv = "DATACACHE_LOG_LEVEL"

var levelNames = map[string]LogLevel{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"none":    LevelNone,
	"off":     LevelNone,
}

func (l LogLevel) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelNone:
		return "none"
	}
	return "unknown"
}

// UnmarshalText accepts the names ParseLevel knows and rejects anything else.
func (l *LogLevel) UnmarshalText(text []byte) error {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(string(text)))]
	if !ok {
		return errors.Newf("unknown log level %q", text)
	}
	*l = level
	return nil
}

// ParseLevel converts a level name into a LogLevel. Unknown names return def.
func ParseLevel(s string, def LogLevel) LogLevel {
	var level LogLevel
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return def
	}
	return level
}

// GetLevelFromEnv reads DATACACHE_LOG_LEVEL, falling back to info.
func GetLevelFromEnv() LogLevel {
	return ParseLevel(os.Getenv(LevelEnv), LevelInfo)
}

type Sink io.Writer

// Logger is the logging surface every datacache component takes. Derived
// loggers never mutate their parent.
type Logger interface {
	// With returns a logger that attaches metadata to every entry.
	With(metadata map[string]interface{}) Logger
	// WithPrefix returns a logger that tags every entry with prefix.
	WithPrefix(prefix string) Logger
	// WithContext returns a logger bound to ctx, for backends that correlate
	// entries with the active span.
	WithContext(ctx context.Context) Logger
	Trace(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	// Fatal logs at error level and exits with status 1.
	Fatal(msg string, args ...interface{})
	// Stack returns a logger that also forwards every entry to next.
	Stack(next Logger) Logger
	IsLevelEnabled(level LogLevel) bool
}

// SinkLogger can mirror its output into a secondary writer.
type SinkLogger interface {
	Logger
	// SetSink mirrors entries at or above level into sink.
	SetSink(sink Sink, level LogLevel)
}

// forward relays an entry to a stacked logger at the same level.
func forward(next Logger, level LogLevel, msg string, args []interface{}) {
	if next == nil {
		return
	}
	switch level {
	case LevelTrace:
		next.Trace(msg, args...)
	case LevelDebug:
		next.Debug(msg, args...)
	case LevelInfo:
		next.Info(msg, args...)
	case LevelWarn:
		next.Warn(msg, args...)
	default:
		next.Error(msg, args...)
	}
}

var ansiColorStripper = regexp.MustCompile("\x1b\\[[0-9;]*[mK]")
