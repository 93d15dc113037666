package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"strings"
	"time"
)

// JSONLogEntry is one line of JSON output, shaped for Cloud Logging style
// collectors.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp,omitempty"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Component string                 `json:"component,omitempty"`
}

func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

var severities = map[LogLevel]string{
	LevelTrace: "TRACE",
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARNING",
	LevelError: "ERROR",
}

type jsonLogger struct {
	metadata     map[string]interface{}
	component    string
	out          io.Writer
	sink         Sink
	sinkLogLevel LogLevel
	logLevel     LogLevel
	ts           *time.Time // pinned timestamp for tests
	child        Logger
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	clone := *c
	clone.metadata = maps.Clone(c.metadata)
	if clone.metadata == nil {
		clone.metadata = make(map[string]interface{})
	}
	return &clone
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLogLevel = level
	if child, ok := c.child.(SinkLogger); ok {
		child.SetSink(sink, level)
	}
}

// WithPrefix folds prefix (brackets stripped) into the component field.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	prefix = strings.Trim(prefix, "[]")
	switch {
	case clone.component == "":
		clone.component = prefix
	case !strings.Contains(clone.component, prefix):
		clone.component += ", " + prefix
	}
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

// With merges fields into the metadata. A string "component" field is
// lifted into the entry's component.
func (c *jsonLogger) With(fields map[string]interface{}) Logger {
	clone := c.clone()
	maps.Copy(clone.metadata, fields)
	if comp, ok := clone.metadata["component"].(string); ok {
		clone.component = comp
		delete(clone.metadata, "component")
	}
	if clone.child != nil {
		clone.child = clone.child.With(fields)
	}
	return clone
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel || level >= c.sinkLogLevel
}

func (c *jsonLogger) emit(level LogLevel, msg string, args []interface{}) {
	defer forward(c.child, level, msg, args)
	if !c.IsLevelEnabled(level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	entry := JSONLogEntry{
		Severity:  severities[level],
		Message:   ansiColorStripper.ReplaceAllString(msg, ""),
		Metadata:  c.metadata,
		Component: c.component,
		Timestamp: time.Now(),
	}
	if c.ts != nil {
		entry.Timestamp = *c.ts
	}
	line := entry.String()
	if c.out != nil && level >= c.logLevel {
		fmt.Fprintln(c.out, line)
	}
	if c.sink != nil && level >= c.sinkLogLevel {
		if _, err := io.WriteString(c.sink, line+"\n"); err != nil {
			log.Printf("sink.Write: %v", err)
		}
	}
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) { c.emit(LevelTrace, msg, args) }
func (c *jsonLogger) Debug(msg string, args ...interface{}) { c.emit(LevelDebug, msg, args) }
func (c *jsonLogger) Info(msg string, args ...interface{})  { c.emit(LevelInfo, msg, args) }
func (c *jsonLogger) Warn(msg string, args ...interface{})  { c.emit(LevelWarn, msg, args) }
func (c *jsonLogger) Error(msg string, args ...interface{}) { c.emit(LevelError, msg, args) }

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.emit(LevelError, msg, args)
	os.Exit(1)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewJSONLogger writes one JSON object per line to stderr. Without an
// explicit level the level comes from DATACACHE_LOG_LEVEL.
func NewJSONLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{out: os.Stderr, logLevel: level, sinkLogLevel: LevelNone}
}

// NewJSONLoggerWithSink writes only to sink, at level and above.
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{sink: sink, sinkLogLevel: level, logLevel: LevelNone}
}
