package logger

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// Formatted returns the message with its arguments applied.
func (e TestLogEntry) Formatted() string {
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testLogBuffer struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived with With or
// Stack share the same buffer, so assertions on the root see everything.
// It is safe for concurrent use.
type TestLogger struct {
	metadata map[string]interface{}
	buf      *testLogBuffer
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := maps.Clone(c.metadata)
	if kv == nil {
		kv = make(map[string]interface{}, len(metadata))
	}
	maps.Copy(kv, metadata)
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: kv, buf: c.buf, child: child}
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) log(level string, msg string, args ...interface{}) {
	c.buf.mu.Lock()
	c.buf.entries = append(c.buf.entries, TestLogEntry{level, msg, args, c.metadata})
	c.buf.mu.Unlock()
}

// Logs returns a copy of every entry recorded so far.
func (c *TestLogger) Logs() []TestLogEntry {
	c.buf.mu.Lock()
	defer c.buf.mu.Unlock()
	return append([]TestLogEntry(nil), c.buf.entries...)
}

// Contains reports whether an entry of the given severity has a formatted
// message containing substr.
func (c *TestLogger) Contains(severity, substr string) bool {
	for _, entry := range c.Logs() {
		if entry.Severity == severity && strings.Contains(entry.Formatted(), substr) {
			return true
		}
	}
	return false
}

func (c *TestLogger) record(level LogLevel, severity, msg string, args []interface{}) {
	c.log(severity, msg, args...)
	forward(c.child, level, msg, args)
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.record(LevelTrace, "TRACE", msg, args) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.record(LevelDebug, "DEBUG", msg, args) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.record(LevelInfo, "INFO", msg, args) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.record(LevelWarn, "WARNING", msg, args) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.record(LevelError, "ERROR", msg, args) }

// Fatal records the entry but does not exit, so tests can assert on it.
func (c *TestLogger) Fatal(msg string, args ...interface{}) { c.record(LevelError, "FATAL", msg, args) }

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, buf: c.buf, child: next}
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{buf: &testLogBuffer{}}
}
