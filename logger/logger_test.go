package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/log/noop"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"warning alias", "warning", LevelWarn},
		{"error level", "error", LevelError},
		{"none", "none", LevelNone},
		{"uppercase trace", "TRACE", LevelTrace},
		{"mixed case debug", "DeBuG", LevelDebug},
		{"empty string", "", LevelInfo},
		{"invalid value", "invalid", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.value, LevelInfo))
		})
	}
}

func TestLevelText(t *testing.T) {
	var level LogLevel
	require.NoError(t, level.UnmarshalText([]byte(" Warning ")))
	assert.Equal(t, LevelWarn, level)
	assert.Equal(t, "warn", level.String())

	err := level.UnmarshalText([]byte("chatty"))
	assert.ErrorContains(t, err, `unknown log level "chatty"`)
	assert.Equal(t, LevelWarn, level)
	assert.Equal(t, "unknown", LogLevel(42).String())
}

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "warn")
	assert.Equal(t, LevelWarn, GetLevelFromEnv())
	t.Setenv(LevelEnv, "")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

type testSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *testSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *testSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestConsoleLoggerSink(t *testing.T) {
	l := NewConsoleLogger(LevelNone)
	sink := &testSink{}
	l.SetSink(sink, LevelDebug)

	log := l.WithPrefix("[cache]").With(map[string]interface{}{"component": "store"})
	log.Trace("hidden")
	log.Debug("hydrated %s", "lessonPlans_a")

	out := sink.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[DEBUG]")
	assert.Contains(t, out, "[cache] hydrated lessonPlans_a")
	assert.Contains(t, out, `{"component":"store"}`)
	assert.NotContains(t, out, "\x1b[")
}

func TestConsoleLoggerLevels(t *testing.T) {
	l := NewConsoleLogger(LevelWarn)
	assert.False(t, l.IsLevelEnabled(LevelInfo))
	assert.True(t, l.IsLevelEnabled(LevelWarn))
	assert.True(t, l.IsLevelEnabled(LevelError))
}

func TestJSONLogEntryString(t *testing.T) {
	entry := JSONLogEntry{Message: "Test message"}
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(entry.String()), &parsed))
	assert.Equal(t, "Test message", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"])

	entry = JSONLogEntry{
		Message:  "Test message",
		Severity: "ERROR",
		Metadata: map[string]interface{}{"key1": "value1", "key2": 42},
	}
	require.NoError(t, json.Unmarshal([]byte(entry.String()), &parsed))
	assert.Equal(t, "ERROR", parsed["severity"])
	metadata := parsed["metadata"].(map[string]interface{})
	assert.Equal(t, "value1", metadata["key1"])
	assert.Equal(t, float64(42), metadata["key2"])
}

func TestJSONLoggerWithSink(t *testing.T) {
	sink := &testSink{}
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewJSONLoggerWithSink(sink, LevelInfo)
	l.(*jsonLogger).ts = &ts

	log := l.With(map[string]interface{}{"component": "cache", "key": "schemes_x"}).WithPrefix("[sweep]")
	log.Debug("dropped")
	log.Warn("quota exceeded for %s", "schemes_x")

	lines := strings.Split(strings.TrimSpace(sink.String()), "\n")
	require.Len(t, lines, 1)
	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "WARNING", entry.Severity)
	assert.Equal(t, "quota exceeded for schemes_x", entry.Message)
	assert.Equal(t, "cache, sweep", entry.Component)
	assert.Equal(t, "schemes_x", entry.Metadata["key"])
	assert.True(t, ts.Equal(entry.Timestamp))
}

func TestTestLogger(t *testing.T) {
	l := NewTestLogger()
	child := l.With(map[string]interface{}{"component": "cache"})

	l.Trace("Trace message", 1)
	child.Warn("Warn %s", "message")
	child.Error("Error message")

	logs := l.Logs()
	require.Len(t, logs, 3)
	assert.Equal(t, "TRACE", logs[0].Severity)
	assert.Equal(t, []interface{}{1}, logs[0].Arguments)
	assert.Equal(t, "WARNING", logs[1].Severity)
	assert.Equal(t, "Warn message", logs[1].Formatted())
	assert.Equal(t, "cache", logs[1].Metadata["component"])
	assert.True(t, l.Contains("ERROR", "Error"))
	assert.False(t, l.Contains("ERROR", "Warn"))
}

func TestTestLoggerConcurrent(t *testing.T) {
	l := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Info("message %d", i)
		}()
	}
	wg.Wait()
	assert.Len(t, l.Logs(), 20)
}

func TestStackForwards(t *testing.T) {
	next := NewTestLogger()
	l := NewConsoleLogger(LevelNone).Stack(next)
	l.With(map[string]interface{}{"a": 1}).Info("forwarded")
	assert.True(t, next.Contains("INFO", "forwarded"))
}

func TestOtelLoggerWithMergesMetadata(t *testing.T) {
	base := NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelTrace)

	first := base.With(map[string]interface{}{
		"base_key": "base_value",
		"shared":   "from_base",
	}).(*otelLogger)
	extended := first.With(map[string]interface{}{
		"extra_key": "extra_value",
		"shared":    "from_extended",
	}).(*otelLogger)

	assert.Len(t, extended.metadata, 3)
	assert.Equal(t, "base_value", extended.metadata["base_key"].AsString())
	assert.Equal(t, "extra_value", extended.metadata["extra_key"].AsString())
	assert.Equal(t, "from_extended", extended.metadata["shared"].AsString())
	assert.Len(t, first.metadata, 2)

	extended.Info("emitted to a no-op provider")
	assert.False(t, NewOtelLogger(noop.NewLoggerProvider().Logger("test"), LevelWarn).IsLevelEnabled(LevelInfo))
}
