package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	Reset       = "\033[0m"
	Red         = "\033[31m"
	Green       = "\033[32m"
	Magenta     = "\033[35m"
	BlueBold    = "\033[34;1m"
	MagentaBold = "\033[35;1m"
	RedBold     = "\033[31;1m"
	YellowBold  = "\033[33;1m"
	WhiteBold   = "\033[37;1m"
	CyanBold    = "\033[36;1m"
	Gray        = "\033[1;90m"
	Purple      = "\u001b[38;5;200m"
)

type levelStyle struct {
	name    string
	level   string
	message string
}

var styles = map[LogLevel]levelStyle{
	LevelTrace: {"TRACE", CyanBold, Gray},
	LevelDebug: {"DEBUG", BlueBold, Green},
	LevelInfo:  {"INFO", YellowBold, WhiteBold},
	LevelWarn:  {"WARN", MagentaBold, Magenta},
	LevelError: {"ERROR", RedBold, Red},
}

// consoleOut serializes writes from every console logger sharing a writer.
var consoleOut = struct {
	sync.Mutex
	w io.Writer
}{w: os.Stderr}

type consoleLogger struct {
	prefixes     []string
	metadata     map[string]interface{}
	sink         Sink
	logLevel     LogLevel
	sinkLogLevel LogLevel
	child        Logger
}

var _ SinkLogger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	return &consoleLogger{
		prefixes:     slices.Clone(c.prefixes),
		metadata:     maps.Clone(c.metadata),
		sink:         c.sink,
		logLevel:     c.logLevel,
		sinkLogLevel: c.sinkLogLevel,
		child:        c.child,
	}
}

func (c *consoleLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if !slices.Contains(l.prefixes, prefix) {
		l.prefixes = append(l.prefixes, prefix)
	}
	if l.child != nil {
		l.child = l.child.WithPrefix(prefix)
	}
	return l
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	if clone.metadata == nil {
		clone.metadata = make(map[string]interface{}, len(metadata))
	}
	maps.Copy(clone.metadata, metadata)
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (c *consoleLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLogLevel = level
	if child, ok := c.child.(SinkLogger); ok {
		child.SetSink(sink, level)
	}
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel || level >= c.sinkLogLevel
}

func (c *consoleLogger) format(level LogLevel, msg string, args ...interface{}) string {
	style := styles[level]
	var prefix, suffix string
	if len(c.prefixes) > 0 {
		prefix = color(Purple) + strings.Join(c.prefixes, " ") + color(Reset) + " "
	}
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		suffix = " " + color(Gray) + string(buf) + color(Reset)
	}
	levelText := color(style.level) + fmt.Sprintf("[%-5s]", style.name) + color(Reset)
	message := color(style.message) + fmt.Sprintf(msg, args...) + color(Reset)
	return levelText + " " + prefix + message + suffix
}

func (c *consoleLogger) emit(level LogLevel, msg string, args []interface{}) {
	defer forward(c.child, level, msg, args)
	if !c.IsLevelEnabled(level) {
		return
	}
	out := c.format(level, msg, args...)
	now := time.Now()
	if level >= c.logLevel {
		consoleOut.Lock()
		fmt.Fprintln(consoleOut.w, now.Format("15:04:05.000")+" "+out)
		consoleOut.Unlock()
	}
	if c.sink != nil && level >= c.sinkLogLevel {
		fmt.Fprintln(c.sink, now.Format(time.RFC3339Nano)+" "+ansiColorStripper.ReplaceAllString(out, ""))
	}
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) { c.emit(LevelTrace, msg, args) }
func (c *consoleLogger) Debug(msg string, args ...interface{}) { c.emit(LevelDebug, msg, args) }
func (c *consoleLogger) Info(msg string, args ...interface{})  { c.emit(LevelInfo, msg, args) }
func (c *consoleLogger) Warn(msg string, args ...interface{})  { c.emit(LevelWarn, msg, args) }
func (c *consoleLogger) Error(msg string, args ...interface{}) { c.emit(LevelError, msg, args) }

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.emit(LevelError, msg, args)
	os.Exit(1)
}

func (c *consoleLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewConsoleLogger returns a new Logger instance which will log to stderr.
// Without an explicit level the level comes from DATACACHE_LOG_LEVEL.
func NewConsoleLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{logLevel: level, sinkLogLevel: LevelNone}
}
