// Package logging provides levelled key=value console logging for the
// dispatcher and its transports.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger writes one line per entry:
// LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	l.minLevel = LevelError
	return l
}

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	level := Level(strings.ToUpper(strings.TrimSpace(s)))
	if level == "WARNING" {
		level = LevelWarn
	}
	if _, ok := levelPriority[level]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// WithComponent returns a new logger with the given component name.
// The child shares the parent's output and lock.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		mu:        l.mu,
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats fields as key=value pairs sorted by key.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Dispatcher events ---

// RateLimited logs a server rate-limit rejection.
func (l *Logger) RateLimited(bucket, route string, global bool, retryAfter time.Duration) {
	l.Warn("rate_limited", map[string]interface{}{
		"bucket":      bucket,
		"route":       route,
		"global":      global,
		"retry_after": retryAfter.String(),
	})
}

// GlobalPause logs that every REST bucket is paused until the given time.
func (l *Logger) GlobalPause(until time.Time) {
	l.Warn("global_pause", map[string]interface{}{
		"until": until.UTC().Format(time.RFC3339Nano),
	})
}

// Throttled logs a pre-emptive wait before a send.
func (l *Logger) Throttled(bucket, requestID string, wait time.Duration) {
	l.Debug("throttled", map[string]interface{}{
		"bucket":     bucket,
		"request_id": requestID,
		"wait":       wait.String(),
	})
}

// Redirected logs that a route key now shares a server-assigned bucket.
func (l *Logger) Redirected(from, to string) {
	l.Debug("bucket_redirect", map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// Evicted logs idle buckets removed by the reaper.
func (l *Logger) Evicted(count, remaining int) {
	l.Debug("buckets_evicted", map[string]interface{}{
		"evicted":   count,
		"remaining": remaining,
	})
}

// Cleared logs a queue clear (reconnect/resume).
func (l *Logger) Cleared(buckets int) {
	l.Info("queue_cleared", map[string]interface{}{
		"buckets": buckets,
	})
}

// Closed logs dispatcher shutdown.
func (l *Logger) Closed(duration time.Duration) {
	l.Info("dispatcher_closed", map[string]interface{}{
		"duration": duration.String(),
	})
}

// TransportError logs a failed send that is passed back to the caller.
func (l *Logger) TransportError(bucket, route string, err error) {
	l.Error("transport_error", map[string]interface{}{
		"bucket": bucket,
		"route":  route,
		"error":  err.Error(),
	})
}
