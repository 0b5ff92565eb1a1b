package stage

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Logger is the structured logging interface used by stages.
// Adapters for other logging libraries only need these four methods.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is a key-value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F creates a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field) {}
func (NopLogger) Info(string, ...Field) {}
func (NopLogger) Warn(string, ...Field) {}
func (NopLogger) Error(string, ...Field) {}

// Level is the minimum severity a ConsoleLogger writes.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps "debug", "info", "warn" and "error" to a Level.
// Anything else yields LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var levelTags = map[Level]string{
	LevelDebug: color.New(color.FgHiBlack).Sprint("DEBUG"),
	LevelInfo:  color.New(color.FgCyan).Sprint("INFO "),
	LevelWarn:  color.New(color.FgYellow).Sprint("WARN "),
	LevelError: color.New(color.FgRed, color.Bold).Sprint("ERROR"),
}

// ConsoleLogger writes one line per entry with a colored level tag.
// Colors are dropped automatically when the output is not a terminal.
type ConsoleLogger struct {
	mu    sync.Mutex
	w     io.Writer
	level Level
}

// NewConsoleLogger returns a logger writing entries at or above level to w.
func NewConsoleLogger(w io.Writer, level Level) *ConsoleLogger {
	return &ConsoleLogger{w: w, level: level}
}

func (l *ConsoleLogger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *ConsoleLogger) Info(msg string, fields ...Field) { l.log(LevelInfo, msg, fields) }
func (l *ConsoleLogger) Warn(msg string, fields ...Field) { l.log(LevelWarn, msg, fields) }
func (l *ConsoleLogger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *ConsoleLogger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(levelTags[level])
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	_, _ = io.WriteString(l.w, b.String())
	l.mu.Unlock()
}
