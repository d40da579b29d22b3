// Package logging wraps the standard logger with level filtering and a
// component prefix so every line reads "<time> <LEVEL> <component>: <msg>".
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

// Level is a log severity
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logger is a leveled logger for one component
type Logger struct {
	out       *log.Logger
	level     Level
	component string
}

// New creates a logger writing to w
func New(w io.Writer, level Level) *Logger {
	return &Logger{out: log.New(w, "", 0), level: level}
}

// Stderr returns a logger writing to standard error
func Stderr(level Level) *Logger {
	return New(os.Stderr, level)
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// With returns a copy of l that tags lines with component
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return Discard().With(component)
	}
	c := *l
	c.component = component
	return &c
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if l == nil || level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
		return
	}
	l.out.Printf("%s %s %s", time.Now().Format(time.RFC3339), level, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }
