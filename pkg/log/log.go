// Package log provides the small leveled logger used across this module.
// No structured-logging library appears anywhere in the example corpus
// this project was built against, so this wraps the standard library's
// log package rather than reaching for a third-party dependency with no
// precedent here.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is a minimal leveled logger: anything below its configured
// Level is dropped before formatting.
type Logger struct {
	level Level
	std   *log.Logger
}

// New builds a Logger writing to w, prefixed with name, at the given
// minimum level.
func New(w io.Writer, name string, level Level) *Logger {
	prefix := ""
	if name != "" {
		prefix = "[" + name + "] "
	}
	return &Logger{
		level: level,
		std:   log.New(w, prefix, log.LstdFlags),
	}
}

// Default builds a Logger writing to stderr at LevelInfo.
func Default(name string) *Logger {
	return New(os.Stderr, name, LevelInfo)
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if l == nil || level < l.level {
		return
	}
	l.std.Printf("%s %s", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
