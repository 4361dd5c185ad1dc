// Package logging provides the leveled logger used across the gateway.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level controls which calls actually emit output.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

var (
	level  atomic.Int32
	logger = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	level.Store(int32(LevelInfo))
}

// SetLevel adjusts the global minimum log level.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// UseRotatingFile adds a size/age-rotated file as a second output next to
// stderr, the way a long-running gateway process keeps its disk usage
// bounded.
func UseRotatingFile(path string, maxSizeMB, maxBackups, maxAgeDays int) {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, w))
}

func enabled(l Level) bool {
	return Level(level.Load()) <= l
}

func logf(l Level, prefix, format string, args ...any) {
	if !enabled(l) {
		return
	}
	logger.Printf(prefix+" "+format, args...)
}

func Debugf(format string, args ...any) { logf(LevelDebug, "[DEBUG]", format, args...) }
func Infof(format string, args ...any)  { logf(LevelInfo, "[INFO]", format, args...) }
func Warnf(format string, args ...any)  { logf(LevelWarn, "[WARN]", format, args...) }
func Errorf(format string, args ...any) { logf(LevelError, "[ERROR]", format, args...) }

// Entry carries an attached error across a WithError(...).Warn/Info/Error
// chain, for call sites that want to log an error alongside a message
// without a separate Errorw call.
type Entry struct {
	err error
}

func WithError(err error) *Entry {
	return &Entry{err: err}
}

func (e *Entry) Debug(msg string) { e.log(LevelDebug, "[DEBUG]", msg) }
func (e *Entry) Info(msg string)  { e.log(LevelInfo, "[INFO]", msg) }
func (e *Entry) Warn(msg string)  { e.log(LevelWarn, "[WARN]", msg) }
func (e *Entry) Error(msg string) { e.log(LevelError, "[ERROR]", msg) }

func (e *Entry) log(l Level, prefix, msg string) {
	if !enabled(l) {
		return
	}
	logger.Printf("%s %s err=%v", prefix, msg, e.err)
}

// Errorw logs an error with structured key/value pairs appended, for the
// call sites that want a field or two without pulling in a structured
// logging library.
func Errorw(msg string, err error, kv ...any) {
	if !enabled(LevelError) {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	if err != nil {
		fmt.Fprintf(&b, " err=%v", err)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	logf(LevelError, "[ERROR]", "%s", b.String())
}
