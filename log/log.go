// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log provides the small structured-logging seam the ctf package
// logs through. It is intentionally tiny: a Logger writes key/value pairs,
// a Filter gates by level, and a Helper exposes printf-style convenience
// methods on top of either.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is a logging severity.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
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
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is the interface every backend (and the Filter wrapper) implements.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

type stdLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdLogger returns a Logger that writes one line per call to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{out: w}
}

func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s level=%s", time.Now().Format(time.RFC3339), level.String())
	for i := 0; i < len(keyvals); i += 2 {
		fmt.Fprintf(l.out, " %v=%v", keyvals[i], keyvals[i+1])
	}
	fmt.Fprintln(l.out)
	return nil
}

// Option configures a Filter.
type Option func(*Filter)

// FilterLevel sets the minimum level the Filter lets through.
func FilterLevel(level Level) Option {
	return func(f *Filter) { f.level = level }
}

// Filter wraps a Logger and drops records below a minimum level.
type Filter struct {
	logger Logger
	level  Level
}

// NewFilter returns a Logger that forwards to logger only records at or
// above the configured level (LevelDebug, i.e. everything, by default).
func NewFilter(logger Logger, opts ...Option) *Filter {
	f := &Filter{logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, keyvals...)
}

// Helper adds printf-style convenience methods on top of a Logger.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger with Debugf/Warnf/Errorf/Fatalf helpers.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, format string, args ...interface{}) {
	_ = h.logger.Log(level, "msg", fmt.Sprintf(format, args...))
}

func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, format, args...) }
func (h *Helper) Infof(format string, args ...interface{})  { h.log(LevelInfo, format, args...) }
func (h *Helper) Warnf(format string, args ...interface{})  { h.log(LevelWarn, format, args...) }
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, format, args...) }

func (h *Helper) Fatalf(format string, args ...interface{}) {
	h.log(LevelFatal, format, args...)
	os.Exit(1)
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return NewStdLogger(io.Discard)
}
