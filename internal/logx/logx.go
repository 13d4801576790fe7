// Package logx is the pipeline's structured logger. Stage progress is logged
// at debug level as "[stage] message" lines and only shows with --verbose.
package logx

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"

	"github.com/kyleseneker/gradlink/internal/diag"
)

// Level selects how much is logged.
type Level int

const (
	Quiet Level = iota
	Normal
	Verbose
)

// Logger wraps a pterm logger. A nil *Logger discards everything.
type Logger struct {
	pl    *pterm.Logger
	level Level
}

// New returns a logger writing to w.
func New(w io.Writer, level Level) *Logger {
	pl := pterm.DefaultLogger.
		WithWriter(w).
		WithTime(false).
		WithLevel(ptermLevel(level))
	return &Logger{pl: pl, level: level}
}

func ptermLevel(level Level) pterm.LogLevel {
	switch level {
	case Quiet:
		return pterm.LogLevelWarn
	case Verbose:
		return pterm.LogLevelDebug
	default:
		return pterm.LogLevelInfo
	}
}

// Verbose reports whether debug output is enabled.
func (l *Logger) Verbose() bool {
	return l != nil && l.level >= Verbose
}

// Stage logs a formatted progress line for a pipeline stage.
func (l *Logger) Stage(stage diag.Stage, format string, args ...any) {
	if !l.Verbose() {
		return
	}
	l.pl.Debug(fmt.Sprintf("[%s] %s", stage, fmt.Sprintf(format, args...)))
}

// Debug logs msg with key/value pairs when verbose.
func (l *Logger) Debug(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.pl.Debug(msg, l.pl.Args(kv...))
}

// Info logs msg with key/value pairs.
func (l *Logger) Info(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.pl.Info(msg, l.pl.Args(kv...))
}

// Warn logs msg with key/value pairs, even in quiet mode.
func (l *Logger) Warn(msg string, kv ...any) {
	if l == nil {
		return
	}
	l.pl.Warn(msg, l.pl.Args(kv...))
}
