// Package logging provides the log sink handed to the metrics controller and
// the rotating file the CLI writes debug logs to.
package logging

import (
	"context"
	"log/slog"
)

// Logger wraps slog.Logger and prepends a fixed prefix to every message so
// metrics lines stand out in the host application's log.
type Logger struct {
	logger *slog.Logger
	prefix string
}

// New wraps logger. A nil logger discards everything.
func New(logger *slog.Logger, prefix string) *Logger {
	if logger == nil {
		logger = Discard()
	}
	if prefix != "" {
		prefix += " "
	}
	return &Logger{logger: logger, prefix: prefix}
}

// Discard returns a slog.Logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.logger.Debug(l.prefix+msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.logger.Info(l.prefix+msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(l.prefix+msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(l.prefix+msg, args...)
}

// Enabled returns whether the logger is enabled for the given level
func (l *Logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.logger.Enabled(ctx, level)
}

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), prefix: l.prefix}
}
