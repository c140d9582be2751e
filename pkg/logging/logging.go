// Package logging provides the small structured-logging interface shared
// by every component package: a Logger interface backed by log/slog, a
// DefaultLogger() using the package-level slog calls, and a
// SlogLogger(*slog.Logger) constructor so a host process can inject its
// own structured logger. It takes a prefix so every component
// (perceptual, shortterm, dslexec, longterm, retrieval, engine) can share
// the same implementation instead of repeating the boilerplate per
// package.
package logging

import (
	"fmt"
	"log/slog"
)

// Logger is the logging interface used throughout this module's
// components.
type Logger interface {
	ErrorPrintf(format string, args ...any)
	WarnPrintf(format string, args ...any)
	InfoPrintf(format string, args ...any)
	DebugPrintf(format string, args ...any)
	Errorf(format string, args ...any) error
}

type defaultLogger struct{ prefix string }

// DefaultLogger returns a Logger that writes through the top-level slog
// functions, prefixing every message with "<prefix>: ".
func DefaultLogger(prefix string) Logger {
	return defaultLogger{prefix: prefix}
}

func (f defaultLogger) ErrorPrintf(format string, args ...any) {
	slog.Error(f.prefix + ": " + fmt.Sprintf(format, args...))
}

func (f defaultLogger) WarnPrintf(format string, args ...any) {
	slog.Warn(f.prefix + ": " + fmt.Sprintf(format, args...))
}

func (f defaultLogger) InfoPrintf(format string, args ...any) {
	slog.Info(f.prefix + ": " + fmt.Sprintf(format, args...))
}

func (f defaultLogger) DebugPrintf(format string, args ...any) {
	slog.Debug(f.prefix + ": " + fmt.Sprintf(format, args...))
}

func (f defaultLogger) Errorf(format string, args ...any) error {
	return fmt.Errorf(f.prefix+": "+format, args...)
}

type slogLogger struct {
	*slog.Logger
	prefix string
}

// SlogLogger wraps an existing *slog.Logger, prefixing every message with
// "<prefix>: " the same way DefaultLogger does.
func SlogLogger(l *slog.Logger, prefix string) Logger {
	return &slogLogger{Logger: l, prefix: prefix}
}

func (s *slogLogger) ErrorPrintf(format string, args ...any) {
	s.Logger.Error(s.prefix + ": " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) WarnPrintf(format string, args ...any) {
	s.Logger.Warn(s.prefix + ": " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) InfoPrintf(format string, args ...any) {
	s.Logger.Info(s.prefix + ": " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) DebugPrintf(format string, args ...any) {
	s.Logger.Debug(s.prefix + ": " + fmt.Sprintf(format, args...))
}

func (s *slogLogger) Errorf(format string, args ...any) error {
	return fmt.Errorf(s.prefix+": "+format, args...)
}
