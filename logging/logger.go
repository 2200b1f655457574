// Package logging defines the structured logging interface used throughout
// the gamification engine: the event bus, webhook pipeline, rule engine,
// and every reward module accept a Logger rather than depending on any one
// logging library directly.
package logging

import (
	"log/slog"
	"os"
)

// Logger is a minimal structured logging interface using key-value pairs,
// compatible with slog, logrus, and zap's SugaredLogger without committing
// the engine to any one of them.
//
//	logger.Info("webhook delivered", "webhookId", id, "attempts", n)
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Noop discards every log line. It is the default used by components that
// are not given an explicit Logger.
type Noop struct{}

func (Noop) Debug(string, ...any) {}
func (Noop) Info(string, ...any)  {}
func (Noop) Warn(string, ...any)  {}
func (Noop) Error(string, ...any) {}

// Slog adapts the standard library's slog.Logger to the Logger interface.
type Slog struct {
	L *slog.Logger
}

// NewSlog builds a Slog logger writing text-formatted records to os.Stderr
// at the given level (one of slog.LevelDebug, Info, Warn, Error).
func NewSlog(level slog.Level) Slog {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return Slog{L: slog.New(h)}
}

func (s Slog) Debug(msg string, args ...any) { s.L.Debug(msg, args...) }
func (s Slog) Info(msg string, args ...any)  { s.L.Info(msg, args...) }
func (s Slog) Warn(msg string, args ...any)  { s.L.Warn(msg, args...) }
func (s Slog) Error(msg string, args ...any) { s.L.Error(msg, args...) }
