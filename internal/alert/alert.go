// Package alert defines the notification sink every component uses to
// surface conditions a human should see: force-reduce chunks, auto-balance
// failures, one-sided leg failures, child restarts exhausted. A real
// transport (Telegram, Slack, …) is out of scope here — only the sink
// interface and a structured-logging default live in this module; wiring a
// real transport is a deployment concern, not this module's.
package alert

import "log/slog"

// Sink receives alerts. Implementations must not block the caller for long;
// the engine and supervisor call Notify from hot paths.
type Sink interface {
	Notify(level Level, message string, fields ...any)
}

// Level mirrors the severity bands the reference system's notifier uses.
type Level string

const (
	Info     Level = "info"
	Warning  Level = "warning"
	Critical Level = "critical"
)

// SlogSink is the default sink: every alert becomes one structured log line.
// Swapping in a real transport (webhook, bot API) only requires a new Sink.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink builds a Sink backed by logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "alert")}
}

func (s *SlogSink) Notify(level Level, message string, fields ...any) {
	switch level {
	case Critical:
		s.logger.Error(message, fields...)
	case Warning:
		s.logger.Warn(message, fields...)
	default:
		s.logger.Info(message, fields...)
	}
}
