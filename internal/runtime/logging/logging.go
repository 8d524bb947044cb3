// Package logging holds the structured log contract of a capture run. The
// pipeline, the event source and the Watermill transports all log through one
// ServiceLogger, so a run's lines share the same run_id and field names.
package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// Field names shared by pipeline log lines.
const (
	FieldRunID     = "run_id"
	FieldEvent     = "event"
	FieldLogger    = "logger"
	FieldPhase     = "phase"
	FieldOperation = "operation"
	FieldSource    = "source"
	FieldTraceID   = "trace_id"
	FieldTransport = "transport"
	FieldTopic     = "topic"
)

// LogFields represents structured key/value pairs attached to a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract used throughout the pipeline. It
// mirrors Watermill's LoggerAdapter so transports can share it.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Watermill traces every message a subscriber sees. slog has no trace level,
// so those lines are folded into debug.
var slogLevels = map[slog.Level]slog.Level{
	watermill.LevelTrace: slog.LevelDebug,
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("activitypipe: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("activitypipe: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

// NewNopServiceLogger returns a logger that discards everything.
func NewNopServiceLogger() ServiceLogger {
	return &watermillServiceLogger{inner: watermill.NopLogger{}}
}

// OrNop returns log, or a discarding logger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NewNopServiceLogger()
	}
	return log
}

// ForRun scopes log to one capture run. An empty runID leaves log unscoped.
func ForRun(log ServiceLogger, runID string) ServiceLogger {
	log = OrNop(log)
	if runID == "" {
		return log
	}
	return log.With(LogFields{FieldRunID: runID})
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillServiceLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, watermill.LogFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, watermill.LogFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, watermill.LogFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, watermill.LogFields(fields))
}

// NewWatermillAdapter hands log to a transport built for transportName. Every
// line the transport writes carries the transport field.
func NewWatermillAdapter(log ServiceLogger, transportName string) watermill.LoggerAdapter {
	if log == nil {
		panic("activitypipe: ServiceLogger cannot be nil")
	}
	if transportName != "" {
		log = log.With(LogFields{FieldTransport: transportName})
	}
	if wrapped, ok := log.(*watermillServiceLogger); ok {
		return wrapped.inner
	}
	return transportLogger{base: log}
}

type transportLogger struct {
	base ServiceLogger
}

func (t transportLogger) Error(msg string, err error, fields watermill.LogFields) {
	t.base.Error(msg, err, LogFields(fields))
}

func (t transportLogger) Info(msg string, fields watermill.LogFields) {
	t.base.Info(msg, LogFields(fields))
}

func (t transportLogger) Debug(msg string, fields watermill.LogFields) {
	t.base.Debug(msg, LogFields(fields))
}

func (t transportLogger) Trace(msg string, fields watermill.LogFields) {
	t.base.Trace(msg, LogFields(fields))
}

func (t transportLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	if len(fields) == 0 {
		return t
	}
	return transportLogger{base: t.base.With(LogFields(fields))}
}
