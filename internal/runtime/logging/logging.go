package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by adapters, tees and the
// plugin runner. It maps onto Watermill's LoggerAdapter so every broker
// adapter logs through the same sink.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("teeflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
// Wrapping an adapter made by NewWatermillAdapter returns its ServiceLogger.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	switch l := logger.(type) {
	case nil:
		panic("teeflow: watermill logger cannot be nil")
	case bridge:
		return l.ServiceLogger
	}
	return fromWatermill{logger}
}

// NewWatermillAdapter converts a ServiceLogger into the LoggerAdapter handed
// to broker publishers and subscribers. Loggers that already sit on a
// Watermill adapter are unwrapped.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	switch l := log.(type) {
	case nil:
		panic("teeflow: ServiceLogger cannot be nil")
	case fromWatermill:
		return l.LoggerAdapter
	}
	return bridge{log}
}

// NopLogger discards everything. Used when a component is built without a
// logger.
func NopLogger() ServiceLogger {
	return fromWatermill{watermill.NopLogger{}}
}

type fromWatermill struct {
	watermill.LoggerAdapter
}

func (w fromWatermill) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return fromWatermill{w.LoggerAdapter.With(watermill.LogFields(fields))}
}

func (w fromWatermill) Debug(msg string, fields LogFields) {
	w.LoggerAdapter.Debug(msg, toWatermillFields(fields))
}

func (w fromWatermill) Info(msg string, fields LogFields) {
	w.LoggerAdapter.Info(msg, toWatermillFields(fields))
}

func (w fromWatermill) Error(msg string, err error, fields LogFields) {
	w.LoggerAdapter.Error(msg, err, toWatermillFields(fields))
}

func (w fromWatermill) Trace(msg string, fields LogFields) {
	w.LoggerAdapter.Trace(msg, toWatermillFields(fields))
}

type bridge struct {
	ServiceLogger
}

func (b bridge) Debug(msg string, fields watermill.LogFields) {
	b.ServiceLogger.Debug(msg, fromWatermillFields(fields))
}

func (b bridge) Info(msg string, fields watermill.LogFields) {
	b.ServiceLogger.Info(msg, fromWatermillFields(fields))
}

func (b bridge) Error(msg string, err error, fields watermill.LogFields) {
	b.ServiceLogger.Error(msg, err, fromWatermillFields(fields))
}

func (b bridge) Trace(msg string, fields watermill.LogFields) {
	b.ServiceLogger.Trace(msg, fromWatermillFields(fields))
}

func (b bridge) With(fields watermill.LogFields) watermill.LoggerAdapter {
	if len(fields) == 0 {
		return b
	}
	return bridge{b.ServiceLogger.With(LogFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
