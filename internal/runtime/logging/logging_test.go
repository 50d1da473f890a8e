package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestAdaptersUnwrapEachOther(t *testing.T) {
	captured := watermill.NewCaptureLogger()
	service := NewWatermillServiceLogger(captured)

	assert.Same(t, captured, NewWatermillAdapter(service), "a watermill-backed logger must not be wrapped twice")

	zapLogger := NewZapServiceLogger(zap.NewNop())
	assert.Equal(t, zapLogger, NewWatermillServiceLogger(NewWatermillAdapter(zapLogger)))
}

func TestWatermillServiceLoggerWritesThrough(t *testing.T) {
	captured := watermill.NewCaptureLogger()
	logger := NewWatermillServiceLogger(captured)

	logger.With(LogFields{"target": "pose"}).Info("Tee started", LogFields{"topic": "raw.snapshot"})
	logger.Error("Handler failed", assert.AnError, nil)
	assert.Equal(t, logger, logger.With(nil))

	assert.True(t, captured.Has(watermill.CapturedMessage{
		Level:  watermill.InfoLogLevel,
		Fields: watermill.LogFields{"target": "pose", "topic": "raw.snapshot"},
		Msg:    "Tee started",
	}))
	assert.True(t, captured.HasError(assert.AnError))
}

func TestWatermillServiceLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	inner := NewWatermillAdapter(NewZapServiceLogger(zap.New(core)))
	logger := NewWatermillServiceLogger(inner)

	logger.Info("Consumer started", LogFields{"scheme": "memory"})
	logger.With(LogFields{"topic": "raw.snapshot"}).Error("Subscribe failed", errors.New("refused"), nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Consumer started", entries[0].Message)
	assert.Equal(t, "memory", entries[0].ContextMap()["scheme"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "raw.snapshot", entries[1].ContextMap()["topic"])
	assert.Equal(t, "refused", entries[1].ContextMap()["error"])
}

func TestWatermillAdapterKeepsFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewWatermillAdapter(NewZapServiceLogger(zap.New(core)))

	adapter.With(watermill.LogFields{"scheme": "sqlite"}).Debug("Polling", watermill.LogFields{"topic": "raw.snapshot.pose"})
	adapter.Trace("tick", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, map[string]any{"scheme": "sqlite", "topic": "raw.snapshot.pose"}, entries[0].ContextMap())
	assert.Equal(t, true, entries[1].ContextMap()["trace"])
}

func TestSlogServiceLoggerHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	logger.Debug("hidden", nil)
	logger.Info("shown", LogFields{"target": "feelings"})

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "target=feelings")
}

func TestFieldConversionsKeepNil(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(watermill.LogFields{}))
	assert.Equal(t, LogFields{"a": 1}, fromWatermillFields(toWatermillFields(LogFields{"a": 1})))
}
