package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/teeflow/internal/runtime/codecs"
	configpkg "github.com/drblury/teeflow/internal/runtime/config"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/transport"
	"github.com/drblury/teeflow/transport/channel"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := make(loggingpkg.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: fields})
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}
func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

var errBoom = errors.New("boom")

func parsePose(_ context.Context, in any) (any, error) {
	snapshot, _ := in.(map[string]any)["snapshot"].(map[string]any)
	return map[string]any{"user": in.(map[string]any)["user"], "result": snapshot["pose"]}, nil
}

func failing(context.Context, any) (any, error) { return nil, errBoom }

func panicking(context.Context, any) (any, error) { panic("kaboom") }

func newTestRegistry(t *testing.T) *handlers.Registry {
	t.Helper()
	registry := handlers.NewParserRegistry()
	require.NoError(t, registry.Register("parse_pose", parsePose))
	require.NoError(t, registry.Register("parse_broken", failing))
	require.NoError(t, registry.Register("parse_panic", panicking))
	return registry
}

// newMemoryAdapters returns a registry serving only the memory scheme on a
// freshly reset bus.
func newMemoryAdapters(t *testing.T) *transport.Registry {
	t.Helper()
	require.NoError(t, channel.Reset())
	t.Cleanup(func() { _ = channel.Reset() })
	adapters := transport.NewRegistry()
	adapters.Register(channel.Adapter())
	return adapters
}

func newTestRunner(t *testing.T, adapters *transport.Registry, opts ...RunnerOption) *PluginRunner {
	t.Helper()
	conf := configpkg.Default()
	conf.PollInterval = 10 * time.Millisecond
	base := []RunnerOption{
		WithConfig(conf),
		WithMetricsRegistry(prometheus.NewRegistry()),
	}
	runner, err := NewPluginRunner(newTestRegistry(t), adapters, codecs.DecodeJSON, codecs.EncodeJSON, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(runner.Stop)
	return runner
}
