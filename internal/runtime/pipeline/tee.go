package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/transport"
)

// TeeOption configures a Tee.
type TeeOption func(*Tee)

// WithLogger sets the logger for teardown failures.
func WithLogger(logger loggingpkg.ServiceLogger) TeeOption {
	return func(t *Tee) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Tee runs every message of its consumer through one handler and forwards
// the result through its output half.
//
// A Tee is unbound until Bind receives a handler, running between a
// successful Start and the next Stop, and bound otherwise. It never runs
// with only one half started.
type Tee struct {
	consumer  *TopicConsumer
	forwarder Forwarder
	logger    loggingpkg.ServiceLogger

	mu      sync.Mutex
	running bool
	started bool
}

// NewTee couples consumer with forwarder. A nil forwarder puts the tee in
// sink mode: handlers run but their results go nowhere.
func NewTee(consumer *TopicConsumer, forwarder Forwarder, opts ...TeeOption) (*Tee, error) {
	if consumer == nil {
		return nil, errspkg.ErrConsumerRequired
	}
	if forwarder == nil {
		forwarder = &Sink{}
	}
	t := &Tee{consumer: consumer, forwarder: forwarder, logger: loggingpkg.NopLogger()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// GetTopicTee builds a tee from broker URIs: a consumer of inTopic at
// consumerURI and a dispatcher of outTopic at publisherURI (consumerURI when
// empty). Unknown schemes fail with ErrNoAdapter.
func GetTopicTee(ctx context.Context, registry *transport.Registry, inTopic, outTopic, consumerURI, publisherURI string, opts transport.Options, teeOpts ...TeeOption) (*Tee, error) {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	if publisherURI == "" {
		publisherURI = consumerURI
	}

	consumer, err := registry.GetConsumer(ctx, consumerURI, nil, opts)
	if err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, fmt.Errorf("%w %q", errspkg.ErrNoAdapter, transport.Scheme(consumerURI))
	}

	dispatcher, err := registry.GetDispatcher(ctx, publisherURI, []string{outTopic}, opts)
	if err == nil && dispatcher == nil {
		err = fmt.Errorf("%w %q", errspkg.ErrNoAdapter, transport.Scheme(publisherURI))
	}
	if err != nil {
		return nil, errors.Join(err, consumer.Stop())
	}

	tc, err := WrapConsumer(consumer, inTopic)
	if err != nil {
		return nil, errors.Join(err, consumer.Stop(), dispatcher.Stop())
	}
	td, err := NewTopicDispatcher(dispatcher, outTopic)
	if err != nil {
		return nil, errors.Join(err, consumer.Stop(), dispatcher.Stop())
	}
	return NewTee(tc, td, teeOpts...)
}

// GetSinkTee builds a tee consuming inTopic at consumerURI whose results
// go to sink instead of a broker. A nil sink discards them.
func GetSinkTee(ctx context.Context, registry *transport.Registry, inTopic, consumerURI string, sink *Sink, opts transport.Options, teeOpts ...TeeOption) (*Tee, error) {
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	consumer, err := registry.GetConsumer(ctx, consumerURI, nil, opts)
	if err != nil {
		return nil, err
	}
	if consumer == nil {
		return nil, fmt.Errorf("%w %q", errspkg.ErrNoAdapter, transport.Scheme(consumerURI))
	}
	tc, err := WrapConsumer(consumer, inTopic)
	if err != nil {
		return nil, errors.Join(err, consumer.Stop())
	}
	if sink == nil {
		return NewTee(tc, nil, teeOpts...)
	}
	return NewTee(tc, sink, teeOpts...)
}

// Bind wraps fn with the forwarder and binds it to the consumer. A nil fn
// stops the tee and unbinds it.
func (t *Tee) Bind(fn handlers.Func, decoder handlers.Decoder, encoder handlers.Encoder) error {
	if fn == nil {
		t.Stop()
		return t.consumer.Unbind()
	}
	return t.consumer.Bind(t.forwarder.ResultPublisher(fn, encoder), decoder, false)
}

// Start starts the output half, then the consumer. If either fails both
// halves are stopped and the error returned.
func (t *Tee) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.consumer.Bound() {
		return errspkg.ErrTeeUnbound
	}
	if t.running {
		return nil
	}
	if err := t.forwarder.Start(); err != nil {
		t.stopLocked()
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := t.consumer.Start(); err != nil {
		t.stopLocked()
		return fmt.Errorf("start consumer: %w", err)
	}
	t.running = true
	t.started = true
	return nil
}

// Stop stops the consumer, then the output half. Failures are logged, not
// returned. Safe to call repeatedly.
func (t *Tee) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Tee) stopLocked() {
	if err := t.consumer.Stop(); err != nil {
		t.logger.Error("Stopping consumer failed", err, loggingpkg.LogFields{"topic": t.consumer.Topic()})
	}
	if err := t.forwarder.Stop(); err != nil {
		t.logger.Error("Stopping dispatcher failed", err, loggingpkg.LogFields{"topic": t.consumer.Topic()})
	}
	t.running = false
}

// Running reports whether the tee is started.
func (t *Tee) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Alive reports whether both halves are still running. It fails with
// ErrTeeNotStarted before the first successful Start.
func (t *Tee) Alive() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return false, errspkg.ErrTeeNotStarted
	}
	return t.running && t.consumer.Running() && t.forwarder.Running(), nil
}

// Consumer returns the input half.
func (t *Tee) Consumer() *TopicConsumer { return t.consumer }

// Forwarder returns the output half.
func (t *Tee) Forwarder() Forwarder { return t.forwarder }
