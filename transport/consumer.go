package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/ids"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

type registration struct {
	Registration
	cancel context.CancelFunc
	done   chan struct{}
}

// Consumer runs one goroutine per registered topic. When a topic's stream is
// lost the goroutine resubscribes with exponential backoff, keeping its
// registration. Stop tears every registration down.
type Consumer struct {
	scheme  string
	build   func(ctx context.Context) (message.Subscriber, error)
	logger  watermill.LoggerAdapter
	backoff BackoffConfig

	mu            sync.Mutex
	sub           message.Subscriber
	registrations map[string]*registration
	state         ConnectionState
	started       bool
	reconnecting  bool
}

// NewConsumer connects immediately using build and records regs without
// starting them.
func NewConsumer(ctx context.Context, scheme string, regs []Registration, build func(ctx context.Context) (message.Subscriber, error), opts Options) (*Consumer, error) {
	opts = opts.WithDefaults()
	c := &Consumer{
		scheme:        scheme,
		build:         build,
		logger:        opts.Logger.With(watermill.LogFields{"scheme": scheme, "component": "consumer"}),
		backoff:       opts.Backoff,
		registrations: make(map[string]*registration),
		state:         StateConnecting,
	}
	sub, err := build(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect %s subscriber: %w", scheme, err)
	}
	c.sub = sub
	c.state = StateConnected
	for _, reg := range regs {
		if err := c.Register(reg); err != nil {
			_ = sub.Close()
			return nil, err
		}
	}
	return c, nil
}

// Register binds reg.Callback to reg.Topic, replacing any earlier
// registration for the same topic. On a started consumer the topic starts
// consuming immediately.
func (c *Consumer) Register(reg Registration) error {
	if reg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if reg.Callback == nil {
		return errspkg.ErrHandlerRequired
	}

	c.mu.Lock()
	old := c.registrations[reg.Topic]
	rec := &registration{Registration: reg}
	c.registrations[reg.Topic] = rec
	started := c.started
	if started {
		c.launchLocked(rec)
	}
	c.mu.Unlock()

	if old != nil {
		c.halt(old)
	}
	return nil
}

// Unregister stops consuming topic and forgets its registration.
func (c *Consumer) Unregister(topic string) {
	c.mu.Lock()
	rec, ok := c.registrations[topic]
	if ok {
		delete(c.registrations, topic)
	}
	c.mu.Unlock()
	if ok {
		c.halt(rec)
	}
}

// Start launches a goroutine per registration. Starting a started consumer
// is a no-op.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.sub == nil {
		c.state = StateConnecting
		sub, err := c.build(context.Background())
		if err != nil {
			c.state = StateDisconnected
			return fmt.Errorf("connect %s subscriber: %w", c.scheme, err)
		}
		c.sub = sub
	}
	c.state = StateConnected
	c.started = true
	for _, rec := range c.registrations {
		c.launchLocked(rec)
	}
	return nil
}

// Stop cancels every topic goroutine, waits for them, drops all
// registrations and closes the subscriber. Stopping twice is a no-op.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.started {
		sub := c.sub
		c.sub = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		if sub == nil {
			return nil
		}
		return sub.Close()
	}
	c.started = false
	c.state = StateClosing
	recs := make([]*registration, 0, len(c.registrations))
	for _, rec := range c.registrations {
		recs = append(recs, rec)
	}
	c.registrations = make(map[string]*registration)
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	for _, rec := range recs {
		if rec.cancel != nil {
			rec.cancel()
		}
	}

	var err error
	if sub != nil {
		err = sub.Close()
	}
	for _, rec := range recs {
		if rec.done != nil {
			<-rec.done
		}
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("close %s subscriber: %w", c.scheme, err)
	}
	return nil
}

// Running reports whether at least one topic goroutine is alive.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return false
	}
	for _, rec := range c.registrations {
		if rec.done == nil {
			continue
		}
		select {
		case <-rec.done:
		default:
			return true
		}
	}
	return false
}

// State returns the connection state of the shared subscriber.
func (c *Consumer) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Topics lists the registered topics in sorted order.
func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.registrations))
	for topic := range c.registrations {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Scheme returns the URI scheme the consumer was built for.
func (c *Consumer) Scheme() string { return c.scheme }

func (c *Consumer) launchLocked(rec *registration) {
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancel = cancel
	rec.done = make(chan struct{})
	go c.consume(ctx, rec)
}

func (c *Consumer) halt(rec *registration) {
	if rec.cancel == nil {
		return
	}
	rec.cancel()
	<-rec.done
}

func (c *Consumer) consume(ctx context.Context, rec *registration) {
	defer close(rec.done)
	defer c.forget(rec)

	logger := c.logger.With(watermill.LogFields{"topic": rec.Topic})
	bo := c.backoff.newBackOff()

	for {
		sub := c.subscriber()
		if sub == nil {
			return
		}
		messages, err := sub.Subscribe(ctx, rec.Topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Subscribe failed", err, nil)
			c.markLost(sub)
			if !sleep(ctx, bo) {
				return
			}
			c.resubscribe(ctx, sub)
			continue
		}

		c.setState(StateConnected)
		bo.Reset()
		logger.Debug("Consuming", nil)
		for msg := range messages {
			c.handle(ctx, logger, rec, msg)
		}

		if ctx.Err() != nil {
			return
		}
		logger.Info("Stream lost, resubscribing", nil)
		c.markLost(sub)
		if !sleep(ctx, bo) {
			return
		}
		c.resubscribe(ctx, sub)
	}
}

// handle decodes and delivers one message. Messages are always acked:
// failures are logged and never redelivered.
func (c *Consumer) handle(ctx context.Context, logger watermill.LoggerAdapter, rec *registration, msg *message.Message) {
	defer msg.Ack()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Callback panicked", fmt.Errorf("panic: %v", r), watermill.LogFields{"message_uuid": msg.UUID})
		}
	}()

	md := metadata.FromWatermill(msg.Metadata)
	if _, ok := md.PublishedAt(); !ok {
		// Some brokers drop headers; the id still carries the publish time.
		if at, ok := ids.Time(msg.UUID); ok {
			md[metadata.KeyPublishedAt] = at.UTC().Format(time.RFC3339Nano)
		}
	}
	logger.Trace("Received message", watermill.LogFields{
		"message_uuid":   msg.UUID,
		"correlation_id": md.CorrelationID(),
		"lag":            md.Lag().String(),
	})
	ctx = metadata.NewContext(ctx, md)

	var value any = []byte(msg.Payload)
	if rec.Decode != nil {
		decoded, err := rec.Decode(msg.Payload)
		if err != nil {
			logger.Error("Decoding message failed", err, watermill.LogFields{"message_uuid": msg.UUID})
			return
		}
		value = decoded
	}
	if err := rec.Callback(ctx, value); err != nil {
		logger.Error("Callback failed", err, watermill.LogFields{"message_uuid": msg.UUID})
	}
}

func (c *Consumer) subscriber() message.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *Consumer) setState(state ConnectionState) {
	c.mu.Lock()
	if c.started {
		c.state = state
	}
	c.mu.Unlock()
}

func (c *Consumer) markLost(sub message.Subscriber) {
	c.mu.Lock()
	if c.started && c.sub == sub {
		c.state = StateConnectionLost
	}
	c.mu.Unlock()
}

// resubscribe replaces a broken subscriber. Only the first topic goroutine
// to notice a given failure rebuilds it; the others pick up the new one.
// The lock is not held while dialing so Stop can cancel ctx.
func (c *Consumer) resubscribe(ctx context.Context, broken message.Subscriber) {
	c.mu.Lock()
	if !c.started || c.sub != broken || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.state = StateConnecting
	c.mu.Unlock()

	sub, err := c.build(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnecting = false
	if err != nil {
		if c.started && c.sub == broken {
			c.logger.Error("Reconnect failed", err, nil)
			c.state = StateConnectionLost
		}
		return
	}
	if !c.started || c.sub != broken {
		_ = sub.Close()
		return
	}
	_ = broken.Close()
	c.sub = sub
}

// forget removes rec once its goroutine exits, unless it was replaced.
func (c *Consumer) forget(rec *registration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.registrations[rec.Topic]; ok && cur == rec {
		delete(c.registrations, rec.Topic)
	}
}
