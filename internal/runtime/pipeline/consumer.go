package pipeline

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	"github.com/drblury/teeflow/transport"
)

// TopicConsumer delivers one topic of a Consumer to a bound callback.
type TopicConsumer struct {
	consumer Consumer
	topic    string

	mu       sync.Mutex
	callback handlers.Func
	decoder  handlers.Decoder
}

// WrapConsumer binds consumer to topic. A running consumer is refused since
// its registrations are already owned by someone else.
func WrapConsumer(consumer Consumer, topic string) (*TopicConsumer, error) {
	if consumer == nil {
		return nil, errspkg.ErrConsumerRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if consumer.Running() {
		return nil, errspkg.ErrConsumerRunning
	}
	return &TopicConsumer{consumer: consumer, topic: topic}, nil
}

// Bind sets the callback and optional decoder. If the consumer is running
// the new callback replaces the old one immediately. With autoStart the
// consumer is started.
func (c *TopicConsumer) Bind(callback handlers.Func, decoder handlers.Decoder, autoStart bool) error {
	if callback == nil {
		return errspkg.ErrHandlerRequired
	}
	c.mu.Lock()
	c.callback = callback
	c.decoder = decoder
	c.mu.Unlock()

	if c.consumer.Running() {
		if err := c.consumer.Register(c.registration()); err != nil {
			return err
		}
	}
	if autoStart {
		return c.Start()
	}
	return nil
}

// Unbind stops the consumer and forgets the callback.
func (c *TopicConsumer) Unbind() error {
	err := c.Stop()
	c.mu.Lock()
	c.callback = nil
	c.decoder = nil
	c.mu.Unlock()
	return err
}

// Start registers the bound callback and starts consuming.
func (c *TopicConsumer) Start() error {
	if !c.Bound() {
		return fmt.Errorf("topic %q: %w", c.topic, errspkg.ErrConsumerUnbound)
	}
	if err := c.consumer.Register(c.registration()); err != nil {
		return err
	}
	return c.consumer.Start()
}

// Stop stops the consumer, dropping its registration. Safe to call twice.
func (c *TopicConsumer) Stop() error {
	return c.consumer.Stop()
}

// Running reports whether the consumer is consuming.
func (c *TopicConsumer) Running() bool {
	return c.consumer.Running()
}

// Bound reports whether a callback is bound.
func (c *TopicConsumer) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// Topic returns the consumed topic.
func (c *TopicConsumer) Topic() string {
	return c.topic
}

func (c *TopicConsumer) registration() transport.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	callback := c.callback
	reg := transport.Registration{
		Topic: c.topic,
		Callback: func(ctx context.Context, msg any) error {
			_, err := callback(ctx, msg)
			return err
		},
	}
	if c.decoder != nil {
		reg.Decode = c.decoder
	}
	return reg
}
