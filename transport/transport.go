// Package transport defines broker adapters and the generic dispatcher and
// consumer built on top of them. Each scheme (rabbitmq, nats, kafka, ...)
// lives in its own sub-package and registers itself with DefaultRegistry.
package transport

import (
	"context"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// PublisherBuilder opens a publisher for the broker addressed by uri.
type PublisherBuilder func(ctx context.Context, uri *url.URL, opts Options) (message.Publisher, error)

// SubscriberBuilder opens a subscriber for the broker addressed by uri.
type SubscriberBuilder func(ctx context.Context, uri *url.URL, opts Options) (message.Subscriber, error)

// Adapter is the broker-specific half of the pipeline, selected by URI scheme.
// Either builder may be nil when the broker only supports one direction.
type Adapter struct {
	Scheme        string
	Aliases       []string
	NewPublisher  PublisherBuilder
	NewSubscriber SubscriberBuilder
	Capabilities  Capabilities
}

// Options carries the settings shared by all adapters. Each adapter only
// reads the fields relevant to it.
type Options struct {
	Logger  watermill.LoggerAdapter
	Backoff BackoffConfig

	// ConsumerGroup separates independent consumers of one topic: it
	// suffixes AMQP queue names and names the Kafka consumer group.
	ConsumerGroup string

	AWSAccessKeyID     string
	AWSSecretAccessKey string

	// PublisherDecorator and SubscriberDecorator wrap every connection an
	// adapter opens, reconnects included.
	PublisherDecorator  message.PublisherDecorator
	SubscriberDecorator message.SubscriberDecorator
}

func (o Options) logger() watermill.LoggerAdapter {
	if o.Logger == nil {
		return watermill.NopLogger{}
	}
	return o.Logger
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	o.Logger = o.logger()
	o.Backoff = o.Backoff.withDefaults()
	return o
}

// Registration binds a callback to a topic on a Consumer. Decode turns the
// raw payload into the value handed to Callback; a nil Decode passes the
// payload bytes through unchanged.
type Registration struct {
	Topic    string
	Callback func(ctx context.Context, msg any) error
	Decode   func(payload []byte) (any, error)
}
