// Package rabbitmq provides the rabbitmq:// (and amqp://, amqps://) scheme.
// Each topic is a durable fanout exchange with a queue of the same name, so
// consumers of one topic compete for messages unless they set distinct
// consumer groups.
package rabbitmq

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/teeflow/transport"
)

// Scheme is the reserved scheme of this adapter.
const Scheme = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

var closeConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	Register()
}

// Register registers the rabbitmq scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the rabbitmq scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		Aliases:       []string{"amqp", "amqps"},
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.RabbitMQCapabilities,
	}
}

// AMQPURI converts a rabbitmq:// URI into the amqp:// form the client
// expects, adding the default guest credentials when none are given.
// amqp:// and amqps:// URIs are returned unchanged.
func AMQPURI(uri *url.URL) string {
	if uri.Scheme != Scheme {
		return uri.String()
	}
	converted := *uri
	converted.Scheme = "amqp"
	if converted.User == nil {
		converted.User = url.UserPassword("guest", "guest")
	}
	if converted.Path == "" {
		converted.Path = "/"
	}
	return converted.String()
}

func amqpConfig(uri string, opts transport.Options) amqp.Config {
	var generator amqp.QueueNameGenerator = amqp.GenerateQueueNameTopicName
	if opts.ConsumerGroup != "" {
		generator = amqp.GenerateQueueNameTopicNameWithSuffix(opts.ConsumerGroup)
	}
	return amqp.NewDurablePubSubConfig(uri, generator)
}

func connect(uri string, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: connect: %w", err)
	}
	return conn, nil
}

// NewPublisher opens a dedicated connection and a publisher on it.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	amqpURI := AMQPURI(uri)
	conn, err := connect(amqpURI, opts.Logger)
	if err != nil {
		return nil, err
	}
	pub, err := PublisherFactory(amqpConfig(amqpURI, opts), opts.Logger, conn)
	if err != nil {
		_ = closeConnection(conn)
		return nil, fmt.Errorf("rabbitmq: publisher: %w", err)
	}
	return &ownedPublisher{Publisher: pub, conn: conn}, nil
}

// NewSubscriber opens a dedicated connection and a subscriber on it.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	amqpURI := AMQPURI(uri)
	conn, err := connect(amqpURI, opts.Logger)
	if err != nil {
		return nil, err
	}
	sub, err := SubscriberFactory(amqpConfig(amqpURI, opts), opts.Logger, conn)
	if err != nil {
		_ = closeConnection(conn)
		return nil, fmt.Errorf("rabbitmq: subscriber: %w", err)
	}
	return &ownedSubscriber{Subscriber: sub, conn: conn}, nil
}

// ownedPublisher closes the connection it was built on.
type ownedPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *ownedPublisher) Close() error {
	err := p.Publisher.Close()
	if cerr := closeConnection(p.conn); err == nil {
		err = cerr
	}
	return err
}

// ownedSubscriber closes the connection it was built on.
type ownedSubscriber struct {
	message.Subscriber
	conn *amqp.ConnectionWrapper
}

func (s *ownedSubscriber) Close() error {
	err := s.Subscriber.Close()
	if cerr := closeConnection(s.conn); err == nil {
		err = cerr
	}
	return err
}
