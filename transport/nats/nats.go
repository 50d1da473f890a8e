// Package nats provides the nats:// scheme on NATS Core subjects. Consumers
// with a consumer group join a queue group and share the subject's load.
package nats

import (
	"context"
	"net/url"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the nats and jetstream schemes with the default
// registry.
func Register() {
	transport.Register(Adapter())
	transport.Register(JetStreamAdapter())
}

// Adapter describes the nats scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.NATSCapabilities,
	}
}

// connectOptions keeps the client reconnecting forever at the configured
// backoff ceiling and logs connection transitions.
func connectOptions(opts transport.Options) []nc.Option {
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	wait := opts.Backoff.InitialInterval
	if wait <= 0 {
		wait = time.Second
	}
	return []nc.Option{
		nc.Name("teeflow"),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(wait),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": conn.ConnectedUrlRedacted()})
		}),
	}
}

func serverURL(uri *url.URL) string {
	server := *uri
	server.Path = ""
	server.RawQuery = ""
	return server.String()
}

// NewPublisher connects a NATS Core publisher.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	return PublisherFactory(nats.PublisherConfig{
		URL:         serverURL(uri),
		NatsOptions: connectOptions(opts),
		Marshaler:   &nats.NATSMarshaler{},
		JetStream:   nats.JetStreamConfig{Disabled: true},
	}, opts.Logger)
}

// NewSubscriber connects a NATS Core subscriber.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	return SubscriberFactory(nats.SubscriberConfig{
		URL:              serverURL(uri),
		NatsOptions:      connectOptions(opts),
		Unmarshaler:      &nats.NATSMarshaler{},
		QueueGroupPrefix: opts.ConsumerGroup,
		JetStream:        nats.JetStreamConfig{Disabled: true},
	}, opts.Logger)
}
