package nats

import (
	"context"
	"net/url"

	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/teeflow/transport"
)

// JetStreamScheme serves topics from JetStream streams. Streams are
// provisioned on first use and consumers are durable, so a restarted tee
// resumes where it stopped.
const JetStreamScheme = "jetstream"

// JetStreamAdapter describes the jetstream scheme.
func JetStreamAdapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        JetStreamScheme,
		Aliases:       []string{"nats-jetstream"},
		NewPublisher:  NewJetStreamPublisher,
		NewSubscriber: NewJetStreamSubscriber,
		Capabilities:  transport.JetStreamCapabilities,
	}
}

// jetStreamServerURL rewrites the scheme to one the NATS client dials.
func jetStreamServerURL(uri *url.URL) string {
	server := *uri
	server.Scheme = Scheme
	return serverURL(&server)
}

func jetStreamConfig(opts transport.Options) nats.JetStreamConfig {
	cfg := nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		SubscribeOptions: []nc.SubOpt{
			nc.DeliverAll(),
			nc.AckExplicit(),
		},
	}
	if opts.ConsumerGroup != "" {
		cfg.DurablePrefix = opts.ConsumerGroup
	}
	return cfg
}

// NewJetStreamPublisher connects a JetStream publisher.
func NewJetStreamPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	return PublisherFactory(nats.PublisherConfig{
		URL:         jetStreamServerURL(uri),
		NatsOptions: connectOptions(opts),
		Marshaler:   &nats.NATSMarshaler{},
		JetStream:   jetStreamConfig(opts),
	}, opts.Logger)
}

// NewJetStreamSubscriber connects a durable JetStream subscriber.
func NewJetStreamSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	return SubscriberFactory(nats.SubscriberConfig{
		URL:              jetStreamServerURL(uri),
		NatsOptions:      connectOptions(opts),
		Unmarshaler:      &nats.NATSMarshaler{},
		QueueGroupPrefix: opts.ConsumerGroup,
		JetStream:        jetStreamConfig(opts),
	}, opts.Logger)
}
