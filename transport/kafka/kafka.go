// Package kafka provides the kafka:// scheme. The URI host is the first
// broker; more can be listed with ?brokers=host:port,host:port.
package kafka

import (
	"context"
	"net/url"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "kafka"

// DefaultConsumerGroup is used when Options.ConsumerGroup is empty.
const DefaultConsumerGroup = "teeflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the kafka scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the kafka scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.KafkaCapabilities,
	}
}

// Brokers lists the broker addresses encoded in uri.
func Brokers(uri *url.URL) []string {
	var brokers []string
	if uri.Host != "" {
		brokers = append(brokers, uri.Host)
	}
	for _, b := range strings.Split(uri.Query().Get("brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// NewPublisher connects a synchronous Kafka producer.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
	saramaCfg.ClientID = "teeflow"
	return PublisherFactory(kafka.PublisherConfig{
		Brokers:               Brokers(uri),
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
	}, opts.Logger)
}

// NewSubscriber joins the consumer group. A group seen for the first time
// starts from the oldest retained offset so no raw snapshot is skipped.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	group := opts.ConsumerGroup
	if group == "" {
		group = DefaultConsumerGroup
	}
	saramaCfg := kafka.DefaultSaramaSubscriberConfig()
	saramaCfg.ClientID = "teeflow"
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	return SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               Brokers(uri),
		Unmarshaler:           kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
		ConsumerGroup:         group,
	}, opts.Logger)
}
