// Package pulsar provides the pulsar:// scheme on Apache Pulsar. Topics live
// in the tenant and namespace named by the URI, public/default otherwise.
//
//	pulsar://localhost:6650/?tenant=teeflow&namespace=snapshots
package pulsar

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/apache/pulsar-client-go/pulsar"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "pulsar"

// DefaultSubscription is used when Options.ConsumerGroup is empty.
const DefaultSubscription = "teeflow"

const (
	defaultHost       = "localhost:6650"
	connectionTimeout = 10 * time.Second
	uuidProperty      = "_watermill_message_uuid"
)

// Client is the part of pulsar.Client the adapter uses.
type Client interface {
	CreateProducer(topic string) (Producer, error)
	Subscribe(topic, subscription string) (Consumer, error)
	Close()
}

type Producer interface {
	Send(ctx context.Context, msg *pulsar.ProducerMessage) error
	Close()
}

// Delivery is one received message.
type Delivery struct {
	ID         pulsar.MessageID
	Payload    []byte
	Properties map[string]string
}

type Consumer interface {
	Receive(ctx context.Context) (Delivery, error)
	Ack(Delivery) error
	Nack(Delivery)
	Close()
}

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(opts pulsar.ClientOptions) (Client, error) {
	c, err := pulsar.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return client{c: c}, nil
}

func init() {
	Register()
}

// Register registers the pulsar scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the pulsar scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.PulsarCapabilities,
	}
}

// Topic maps a teeflow topic onto a fully qualified Pulsar topic when the
// URI names a tenant or namespace.
func Topic(uri *url.URL, topic string) string {
	q := uri.Query()
	tenant, namespace := q.Get("tenant"), q.Get("namespace")
	if tenant == "" && namespace == "" {
		return topic
	}
	if tenant == "" {
		tenant = "public"
	}
	if namespace == "" {
		namespace = "default"
	}
	return fmt.Sprintf("persistent://%s/%s/%s", tenant, namespace, topic)
}

func connect(uri *url.URL, opts transport.Options) (Client, error) {
	host := uri.Host
	if host == "" {
		host = defaultHost
	}
	c, err := ClientFactory(pulsar.ClientOptions{
		URL:               "pulsar://" + host,
		ConnectionTimeout: connectionTimeout,
		Logger:            newLogger(opts.WithDefaults().Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("create pulsar client: %w", err)
	}
	return c, nil
}

// NewPublisher opens a client; producers are created per topic on first use.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	c, err := connect(uri, opts)
	if err != nil {
		return nil, err
	}
	return &Publisher{
		client:    c,
		uri:       uri,
		producers: make(map[string]Producer),
	}, nil
}

// NewSubscriber opens a client. Every topic gets a shared subscription
// starting from the earliest retained message.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	c, err := connect(uri, opts)
	if err != nil {
		return nil, err
	}
	subscription := opts.ConsumerGroup
	if subscription == "" {
		subscription = DefaultSubscription
	}
	return &Subscriber{
		client:       c,
		uri:          uri,
		subscription: subscription,
		logger:       opts.WithDefaults().Logger,
		closing:      make(chan struct{}),
	}, nil
}

type Publisher struct {
	client Client
	uri    *url.URL

	mu        sync.Mutex
	producers map[string]Producer
	closed    bool
}

func (p *Publisher) producer(topic string) (Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errspkg.ErrClosed
	}
	if prod, ok := p.producers[topic]; ok {
		return prod, nil
	}
	prod, err := p.client.CreateProducer(Topic(p.uri, topic))
	if err != nil {
		return nil, fmt.Errorf("create producer for %s: %w", topic, err)
	}
	p.producers[topic] = prod
	return prod, nil
}

// Publish sends messages in order and stops at the first failure.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	prod, err := p.producer(topic)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		props := make(map[string]string, len(msg.Metadata)+1)
		for k, v := range msg.Metadata {
			props[k] = v
		}
		props[uuidProperty] = msg.UUID
		err := prod.Send(msg.Context(), &pulsar.ProducerMessage{
			Payload:    msg.Payload,
			Key:        msg.UUID,
			Properties: props,
		})
		if err != nil {
			return fmt.Errorf("send to %s: %w", topic, err)
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for _, prod := range p.producers {
		prod.Close()
	}
	p.producers = nil
	p.client.Close()
	return nil
}

type Subscriber struct {
	client       Client
	uri          *url.URL
	subscription string
	logger       watermill.LoggerAdapter

	mu        sync.Mutex
	consumers []Consumer
	closed    bool
	closing   chan struct{}
	wg        sync.WaitGroup
}

// Subscribe streams topic until ctx ends or the subscriber closes. A
// receive error closes the stream so the caller resubscribes.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errspkg.ErrClosed
	}
	cons, err := s.client.Subscribe(Topic(s.uri, topic), s.subscription)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	s.consumers = append(s.consumers, cons)

	out := make(chan *message.Message)
	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-s.closing:
			cancel()
		}
	}()
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer close(out)
		s.receive(ctx, topic, cons, out)
	}()
	return out, nil
}

func (s *Subscriber) receive(ctx context.Context, topic string, cons Consumer, out chan<- *message.Message) {
	logger := s.logger.With(watermill.LogFields{"topic": topic})
	for {
		d, err := cons.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Receive failed", err, nil)
			}
			return
		}

		uuid := d.Properties[uuidProperty]
		if uuid == "" {
			uuid = watermill.NewUUID()
		}
		msg := message.NewMessage(uuid, d.Payload)
		for k, v := range d.Properties {
			if k != uuidProperty {
				msg.Metadata.Set(k, v)
			}
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}

		select {
		case <-msg.Acked():
			if err := cons.Ack(d); err != nil {
				logger.Error("Ack failed", err, watermill.LogFields{"message_uuid": uuid})
			}
		case <-msg.Nacked():
			cons.Nack(d)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	s.wg.Wait()
	for _, cons := range consumers {
		cons.Close()
	}
	s.client.Close()
	return nil
}

type client struct{ c pulsar.Client }

func (c client) CreateProducer(topic string) (Producer, error) {
	p, err := c.c.CreateProducer(pulsar.ProducerOptions{Topic: topic})
	if err != nil {
		return nil, err
	}
	return producer{p: p}, nil
}

func (c client) Subscribe(topic, subscription string) (Consumer, error) {
	cons, err := c.c.Subscribe(pulsar.ConsumerOptions{
		Topic:                       topic,
		SubscriptionName:            subscription,
		Type:                        pulsar.Shared,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		return nil, err
	}
	return consumer{c: cons}, nil
}

func (c client) Close() { c.c.Close() }

type producer struct{ p pulsar.Producer }

func (p producer) Send(ctx context.Context, msg *pulsar.ProducerMessage) error {
	_, err := p.p.Send(ctx, msg)
	return err
}

func (p producer) Close() { p.p.Close() }

type consumer struct{ c pulsar.Consumer }

func (c consumer) Receive(ctx context.Context) (Delivery, error) {
	m, err := c.c.Receive(ctx)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{ID: m.ID(), Payload: m.Payload(), Properties: m.Properties()}, nil
}

func (c consumer) Ack(d Delivery) error { return c.c.AckID(d.ID) }
func (c consumer) Nack(d Delivery)      { c.c.NackID(d.ID) }
func (c consumer) Close()               { c.c.Close() }
