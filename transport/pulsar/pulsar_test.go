package pulsar

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/transport"
)

type fakeProducer struct {
	topic string
	sent  *[]*pulsar.ProducerMessage
	err   error
}

func (p *fakeProducer) Send(_ context.Context, msg *pulsar.ProducerMessage) error {
	if p.err != nil {
		return p.err
	}
	*p.sent = append(*p.sent, msg)
	return nil
}

func (p *fakeProducer) Close() {}

type fakeConsumer struct {
	deliveries chan Delivery
	acked      chan Delivery
	nacked     chan Delivery
	closed     bool
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		deliveries: make(chan Delivery),
		acked:      make(chan Delivery, 4),
		nacked:     make(chan Delivery, 4),
	}
}

func (c *fakeConsumer) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return Delivery{}, errors.New("consumer closed")
		}
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (c *fakeConsumer) Ack(d Delivery) error { c.acked <- d; return nil }
func (c *fakeConsumer) Nack(d Delivery)      { c.nacked <- d }
func (c *fakeConsumer) Close()               { c.closed = true }

type fakeClient struct {
	mu            sync.Mutex
	producers     map[string]*fakeProducer
	sent          []*pulsar.ProducerMessage
	subscriptions map[string]string
	consumer      *fakeConsumer
	closed        bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		producers:     map[string]*fakeProducer{},
		subscriptions: map[string]string{},
		consumer:      newFakeConsumer(),
	}
}

func (c *fakeClient) CreateProducer(topic string) (Producer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &fakeProducer{topic: topic, sent: &c.sent}
	c.producers[topic] = p
	return p, nil
}

func (c *fakeClient) Subscribe(topic, subscription string) (Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = subscription
	return c.consumer, nil
}

func (c *fakeClient) Close() { c.closed = true }

func useFakeClient(t *testing.T) (*fakeClient, *pulsar.ClientOptions) {
	t.Helper()
	original := ClientFactory
	t.Cleanup(func() { ClientFactory = original })

	fake := newFakeClient()
	var got pulsar.ClientOptions
	ClientFactory = func(opts pulsar.ClientOptions) (Client, error) {
		got = opts
		return fake, nil
	}
	return fake, &got
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(Scheme)
	assert.Equal(t, "pulsar", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.False(t, caps.FanOut)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "raw.snapshot", Topic(mustParse(t, "pulsar://p:6650/"), "raw.snapshot"))
	assert.Equal(t, "persistent://teeflow/default/raw.snapshot",
		Topic(mustParse(t, "pulsar://p:6650/?tenant=teeflow"), "raw.snapshot"))
	assert.Equal(t, "persistent://public/snapshots/raw.snapshot.pose",
		Topic(mustParse(t, "pulsar://p:6650/?namespace=snapshots"), "raw.snapshot.pose"))
}

func TestConnectDefaultsHost(t *testing.T) {
	_, opts := useFakeClient(t)

	_, err := NewPublisher(context.Background(), mustParse(t, "pulsar:///"), transport.Options{})
	require.NoError(t, err)
	assert.Equal(t, "pulsar://localhost:6650", opts.URL)
	assert.NotNil(t, opts.Logger)
}

func TestConnectFailure(t *testing.T) {
	original := ClientFactory
	t.Cleanup(func() { ClientFactory = original })
	ClientFactory = func(pulsar.ClientOptions) (Client, error) { return nil, errors.New("refused") }

	_, err := NewSubscriber(context.Background(), mustParse(t, "pulsar://p:6650/"), transport.Options{})
	assert.ErrorContains(t, err, "refused")
}

func TestPublisherReusesProducerPerTopic(t *testing.T) {
	fake, _ := useFakeClient(t)

	pub, err := NewPublisher(context.Background(), mustParse(t, "pulsar://p:6650/?tenant=t&namespace=n"), transport.Options{})
	require.NoError(t, err)

	msg := message.NewMessage("id-1", []byte(`{"user":1}`))
	msg.Metadata.Set("correlation_id", "c-1")
	require.NoError(t, pub.Publish("raw.snapshot", msg))
	require.NoError(t, pub.Publish("raw.snapshot", message.NewMessage("id-2", nil)))

	require.Len(t, fake.producers, 1)
	assert.Contains(t, fake.producers, "persistent://t/n/raw.snapshot")
	require.Len(t, fake.sent, 2)
	assert.Equal(t, "id-1", fake.sent[0].Key)
	assert.Equal(t, map[string]string{"correlation_id": "c-1", uuidProperty: "id-1"}, fake.sent[0].Properties)

	require.NoError(t, pub.Close())
	assert.True(t, fake.closed)
	assert.ErrorIs(t, pub.Publish("raw.snapshot", msg), errspkg.ErrClosed)
}

func TestPublisherSendError(t *testing.T) {
	useFakeClient(t)
	pub, err := NewPublisher(context.Background(), mustParse(t, "pulsar://p:6650/"), transport.Options{})
	require.NoError(t, err)

	p := pub.(*Publisher)
	p.producers["raw.snapshot"] = &fakeProducer{err: errors.New("timeout"), sent: new([]*pulsar.ProducerMessage)}

	assert.ErrorContains(t, p.Publish("raw.snapshot", message.NewMessage("id", nil)), "timeout")
}

func TestSubscriberDeliversAndAcks(t *testing.T) {
	fake, _ := useFakeClient(t)

	sub, err := NewSubscriber(context.Background(), mustParse(t, "pulsar://p:6650/"), transport.Options{ConsumerGroup: "parsers"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := sub.Subscribe(ctx, "raw.snapshot")
	require.NoError(t, err)
	assert.Equal(t, "parsers", fake.subscriptions["raw.snapshot"])

	first := Delivery{Payload: []byte("a"), Properties: map[string]string{uuidProperty: "id-1", "correlation_id": "c-1"}}
	fake.consumer.deliveries <- first

	msg := <-out
	assert.Equal(t, "id-1", msg.UUID)
	assert.Equal(t, "c-1", msg.Metadata.Get("correlation_id"))
	assert.Empty(t, msg.Metadata.Get(uuidProperty))
	msg.Ack()

	select {
	case d := <-fake.consumer.acked:
		assert.Equal(t, []byte("a"), d.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not acked")
	}

	fake.consumer.deliveries <- Delivery{Payload: []byte("b")}
	msg = <-out
	assert.NotEmpty(t, msg.UUID)
	msg.Nack()

	select {
	case <-fake.consumer.nacked:
	case <-time.After(time.Second):
		t.Fatal("message not nacked")
	}
}

func TestSubscriberStreamClosesOnReceiveError(t *testing.T) {
	fake, _ := useFakeClient(t)
	logger := watermill.NewCaptureLogger()

	sub, err := NewSubscriber(context.Background(), mustParse(t, "pulsar://p:6650/"), transport.Options{Logger: logger})
	require.NoError(t, err)

	out, err := sub.Subscribe(context.Background(), "raw.snapshot")
	require.NoError(t, err)

	close(fake.consumer.deliveries)

	select {
	case _, ok := <-out:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
	errs := logger.Captured()[watermill.ErrorLogLevel]
	require.Len(t, errs, 1)
	assert.Equal(t, "Receive failed", errs[0].Msg)
	assert.EqualError(t, errs[0].Err, "consumer closed")

	require.NoError(t, sub.Close())
	assert.True(t, fake.consumer.closed)
	assert.True(t, fake.closed)

	_, err = sub.Subscribe(context.Background(), "raw.snapshot")
	assert.ErrorIs(t, err, errspkg.ErrClosed)
}

func TestSubscriberCloseStopsStreams(t *testing.T) {
	useFakeClient(t)
	sub, err := NewSubscriber(context.Background(), mustParse(t, "pulsar://p:6650/"), transport.Options{})
	require.NoError(t, err)

	out, err := sub.Subscribe(context.Background(), "raw.snapshot")
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	_, ok := <-out
	assert.False(t, ok)
	require.NoError(t, sub.Close())
}

func TestLoggerBridge(t *testing.T) {
	captured := watermill.NewCaptureLogger()
	l := newLogger(captured)

	l.SubLogger(map[string]any{"topic": "raw.snapshot"}).Infof("connected to %s", "p:6650")
	l.WithError(errors.New("lookup failed")).Warn("retrying")
	l.WithField("producer", "p-1").Error("closed")

	assert.True(t, captured.Has(watermill.CapturedMessage{
		Level:  watermill.InfoLogLevel,
		Fields: watermill.LogFields{"topic": "raw.snapshot"},
		Msg:    "connected to p:6650",
	}))
	assert.True(t, captured.Has(watermill.CapturedMessage{
		Level:  watermill.InfoLogLevel,
		Fields: watermill.LogFields{"warn": true, "error": "lookup failed"},
		Msg:    "retrying",
	}))
	assert.True(t, captured.Has(watermill.CapturedMessage{
		Level:  watermill.ErrorLogLevel,
		Fields: watermill.LogFields{"producer": "p-1"},
		Msg:    "closed",
	}))
}
