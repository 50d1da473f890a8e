// Package channel provides the in-process memory:// scheme, backed by
// Watermill's Go channel Pub/Sub. Every URI with the same host shares one
// bus, so a dispatcher and a consumer built from "memory://bus/" talk to
// each other. Useful for tests and single-process pipelines.
package channel

import (
	"context"
	"net/url"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "memory"

// Factory allows overriding bus creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

var (
	busesMu sync.Mutex
	buses   = make(map[string]*gochannel.GoChannel)
)

func init() {
	Register()
}

// Register registers the memory scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the memory scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		Aliases:       []string{"channel"},
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.MemoryCapabilities,
	}
}

// NewPublisher returns a publisher on the bus named by uri. Closing it
// leaves the shared bus open.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	return sharedPublisher{bus: Bus(uri, opts.Logger)}, nil
}

// NewSubscriber returns a subscriber on the bus named by uri. Closing it
// leaves the shared bus open; its subscriptions end with their contexts.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	return sharedSubscriber{bus: Bus(uri, opts.Logger)}, nil
}

// Bus returns the bus for uri, creating it on first use. The query
// parameter "persistent=true" keeps messages published before any
// subscriber exists.
func Bus(uri *url.URL, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	name := busName(uri)

	busesMu.Lock()
	defer busesMu.Unlock()
	if bus, ok := buses[name]; ok {
		return bus
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	persistent, _ := strconv.ParseBool(uri.Query().Get("persistent"))
	bus := Factory(gochannel.Config{
		Persistent:                     persistent,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	buses[name] = bus
	return bus
}

// Reset closes and forgets every bus.
func Reset() error {
	busesMu.Lock()
	defer busesMu.Unlock()
	var firstErr error
	for name, bus := range buses {
		if err := bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(buses, name)
	}
	return firstErr
}

func busName(uri *url.URL) string {
	if uri == nil || uri.Host == "" {
		return "default"
	}
	return uri.Host
}

type sharedPublisher struct {
	bus *gochannel.GoChannel
}

func (p sharedPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.bus.Publish(topic, messages...)
}

func (sharedPublisher) Close() error { return nil }

type sharedSubscriber struct {
	bus *gochannel.GoChannel
}

func (s sharedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.bus.Subscribe(ctx, topic)
}

func (sharedSubscriber) Close() error { return nil }
