package channel

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/teeflow/transport"
)

func resetBuses(t *testing.T) {
	t.Helper()
	require.NoError(t, Reset())
	t.Cleanup(func() { _ = Reset() })
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(Scheme)
	assert.Equal(t, "memory", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, transport.DefaultRegistry.HasDispatcher("memory://bus/"))
	assert.True(t, transport.DefaultRegistry.HasConsumer("channel://bus/"))
}

func TestBusIsSharedPerHost(t *testing.T) {
	resetBuses(t)

	a := Bus(&url.URL{Scheme: Scheme, Host: "a"}, nil)
	again := Bus(&url.URL{Scheme: Scheme, Host: "a"}, nil)
	b := Bus(&url.URL{Scheme: Scheme, Host: "b"}, nil)
	def := Bus(&url.URL{Scheme: Scheme}, nil)

	assert.Same(t, a, again)
	assert.NotSame(t, a, b)
	assert.NotSame(t, a, def)
}

func TestBusUsesFactory(t *testing.T) {
	resetBuses(t)
	original := Factory
	t.Cleanup(func() { Factory = original })

	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
		got = cfg
		return gochannel.NewGoChannel(cfg, logger)
	}

	uri, err := url.Parse("memory://persist/?persistent=true")
	require.NoError(t, err)
	Bus(uri, nil)

	assert.True(t, got.Persistent)
	assert.True(t, got.BlockPublishUntilSubscriberAck)
}

func TestClosingHalvesKeepsBusOpen(t *testing.T) {
	resetBuses(t)
	uri, err := url.Parse("memory://shared/")
	require.NoError(t, err)

	pub, err := NewPublisher(context.Background(), uri, transport.Options{})
	require.NoError(t, err)
	require.NoError(t, pub.Close())

	sub, err := NewSubscriber(context.Background(), uri, transport.Options{})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err = sub.Subscribe(ctx, "still-open")
	assert.NoError(t, err)
}

func TestDispatcherToConsumerOverMemory(t *testing.T) {
	resetBuses(t)
	reg := transport.NewRegistry()
	reg.Register(Adapter())
	ctx := context.Background()
	opts := transport.Options{Backoff: transport.BackoffConfig{InitialInterval: time.Millisecond}}

	var mu sync.Mutex
	var got []string
	consumer, err := reg.GetConsumer(ctx, "memory://e2e/", []transport.Registration{{
		Topic: "raw.snapshot",
		Callback: func(_ context.Context, msg any) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(msg.([]byte)))
			return nil
		},
	}}, opts)
	require.NoError(t, err)
	require.NotNil(t, consumer)
	require.NoError(t, consumer.Start())
	t.Cleanup(func() { _ = consumer.Stop() })

	dispatcher, err := reg.GetDispatcher(ctx, "memory://e2e/", []string{"raw.snapshot"}, opts)
	require.NoError(t, err)
	require.NotNil(t, dispatcher)
	require.NoError(t, dispatcher.Start())
	t.Cleanup(func() { _ = dispatcher.Stop() })

	require.Eventually(t, func() bool {
		return consumer.Running() && consumer.State() == transport.StateConnected
	}, time.Second, time.Millisecond)
	// gochannel drops messages published before the subscription is live
	time.Sleep(20 * time.Millisecond)

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, dispatcher.Publish("raw.snapshot", []byte(p)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()
}
