package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	idspkg "github.com/drblury/teeflow/internal/runtime/ids"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

type received struct {
	mu     sync.Mutex
	values []any
}

func (r *received) callback(_ context.Context, msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, msg)
	return nil
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func (r *received) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func newTestConsumer(t *testing.T, sub *fakeSubscriber, regs ...Registration) *Consumer {
	t.Helper()
	c, err := NewConsumer(context.Background(), "fake", regs, sub.build, Options{Backoff: testBackoff})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestConsumerDeliversDecodedMessages(t *testing.T) {
	sub := newFakeSubscriber()
	var got received
	c := newTestConsumer(t, sub, Registration{
		Topic:    "raw.snapshot",
		Callback: got.callback,
		Decode:   func(b []byte) (any, error) { return "decoded:" + string(b), nil },
	})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("raw.snapshot") == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Running())

	msg := message.NewMessage("1", []byte("a"))
	sub.stream("raw.snapshot", 0).ch <- msg

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []any{"decoded:a"}, got.all())
	<-msg.Acked()
}

func TestConsumerPassesHeadersInContext(t *testing.T) {
	sub := newFakeSubscriber()
	ids := make(chan string, 1)
	c := newTestConsumer(t, sub, Registration{
		Topic: "raw.snapshot",
		Callback: func(ctx context.Context, _ any) error {
			ids <- metadata.FromContext(ctx).CorrelationID()
			return nil
		},
	})
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("raw.snapshot") == 1 }, time.Second, time.Millisecond)

	msg := message.NewMessage("1", []byte("a"))
	msg.Metadata.Set(metadata.KeyCorrelationID, "c1")
	sub.stream("raw.snapshot", 0).ch <- msg

	select {
	case id := <-ids:
		assert.Equal(t, "c1", id)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestConsumerDerivesPublishTimeFromID(t *testing.T) {
	sub := newFakeSubscriber()
	published := make(chan time.Time, 1)
	c := newTestConsumer(t, sub, Registration{
		Topic: "raw.snapshot",
		Callback: func(ctx context.Context, _ any) error {
			at, _ := metadata.FromContext(ctx).PublishedAt()
			published <- at
			return nil
		},
	})
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("raw.snapshot") == 1 }, time.Second, time.Millisecond)

	at := time.UnixMilli(1_700_000_000_000)
	sub.stream("raw.snapshot", 0).ch <- message.NewMessage(idspkg.New(at), []byte("a"))

	select {
	case got := <-published:
		assert.True(t, got.Equal(at), "got %s", got)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestConsumerPassesRawBytesWithoutDecoder(t *testing.T) {
	sub := newFakeSubscriber()
	var got received
	c := newTestConsumer(t, sub, Registration{Topic: "t", Callback: got.callback})
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("t") == 1 }, time.Second, time.Millisecond)

	sub.stream("t", 0).ch <- message.NewMessage("1", []byte("raw"))

	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte("raw"), got.all()[0])
}

func TestConsumerAcksFailedMessages(t *testing.T) {
	sub := newFakeSubscriber()
	calls := 0
	c := newTestConsumer(t, sub,
		Registration{
			Topic:    "decode",
			Callback: func(context.Context, any) error { calls++; return nil },
			Decode:   func([]byte) (any, error) { return nil, errors.New("bad payload") },
		},
		Registration{
			Topic:    "fail",
			Callback: func(context.Context, any) error { return errors.New("handler failed") },
		},
		Registration{
			Topic:    "panic",
			Callback: func(context.Context, any) error { panic("boom") },
		},
	)
	require.NoError(t, c.Start())

	for _, topic := range []string{"decode", "fail", "panic"} {
		require.Eventually(t, func() bool { return sub.subscriptions(topic) == 1 }, time.Second, time.Millisecond)
		msg := message.NewMessage(topic, []byte("x"))
		sub.stream(topic, 0).ch <- msg
		select {
		case <-msg.Acked():
		case <-time.After(time.Second):
			t.Fatalf("message on %s was not acked", topic)
		}
	}
	assert.Zero(t, calls, "callback must not run when decoding fails")
	assert.True(t, c.Running(), "failures must not stop the consumer")
}

func TestConsumerResubscribesAfterStreamLoss(t *testing.T) {
	sub := newFakeSubscriber()
	var got received
	c := newTestConsumer(t, sub, Registration{Topic: "raw", Callback: got.callback})
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("raw") == 1 }, time.Second, time.Millisecond)

	sub.stream("raw", 0).close()

	require.Eventually(t, func() bool { return sub.subscriptions("raw") == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"raw"}, c.Topics(), "registration survives stream loss")

	sub.stream("raw", 1).ch <- message.NewMessage("2", []byte("after"))
	require.Eventually(t, func() bool { return got.len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestConsumerStopCancelsPendingReconnect(t *testing.T) {
	sub := newFakeSubscriber()
	dialing := make(chan struct{})
	var builds int
	build := func(ctx context.Context) (message.Subscriber, error) {
		builds++
		if builds == 1 {
			return sub, nil
		}
		close(dialing)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var got received
	c, err := NewConsumer(context.Background(), "fake", []Registration{{Topic: "raw", Callback: got.callback}}, build, Options{Backoff: testBackoff})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("raw") == 1 }, time.Second, time.Millisecond)

	sub.stream("raw", 0).close()
	select {
	case <-dialing:
	case <-time.After(time.Second):
		t.Fatal("reconnect never started")
	}

	polled := make(chan bool, 1)
	go func() { polled <- c.Running() }()
	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("Running blocked while reconnecting")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked while reconnecting")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, c.Topics())
}

func TestConsumerRetriesFailedSubscribe(t *testing.T) {
	sub := newFakeSubscriber()
	sub.setSubscribeErr(errBroken)
	var got received
	c := newTestConsumer(t, sub, Registration{Topic: "raw", Callback: got.callback})

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return c.State() == StateConnectionLost || c.State() == StateConnecting }, time.Second, time.Millisecond)

	sub.setSubscribeErr(nil)
	require.Eventually(t, func() bool { return sub.subscriptions("raw") == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestConsumerRegisterReplacesTopic(t *testing.T) {
	sub := newFakeSubscriber()
	var first, second received
	c := newTestConsumer(t, sub)

	require.NoError(t, c.Register(Registration{Topic: "t", Callback: first.callback}))
	require.NoError(t, c.Register(Registration{Topic: "t", Callback: second.callback}))
	assert.Equal(t, []string{"t"}, c.Topics())

	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("t") == 1 }, time.Second, time.Millisecond)
	sub.stream("t", 0).ch <- message.NewMessage("1", []byte("x"))

	require.Eventually(t, func() bool { return second.len() == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, first.len())
}

func TestConsumerRegisterWhileRunningStartsTopic(t *testing.T) {
	sub := newFakeSubscriber()
	var got received
	c := newTestConsumer(t, sub)
	require.NoError(t, c.Start())
	assert.False(t, c.Running(), "no registrations means nothing is consuming")

	require.NoError(t, c.Register(Registration{Topic: "late", Callback: got.callback}))

	require.Eventually(t, func() bool { return sub.subscriptions("late") == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Running())
}

func TestConsumerRegisterValidates(t *testing.T) {
	c := newTestConsumer(t, newFakeSubscriber())

	assert.ErrorIs(t, c.Register(Registration{Callback: func(context.Context, any) error { return nil }}), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, c.Register(Registration{Topic: "t"}), errspkg.ErrHandlerRequired)
}

func TestConsumerUnregister(t *testing.T) {
	sub := newFakeSubscriber()
	var got received
	c := newTestConsumer(t, sub, Registration{Topic: "t", Callback: got.callback})
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("t") == 1 }, time.Second, time.Millisecond)

	c.Unregister("t")

	assert.Empty(t, c.Topics())
	assert.False(t, c.Running())
}

func TestConsumerStopClearsRegistrations(t *testing.T) {
	sub := newFakeSubscriber()
	var got received
	c := newTestConsumer(t, sub, Registration{Topic: "t", Callback: got.callback})
	require.NoError(t, c.Start())
	require.Eventually(t, func() bool { return sub.subscriptions("t") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	assert.False(t, c.Running())
	assert.Empty(t, c.Topics())
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, sub.closeCount())
}

func TestConsumerStopBeforeStartClosesConnection(t *testing.T) {
	sub := newFakeSubscriber()
	c := newTestConsumer(t, sub)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	assert.Equal(t, 1, sub.closeCount())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConsumerConnectFailurePropagates(t *testing.T) {
	build := func(context.Context) (message.Subscriber, error) { return nil, errBroken }

	c, err := NewConsumer(context.Background(), "fake", nil, build, Options{})

	assert.ErrorIs(t, err, errBroken)
	assert.Nil(t, c)
}
