package file

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/teeflow/transport"
)

func fileURI(t *testing.T, query string) *url.URL {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.jsonl")
	uri, err := url.Parse("file://" + path + query)
	require.NoError(t, err)
	return uri
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.True(t, transport.DefaultRegistry.HasDispatcher("file:///tmp/x.jsonl"))
	assert.True(t, transport.DefaultRegistry.HasConsumer("file:///tmp/x.jsonl"))
	assert.False(t, transport.GetCapabilities(Scheme).FanOut)
}

func TestPathOf(t *testing.T) {
	abs, _ := url.Parse("file:///var/data/s.jsonl")
	rel, _ := url.Parse("file://data/s.jsonl")
	empty, _ := url.Parse("file://")

	p, err := pathOf(abs)
	require.NoError(t, err)
	assert.Equal(t, "/var/data/s.jsonl", p)

	p, err = pathOf(rel)
	require.NoError(t, err)
	assert.Equal(t, "data/s.jsonl", p)

	_, err = pathOf(empty)
	assert.Error(t, err)
}

func TestPublishAppendsLines(t *testing.T) {
	uri := fileURI(t, "")
	pub, err := NewPublisher(context.Background(), uri, transport.Options{})
	require.NoError(t, err)

	require.NoError(t, pub.Publish("raw", message.NewMessage("1", []byte("a")), message.NewMessage("2", []byte("b"))))
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.Error(t, pub.Publish("raw", message.NewMessage("3", nil)))

	data, err := os.ReadFile(uri.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"topic":"raw"`)
}

func TestSubscriberFiltersTopicAndWaitsForAck(t *testing.T) {
	uri := fileURI(t, "")
	pub, err := NewPublisher(context.Background(), uri, transport.Options{})
	require.NoError(t, err)
	defer pub.Close()

	first := message.NewMessage("1", []byte("one"))
	first.Metadata.Set("k", "v")
	require.NoError(t, pub.Publish("raw", first))
	require.NoError(t, pub.Publish("other", message.NewMessage("x", []byte("skip"))))

	sub, err := NewSubscriber(context.Background(), uri, transport.Options{})
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := sub.Subscribe(ctx, "raw")
	require.NoError(t, err)

	got := receive(t, ch)
	assert.Equal(t, "1", got.UUID)
	assert.Equal(t, "one", string(got.Payload))
	assert.Equal(t, "v", got.Metadata.Get("k"))

	// written after the subscriber reached the end of file
	require.NoError(t, pub.Publish("raw", message.NewMessage("2", []byte("two"))))

	select {
	case <-ch:
		t.Fatal("next message delivered before ack")
	case <-time.After(3 * PollInterval):
	}
	got.Ack()

	next := receive(t, ch)
	assert.Equal(t, "two", string(next.Payload))
	next.Ack()

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubscriberFromEndSkipsHistory(t *testing.T) {
	uri := fileURI(t, "?from=end")
	pub, err := NewPublisher(context.Background(), uri, transport.Options{})
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("raw", message.NewMessage("old", []byte("old"))))

	sub, err := NewSubscriber(context.Background(), uri, transport.Options{})
	require.NoError(t, err)

	ch, err := sub.Subscribe(context.Background(), "raw")
	require.NoError(t, err)

	require.NoError(t, pub.Publish("raw", message.NewMessage("new", []byte("new"))))
	got := receive(t, ch)
	assert.Equal(t, "new", got.UUID)
	got.Ack()

	require.NoError(t, sub.Close())
	_, err = sub.Subscribe(context.Background(), "raw")
	assert.Error(t, err)
}
