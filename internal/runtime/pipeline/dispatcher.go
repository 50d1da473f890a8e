package pipeline

import (
	"context"
	"fmt"

	"github.com/drblury/teeflow/internal/runtime/codecs"
	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

// TopicDispatcher publishes to one topic of a Publisher.
type TopicDispatcher struct {
	publisher Publisher
	topic     string
}

// NewTopicDispatcher binds publisher to topic.
func NewTopicDispatcher(publisher Publisher, topic string) (*TopicDispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("topic dispatcher: %w", errspkg.ErrConfigRequired)
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &TopicDispatcher{publisher: publisher, topic: topic}, nil
}

// Dispatch publishes payload. It fails with ErrNotRunning, which is
// retryable, while the publisher is stopped.
func (d *TopicDispatcher) Dispatch(payload []byte) error {
	return d.dispatch(context.Background(), payload)
}

func (d *TopicDispatcher) dispatch(ctx context.Context, payload []byte) error {
	if !d.publisher.Running() {
		return fmt.Errorf("dispatch to %q: %w", d.topic, errspkg.ErrNotRunning)
	}
	return d.publisher.PublishWithMetadata(d.topic, payload, metadata.FromContext(ctx).Forward())
}

// ResultPublisher wraps fn so that each successful, non-nil result is
// encoded and dispatched after fn returns. A nil encoder means JSON.
func (d *TopicDispatcher) ResultPublisher(fn handlers.Func, encoder handlers.Encoder) handlers.Func {
	if encoder == nil {
		encoder = codecs.EncodeJSON
	}
	return func(ctx context.Context, in any) (any, error) {
		result, err := fn(ctx, in)
		if err != nil || result == nil {
			return result, err
		}
		payload, err := encoder(result)
		if err != nil {
			return result, fmt.Errorf("encode result for %q: %w", d.topic, err)
		}
		return result, d.dispatch(ctx, payload)
	}
}

// Start starts the publisher.
func (d *TopicDispatcher) Start() error { return d.publisher.Start() }

// Stop stops the publisher.
func (d *TopicDispatcher) Stop() error { return d.publisher.Stop() }

// Running reports whether the publisher is running.
func (d *TopicDispatcher) Running() bool { return d.publisher.Running() }

// Topic returns the target topic.
func (d *TopicDispatcher) Topic() string { return d.topic }
