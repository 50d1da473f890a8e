package runtime

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/metadata"
	"github.com/drblury/teeflow/transport"
)

// Publish connects to uri, sends payload to topic and disconnects. It is
// how raw snapshots enter a pipeline from outside a runner.
func Publish(ctx context.Context, adapters *transport.Registry, uri, topic string, payload []byte, md metadata.Metadata, opts transport.Options) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if adapters == nil {
		adapters = transport.DefaultRegistry
	}

	dispatcher, err := adapters.GetDispatcher(ctx, uri, []string{topic}, opts)
	if err != nil {
		return err
	}
	if dispatcher == nil {
		return fmt.Errorf("%w %q", errspkg.ErrNoAdapter, transport.Scheme(uri))
	}
	if err := dispatcher.Start(); err != nil {
		return errors.Join(err, dispatcher.Stop())
	}
	if err := dispatcher.PublishWithMetadata(topic, payload, md); err != nil {
		return errors.Join(err, dispatcher.Stop())
	}
	// Stop flushes the queue before closing.
	return dispatcher.Stop()
}

// Publish sends payload to the raw topic at uri using the runner's
// transport options.
func (r *PluginRunner) Publish(ctx context.Context, uri string, payload []byte) error {
	return Publish(ctx, r.adapters, uri, r.Conf.RawTopic, payload, metadata.FromContext(ctx).Forward(), r.TransportOptions())
}
