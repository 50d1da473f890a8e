// Package pipeline binds broker halves to single topics and couples them
// into tees: consume from one topic, run a handler, publish its result on
// another.
package pipeline

import (
	"github.com/drblury/teeflow/internal/runtime/handlers"
	"github.com/drblury/teeflow/internal/runtime/metadata"
	"github.com/drblury/teeflow/transport"
)

// Consumer is the broker half a TopicConsumer drives. *transport.Consumer
// implements it.
type Consumer interface {
	Register(reg transport.Registration) error
	Start() error
	Stop() error
	Running() bool
}

// Publisher is the broker half a TopicDispatcher drives.
// *transport.Dispatcher implements it.
type Publisher interface {
	PublishWithMetadata(topic string, payload []byte, md metadata.Metadata) error
	Start() error
	Stop() error
	Running() bool
}

// Forwarder is the output half of a Tee.
type Forwarder interface {
	// ResultPublisher wraps fn so its result is forwarded after fn returns.
	ResultPublisher(fn handlers.Func, encoder handlers.Encoder) handlers.Func
	Start() error
	Stop() error
	Running() bool
}

// ParsedTopic names the output topic of target for the raw topic.
func ParsedTopic(raw, target string) string {
	return raw + "." + target
}
