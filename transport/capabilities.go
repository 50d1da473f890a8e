package transport

// Capabilities describes what a broker adapter guarantees. The status
// server reports them and the runner uses them to warn about lossy setups.
type Capabilities struct {
	// Name is the human-readable name of the broker.
	Name string

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the broker tracks explicit acknowledgement.
	SupportsAck bool

	// Persistent indicates messages published while no consumer is
	// subscribed are retained rather than dropped.
	Persistent bool

	// FanOut indicates every consumer of a topic receives every message,
	// so several tees can share a raw topic.
	FanOut bool

	// NativeReconnect indicates the client library reconnects on its own;
	// the consumer still resubscribes when a stream closes.
	NativeReconnect bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if a message published before the
// consumer subscribes is still delivered.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.Persistent && c.SupportsAck
}

// Predefined capability sets for the built-in schemes.
var (
	MemoryCapabilities = Capabilities{
		Name:             "memory",
		SupportsOrdering: true,
		SupportsAck:      true,
		FanOut:           true,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		Persistent:       true,
		FanOut:           true,
		NativeReconnect:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		FanOut:          true,
		NativeReconnect: true,
		MaxMessageSize:  1048576, // server default 1MB
	}

	JetStreamCapabilities = Capabilities{
		Name:             "jetstream",
		SupportsOrdering: true,
		SupportsAck:      true,
		Persistent:       true,
		FanOut:           true,
		NativeReconnect:  true,
		MaxMessageSize:   1048576,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsAck:      true,
		Persistent:       true,
		NativeReconnect:  true,
		MaxMessageSize:   1048576, // broker default 1MB
	}

	PulsarCapabilities = Capabilities{
		Name:             "pulsar",
		SupportsOrdering: true,
		SupportsAck:      true,
		Persistent:       true,
		NativeReconnect:  true,
		MaxMessageSize:   5242880, // broker default 5MB
	}

	SNSCapabilities = Capabilities{
		Name:            "sns",
		SupportsAck:     true,
		Persistent:      true,
		FanOut:          true,
		NativeReconnect: true,
		MaxMessageSize:  262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsOrdering: true,
		SupportsAck:      true,
		Persistent:       true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsOrdering: true,
		SupportsAck:      true,
		Persistent:       true,
	}

	FileCapabilities = Capabilities{
		Name:             "file",
		SupportsOrdering: true,
		Persistent:       true,
	}
)

// GetCapabilities returns the capabilities registered for scheme in the
// default registry.
func GetCapabilities(scheme string) Capabilities {
	return DefaultRegistry.GetCapabilities(scheme)
}
