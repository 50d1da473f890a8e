// Package teeflow connects a raw-event broker to named processing handlers
// and forwards their results to a second topic.
//
// A handler is registered under a name and listed under a target derived
// from that name: "parse_pose" serves the target "pose", a ColorImageParser
// type serves "color_image". A PluginRunner runs a handler either once on a
// payload or continuously inside a Tee, which pairs a consumer of the raw
// topic with a dispatcher publishing to ParsedTopic(raw, target). Savers run
// in a Tee whose second half is a Sink: results are handed to the saver and
// never forwarded.
//
// # Brokers
//
// Broker adapters are selected by URI scheme and registered on a
// TransportRegistry. Import transport/transports to register every built-in
// scheme:
//   - memory: in-process Go channels, for tests
//   - rabbitmq, amqp: durable AMQP queues
//   - kafka: consumer groups starting at the oldest offset
//   - nats, jetstream: core NATS and JetStream
//   - pulsar: shared subscriptions starting at the earliest message
//   - sns: AWS SNS topics fanned out to SQS queues
//   - http: webhook delivery
//   - file: newline-delimited files
//   - sqlite, postgres: table-backed queues with a dead letter table
//
// An unknown scheme yields no adapter and every tee built on it fails with
// ErrNoAdapter. Connections lost while running are re-established with
// exponential backoff; messages published meanwhile are queued.
//
// # Middleware
//
// Every handler invocation passes through the runner's middleware chain:
// message logging, OpenTelemetry tracing, Prometheus metrics (when enabled),
// per-target stats and panic recovery. Running handlers never stop a tee:
// their errors are logged and the message dropped.
package teeflow
