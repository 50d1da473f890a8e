/*
Package runtime runs registered handlers between broker topics.

# Architecture Overview

A PluginRunner owns a handler registry, the broker adapters and the payload
codecs. For each target it builds a Tee: a TopicConsumer reading the raw
topic and, for parsers, a dispatcher publishing to the parsed topic. Every
handler invocation goes through a middleware chain.

# Package Structure

## Service (service.go)

Service wires a Config, its codecs, a PluginRunner and the optional status
server.

## Runner (runner.go)

  - Run: decode a payload and invoke one handler
  - RunWithURI: bind a tee to consumer and publisher URIs
  - RunSink: bind a tee whose results go to a Sink instead of a broker
  - Supervise: block until the context ends or a tee dies

## Middleware (middleware.go, hooks.go)

The first registration is the outermost. The default chain is:
  - LogMessages: debug logging per invocation
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus counters and histograms
  - Stats: per-target stats for the status server
  - Recoverer: panics become errors

Retry and JobHooks are opt-in.

## Stats and status (stats.go, resources.go, status.go, metrics.go)

Per-target latency percentiles, throughput and error categories, process
resource usage, and a chi router serving /healthz, /api and /metrics.

# Sub-packages

  - codecs/: json and protojson decoders and encoders
  - config/: YAML configuration with env overrides and validation
  - errors/: sentinel errors and error types
  - handlers/: handler registry and target derivation
  - ids/: ULID message ids
  - jsoncodec/: sonic-backed JSON helpers
  - keylock/: per-key locking
  - logging/: ServiceLogger and its slog, zap and watermill adapters
  - metadata/: message metadata carried through context
  - pipeline/: Tee, TopicConsumer and Sink
*/
package runtime
