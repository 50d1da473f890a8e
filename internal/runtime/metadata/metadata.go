// Package metadata carries message headers between the broker layer and
// handlers. Consumed headers travel in the handler context so results can
// keep the correlation id of the message that produced them.
package metadata

import (
	"context"
	"time"
)

// Reserved header keys.
const (
	KeyCorrelationID = "correlation_id"
	KeyPublishedAt   = "teeflow_published_at"
	KeyTarget        = "teeflow_target"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a copy containing key=value.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation id header, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// PublishedAt parses the publish timestamp header. ok is false when the
// header is missing or malformed.
func (m Metadata) PublishedAt() (t time.Time, ok bool) {
	raw := m[KeyPublishedAt]
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	return t, err == nil
}

// Lag is the time since the message was published, or -1 when unknown.
func (m Metadata) Lag() time.Duration {
	t, ok := m.PublishedAt()
	if !ok {
		return -1
	}
	if lag := time.Since(t); lag > 0 {
		return lag
	}
	return 0
}

// Forward keeps the headers that follow a result to the next topic.
func (m Metadata) Forward() Metadata {
	if id := m.CorrelationID(); id != "" {
		return Metadata{KeyCorrelationID: id}
	}
	return nil
}

type contextKey struct{}

// NewContext returns ctx carrying m.
func NewContext(ctx context.Context, m Metadata) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// FromContext returns the headers stored in ctx, or nil.
func FromContext(ctx context.Context) Metadata {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(contextKey{}).(Metadata)
	return m
}
