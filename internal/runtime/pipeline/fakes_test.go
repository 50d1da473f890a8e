package pipeline

import (
	"context"
	"sync"

	"github.com/drblury/teeflow/internal/runtime/metadata"
	"github.com/drblury/teeflow/transport"
)

type fakeConsumer struct {
	mu            sync.Mutex
	registrations map[string]transport.Registration
	running       bool
	startErr      error
	stopErr       error
	starts        int
	stops         int
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{registrations: make(map[string]transport.Registration)}
}

func (c *fakeConsumer) Register(reg transport.Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations[reg.Topic] = reg
	return nil
}

func (c *fakeConsumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeConsumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	c.registrations = make(map[string]transport.Registration)
	return c.stopErr
}

func (c *fakeConsumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// deliver runs the registered callback for topic the way a transport
// consumer would.
func (c *fakeConsumer) deliver(ctx context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	reg, ok := c.registrations[topic]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	var value any = payload
	if reg.Decode != nil {
		decoded, err := reg.Decode(payload)
		if err != nil {
			return err
		}
		value = decoded
	}
	return reg.Callback(ctx, value)
}

type published struct {
	topic    string
	payload  string
	metadata metadata.Metadata
}

type fakePublisher struct {
	mu       sync.Mutex
	running  bool
	startErr error
	stops    int
	sent     []published
}

func (p *fakePublisher) PublishWithMetadata(topic string, payload []byte, md metadata.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, payload: string(payload), metadata: md})
	return nil
}

func (p *fakePublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.running = true
	return nil
}

func (p *fakePublisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	p.running = false
	return nil
}

func (p *fakePublisher) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.sent...)
}
