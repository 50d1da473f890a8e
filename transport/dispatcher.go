package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/ids"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

type outbound struct {
	topic    string
	payload  []byte
	metadata metadata.Metadata
}

// Dispatcher publishes payloads through a dedicated network goroutine.
// Publish only enqueues; the goroutine drains the queue in FIFO order. A send
// that fails is put back at the head of the queue, the publisher is rebuilt
// with exponential backoff and draining resumes, so submission order is kept
// across a reconnect.
type Dispatcher struct {
	scheme  string
	topics  []string
	build   func(ctx context.Context) (message.Publisher, error)
	logger  watermill.LoggerAdapter
	backoff BackoffConfig

	mu      sync.Mutex
	queue   []outbound
	pub     message.Publisher
	state   ConnectionState
	running bool
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher connects immediately using build and returns a stopped
// dispatcher. topics lists the topics the caller intends to publish to.
func NewDispatcher(ctx context.Context, scheme string, topics []string, build func(ctx context.Context) (message.Publisher, error), opts Options) (*Dispatcher, error) {
	opts = opts.WithDefaults()
	d := &Dispatcher{
		scheme:  scheme,
		topics:  append([]string(nil), topics...),
		build:   build,
		logger:  opts.Logger.With(watermill.LogFields{"scheme": scheme, "component": "dispatcher"}),
		backoff: opts.Backoff,
		wake:    make(chan struct{}, 1),
	}
	d.state = StateConnecting
	pub, err := build(ctx)
	if err != nil {
		d.state = StateDisconnected
		return nil, fmt.Errorf("connect %s publisher: %w", scheme, err)
	}
	d.pub = pub
	d.state = StateConnected
	return d, nil
}

// Start launches the network goroutine. Starting a running dispatcher is a
// no-op.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if d.pub == nil {
		d.state = StateConnecting
		pub, err := d.build(context.Background())
		if err != nil {
			d.state = StateDisconnected
			return fmt.Errorf("connect %s publisher: %w", d.scheme, err)
		}
		d.pub = pub
	}
	d.state = StateConnected

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	go d.loop(ctx, d.done)
	if len(d.queue) > 0 {
		d.signal()
	}
	return nil
}

// Stop signals the network goroutine, waits for it and closes the publisher.
// Messages still queued are flushed once if the publisher is connected.
// Stopping a stopped dispatcher is a no-op.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		pub := d.pub
		d.pub = nil
		d.state = StateDisconnected
		d.mu.Unlock()
		if pub == nil {
			return nil
		}
		return pub.Close()
	}
	d.running = false
	d.state = StateClosing
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	var err error
	if d.pub != nil {
		err = d.pub.Close()
		d.pub = nil
	}
	d.state = StateDisconnected
	if err != nil {
		return fmt.Errorf("close %s publisher: %w", d.scheme, err)
	}
	return nil
}

// Publish enqueues payload for topic. It fails with ErrNotRunning when the
// dispatcher has not been started.
func (d *Dispatcher) Publish(topic string, payload []byte) error {
	return d.PublishWithMetadata(topic, payload, nil)
}

// PublishWithMetadata is Publish with headers attached to the message. A
// message without a correlation id gets a fresh one.
func (d *Dispatcher) PublishWithMetadata(topic string, payload []byte, md metadata.Metadata) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("publish to %q: %w", topic, errspkg.ErrNotRunning)
	}
	d.queue = append(d.queue, outbound{topic: topic, payload: payload, metadata: md})
	d.mu.Unlock()
	d.signal()
	return nil
}

// Running reports whether the network goroutine is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// State returns the current connection state.
func (d *Dispatcher) State() ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pending returns the number of queued, unsent messages.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Topics returns the topics declared when the dispatcher was created.
func (d *Dispatcher) Topics() []string {
	return append([]string(nil), d.topics...)
}

// Scheme returns the URI scheme the dispatcher was built for.
func (d *Dispatcher) Scheme() string { return d.scheme }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		if !d.drain(ctx) {
			return
		}
	}
}

// drain sends queued messages until the queue is empty. It returns false
// when ctx is cancelled during a reconnect.
func (d *Dispatcher) drain(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return true
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		pub := d.pub
		d.mu.Unlock()

		if pub == nil {
			d.requeue(next)
			if !d.reconnect(ctx) {
				return false
			}
			continue
		}

		if err := pub.Publish(next.topic, newMessage(next)); err != nil {
			d.logger.Error("Publish failed, requeueing at head", err, watermill.LogFields{"topic": next.topic})
			d.requeue(next)
			d.dropPublisher(pub)
			if !d.reconnect(ctx) {
				return false
			}
			continue
		}
		d.logger.Trace("Published message", watermill.LogFields{"topic": next.topic})
	}
}

func (d *Dispatcher) requeue(msg outbound) {
	d.mu.Lock()
	d.queue = append([]outbound{msg}, d.queue...)
	d.mu.Unlock()
}

func (d *Dispatcher) dropPublisher(pub message.Publisher) {
	d.mu.Lock()
	if d.pub == pub {
		d.pub = nil
		d.state = StateConnectionLost
	}
	d.mu.Unlock()
	if err := pub.Close(); err != nil {
		d.logger.Debug("Closing broken publisher failed", watermill.LogFields{"error": err.Error()})
	}
}

func (d *Dispatcher) reconnect(ctx context.Context) bool {
	d.mu.Lock()
	d.state = StateConnecting
	d.mu.Unlock()

	var pub message.Publisher
	err := retry(ctx, d.backoff, func() error {
		p, err := d.build(ctx)
		if err != nil {
			return err
		}
		pub = p
		return nil
	}, func(err error, wait time.Duration) {
		d.logger.Error("Reconnect failed", err, watermill.LogFields{"retry_in": wait.String()})
	})
	if err != nil {
		return false
	}

	d.mu.Lock()
	d.pub = pub
	d.state = StateConnected
	d.mu.Unlock()
	d.logger.Info("Publisher reconnected", nil)
	return true
}

// flushLocked sends what is left in the queue once, without reconnecting.
func (d *Dispatcher) flushLocked() {
	if d.pub == nil || len(d.queue) == 0 {
		return
	}
	for i, next := range d.queue {
		if err := d.pub.Publish(next.topic, newMessage(next)); err != nil {
			d.logger.Error("Dropping unsent messages on stop", err, watermill.LogFields{"dropped": len(d.queue) - i})
			break
		}
	}
	d.queue = nil
}

func newMessage(out outbound) *message.Message {
	now := time.Now()
	msg := message.NewMessage(ids.New(now), out.payload)
	md := out.metadata
	if md.CorrelationID() == "" {
		md = md.With(metadata.KeyCorrelationID, msg.UUID)
	}
	md.Stamp(msg, now)
	return msg
}
