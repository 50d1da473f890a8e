// Package file provides the file:// scheme: every topic is appended to one
// JSON-lines file, and consumers tail that file. Handy for recording a raw
// stream and replaying it through parsers later.
//
//	file:///var/lib/teeflow/snapshots.jsonl
//	file:///tmp/snapshots.jsonl?from=end   (skip existing lines)
package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/teeflow/internal/runtime/jsoncodec"
	"github.com/drblury/teeflow/transport"
)

// Scheme is the URI scheme served by this adapter.
const Scheme = "file"

// PollInterval is how long a subscriber waits at end of file before
// checking for new lines.
var PollInterval = 50 * time.Millisecond

func init() {
	Register()
}

// Register registers the file scheme with the default registry.
func Register() {
	transport.Register(Adapter())
}

// Adapter describes the file scheme.
func Adapter() transport.Adapter {
	return transport.Adapter{
		Scheme:        Scheme,
		NewPublisher:  NewPublisher,
		NewSubscriber: NewSubscriber,
		Capabilities:  transport.FileCapabilities,
	}
}

// record is one line of the file.
type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

func pathOf(uri *url.URL) (string, error) {
	path := uri.Path
	if uri.Host != "" && uri.Host != "localhost" {
		// file://relative/name.jsonl
		path = uri.Host + uri.Path
	}
	if path == "" {
		return "", fmt.Errorf("file: no path in %q", uri.String())
	}
	return path, nil
}

// NewPublisher appends to the file named by uri, creating it if needed.
func NewPublisher(_ context.Context, uri *url.URL, opts transport.Options) (message.Publisher, error) {
	path, err := pathOf(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}
	return &Publisher{file: f}, nil
}

// NewSubscriber tails the file named by uri.
func NewSubscriber(_ context.Context, uri *url.URL, opts transport.Options) (message.Subscriber, error) {
	path, err := pathOf(uri)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		path:    path,
		fromEnd: uri.Query().Get("from") == "end",
		logger:  logger.With(watermill.LogFields{"file": path}),
		closing: make(chan struct{}),
	}, nil
}

// Publisher writes one JSON line per message.
type Publisher struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// Publish appends messages under topic.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("file: publisher closed")
	}

	for _, msg := range messages {
		line, err := jsoncodec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return err
		}
		if _, err := p.file.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying file.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

// Subscriber delivers lines for one topic, waiting for each message to be
// acked before reading the next.
type Subscriber struct {
	path    string
	fromEnd bool
	logger  watermill.LoggerAdapter

	closeOnce sync.Once
	closing   chan struct{}
}

// Subscribe starts tailing the file for topic. The channel closes when ctx
// is done or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errors.New("file: subscriber closed")
	default:
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", s.path, err)
	}
	var offset int64
	if s.fromEnd {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, offset, topic, out)
	}()
	return out, nil
}

// Close ends every subscription.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, offset int64, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// a partial line is re-read once its writer finishes it
			if !s.wait(ctx) {
				return
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				s.logger.Error("Failed to seek file", err, nil)
				return
			}
			reader.Reset(f)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read file", err, nil)
			return
		}
		offset += int64(len(line))

		if !s.deliver(ctx, line, topic, out) {
			return
		}
	}
}

func (s *Subscriber) wait(ctx context.Context) bool {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	case <-timer.C:
		return true
	}
}

func (s *Subscriber) deliver(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var rec record
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Skipping malformed line", err, nil)
		return true
	}
	if rec.Topic != topic {
		return true
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	if rec.Metadata != nil {
		msg.Metadata = rec.Metadata
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}
