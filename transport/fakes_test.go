package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

var testBackoff = BackoffConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 2}

var errBroken = errors.New("broken pipe")

// publishLog records payloads across every publisher a test builds.
type publishLog struct {
	mu       sync.Mutex
	calls    int
	failOn   map[int]bool
	payloads []string
	topics   []string
	headers  []message.Metadata
	builds   int
	closes   int
	buildErr error
}

func (l *publishLog) build(context.Context) (message.Publisher, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buildErr != nil {
		return nil, l.buildErr
	}
	l.builds++
	return &fakePublisher{log: l}, nil
}

func (l *publishLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.payloads...)
}

func (l *publishLog) metadata() []message.Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Metadata(nil), l.headers...)
}

func (l *publishLog) buildCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.builds
}

type fakePublisher struct {
	log *publishLog
}

func (p *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	p.log.calls++
	if p.log.failOn[p.log.calls] {
		return errBroken
	}
	for _, msg := range messages {
		p.log.payloads = append(p.log.payloads, string(msg.Payload))
		p.log.topics = append(p.log.topics, topic)
		p.log.headers = append(p.log.headers, msg.Metadata)
	}
	return nil
}

func (p *fakePublisher) Close() error {
	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	p.log.closes++
	return nil
}

type fakeStream struct {
	ch   chan *message.Message
	once sync.Once
}

func (s *fakeStream) close() {
	s.once.Do(func() { close(s.ch) })
}

// fakeSubscriber hands out one stream per Subscribe call. Streams close on
// context cancellation or when a test calls closeStream.
type fakeSubscriber struct {
	mu           sync.Mutex
	streams      map[string][]*fakeStream
	subscribeErr error
	closes       int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{streams: make(map[string][]*fakeStream)}
}

func (f *fakeSubscriber) build(context.Context) (message.Subscriber, error) {
	return f, nil
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	stream := &fakeStream{ch: make(chan *message.Message, 8)}
	f.streams[topic] = append(f.streams[topic], stream)
	go func() {
		<-ctx.Done()
		stream.close()
	}()
	return stream.ch, nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSubscriber) subscriptions(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[topic])
}

func (f *fakeSubscriber) stream(topic string, i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[topic][i]
}

func (f *fakeSubscriber) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeSubscriber) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}
