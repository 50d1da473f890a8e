package transport

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Registry maps URI schemes to adapters. Scheme packages register
// themselves with DefaultRegistry from init.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// DefaultRegistry is the global adapter registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds adapter under its scheme and every alias. A later
// registration for the same scheme replaces the earlier one.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, scheme := range append([]string{adapter.Scheme}, adapter.Aliases...) {
		if scheme == "" {
			continue
		}
		r.adapters[strings.ToLower(scheme)] = adapter
	}
}

// Lookup returns the adapter registered for scheme.
func (r *Registry) Lookup(scheme string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[strings.ToLower(scheme)]
	return adapter, ok
}

// GetCapabilities returns the capabilities registered for scheme, or a zero
// value carrying only the name when the scheme is unknown.
func (r *Registry) GetCapabilities(scheme string) Capabilities {
	if adapter, ok := r.Lookup(scheme); ok {
		return adapter.Capabilities
	}
	return Capabilities{Name: scheme}
}

// Schemes lists every registered scheme, aliases included, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.adapters))
	for scheme := range r.adapters {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// HasDispatcher reports whether some adapter can publish to uri.
func (r *Registry) HasDispatcher(uri string) bool {
	adapter, _, ok := r.resolve(uri)
	return ok && adapter.NewPublisher != nil
}

// HasConsumer reports whether some adapter can consume from uri.
func (r *Registry) HasConsumer(uri string) bool {
	adapter, _, ok := r.resolve(uri)
	return ok && adapter.NewSubscriber != nil
}

// GetDispatcher connects a Dispatcher for uri. It returns (nil, nil) when no
// adapter claims the scheme, and an error when the connection fails.
func (r *Registry) GetDispatcher(ctx context.Context, uri string, topics []string, opts Options) (*Dispatcher, error) {
	adapter, parsed, ok := r.resolve(uri)
	if !ok || adapter.NewPublisher == nil {
		return nil, nil
	}
	opts = opts.WithDefaults()
	build := func(ctx context.Context) (message.Publisher, error) {
		pub, err := adapter.NewPublisher(ctx, parsed, opts)
		if err != nil || opts.PublisherDecorator == nil {
			return pub, err
		}
		return opts.PublisherDecorator(pub)
	}
	return NewDispatcher(ctx, parsed.Scheme, topics, build, opts)
}

// GetConsumer connects a Consumer for uri with regs registered. It returns
// (nil, nil) when no adapter claims the scheme, and an error when the
// connection fails.
func (r *Registry) GetConsumer(ctx context.Context, uri string, regs []Registration, opts Options) (*Consumer, error) {
	adapter, parsed, ok := r.resolve(uri)
	if !ok || adapter.NewSubscriber == nil {
		return nil, nil
	}
	opts = opts.WithDefaults()
	build := func(ctx context.Context) (message.Subscriber, error) {
		sub, err := adapter.NewSubscriber(ctx, parsed, opts)
		if err != nil || opts.SubscriberDecorator == nil {
			return sub, err
		}
		return opts.SubscriberDecorator(sub)
	}
	return NewConsumer(ctx, parsed.Scheme, regs, build, opts)
}

func (r *Registry) resolve(uri string) (Adapter, *url.URL, bool) {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return Adapter{}, nil, false
	}
	adapter, ok := r.Lookup(parsed.Scheme)
	return adapter, parsed, ok
}

// Scheme returns the scheme of uri, or uri itself when it does not parse.
func Scheme(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return uri
	}
	return parsed.Scheme
}

// Register adds adapter to the default registry.
func Register(adapter Adapter) {
	DefaultRegistry.Register(adapter)
}

// GetDispatcher connects a Dispatcher using the default registry.
func GetDispatcher(ctx context.Context, uri string, topics []string, opts Options) (*Dispatcher, error) {
	return DefaultRegistry.GetDispatcher(ctx, uri, topics, opts)
}

// GetConsumer connects a Consumer using the default registry.
func GetConsumer(ctx context.Context, uri string, regs []Registration, opts Options) (*Consumer, error) {
	return DefaultRegistry.GetConsumer(ctx, uri, regs, opts)
}
