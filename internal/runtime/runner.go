package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/teeflow/internal/runtime/codecs"
	configpkg "github.com/drblury/teeflow/internal/runtime/config"
	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/internal/runtime/pipeline"
	"github.com/drblury/teeflow/transport"
)

// RunnerOption configures a PluginRunner.
type RunnerOption func(*runnerOptions)

type runnerOptions struct {
	conf                      *configpkg.Config
	logger                    loggingpkg.ServiceLogger
	middlewares               []MiddlewareRegistration
	disableDefaultMiddlewares bool
	hooks                     JobHooks
	registry                  *prometheus.Registry
	classifier                ErrorClassifier
}

// WithConfig sets the runner configuration. Unset keys take their defaults.
func WithConfig(conf configpkg.Config) RunnerOption {
	return func(o *runnerOptions) { o.conf = &conf }
}

// WithLogger sets the logger shared by the runner, its tees and adapters.
func WithLogger(logger loggingpkg.ServiceLogger) RunnerOption {
	return func(o *runnerOptions) { o.logger = logger }
}

// WithMiddlewares appends middlewares after the default chain.
func WithMiddlewares(regs ...MiddlewareRegistration) RunnerOption {
	return func(o *runnerOptions) { o.middlewares = append(o.middlewares, regs...) }
}

// WithoutDefaultMiddlewares skips DefaultMiddlewares.
func WithoutDefaultMiddlewares() RunnerOption {
	return func(o *runnerOptions) { o.disableDefaultMiddlewares = true }
}

// WithHooks adds job hooks around every handler invocation.
func WithHooks(hooks JobHooks) RunnerOption {
	return func(o *runnerOptions) { o.hooks = o.hooks.Merge(hooks) }
}

// WithMetricsRegistry registers and serves metrics from reg instead of the
// prometheus default registry.
func WithMetricsRegistry(reg *prometheus.Registry) RunnerOption {
	return func(o *runnerOptions) { o.registry = reg }
}

// WithErrorClassifier overrides how handler errors are categorised in
// metrics and stats.
func WithErrorClassifier(classifier ErrorClassifier) RunnerOption {
	return func(o *runnerOptions) { o.classifier = classifier }
}

// PluginRunner runs registered handlers, either once on a payload or
// continuously inside a tee between two brokers.
type PluginRunner struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	registry *handlers.Registry
	adapters *transport.Registry
	decoder  handlers.Decoder
	encoder  handlers.Encoder

	mu          sync.Mutex
	middlewares []Middleware
	tees        map[string]*pipeline.Tee

	registerer      prometheus.Registerer
	gatherer        prometheus.Gatherer
	metrics         *HandlerMetrics
	stats           *StatsRegistry
	resources       *resourceTracker
	errorClassifier ErrorClassifier
}

// NewPluginRunner creates a runner over registry. A nil adapters uses
// transport.DefaultRegistry and a nil encoder encodes results as JSON.
func NewPluginRunner(registry *handlers.Registry, adapters *transport.Registry, decoder handlers.Decoder, encoder handlers.Encoder, opts ...RunnerOption) (*PluginRunner, error) {
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if decoder == nil {
		return nil, errspkg.ErrDecoderRequired
	}
	if adapters == nil {
		adapters = transport.DefaultRegistry
	}
	if encoder == nil {
		encoder = codecs.EncodeJSON
	}

	var o runnerOptions
	for _, opt := range opts {
		opt(&o)
	}
	conf := configpkg.Default()
	if o.conf != nil {
		conf = *o.conf
		conf.ApplyDefaults()
	}
	logger := o.logger
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}

	r := &PluginRunner{
		Conf:            &conf,
		Logger:          logger,
		registry:        registry,
		adapters:        adapters,
		decoder:         decoder,
		encoder:         encoder,
		tees:            make(map[string]*pipeline.Tee),
		registerer:      prometheus.DefaultRegisterer,
		gatherer:        prometheus.DefaultGatherer,
		stats:           NewStatsRegistry(),
		resources:       newResourceTracker(),
		errorClassifier: o.classifier,
	}
	if o.registry != nil {
		r.registerer = o.registry
		r.gatherer = o.registry
	}
	r.metrics = NewHandlerMetrics(r.registerer)

	var defaults []MiddlewareRegistration
	if !o.disableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(o.middlewares)+1)
	registrations = append(registrations, defaults...)
	if !o.hooks.empty() {
		registrations = append(registrations, JobHooksMiddleware(o.hooks))
	}
	registrations = append(registrations, o.middlewares...)

	for _, reg := range registrations {
		if err := r.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *PluginRunner) classifier() ErrorClassifier {
	if r.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return r.errorClassifier
}

// ParsedTopic is the topic the results of target are published to.
func (r *PluginRunner) ParsedTopic(target string) string {
	return pipeline.ParsedTopic(r.Conf.RawTopic, target)
}

// Registry returns the handler registry the runner dispatches to.
func (r *PluginRunner) Registry() *handlers.Registry { return r.registry }

// Run decodes raw and runs the handler for target once. Handler errors are
// returned, not suppressed.
func (r *PluginRunner) Run(ctx context.Context, target string, raw []byte) (any, error) {
	rec, err := r.registry.GetHandler(target)
	if err != nil {
		return nil, err
	}
	in, err := r.decoder(raw)
	if err != nil {
		return nil, errspkg.Unprocessable(err)
	}
	return r.Wrap(target, rec.Handler)(ctx, in)
}

// Encode serialises result with the runner's encoder.
func (r *PluginRunner) Encode(result any) ([]byte, error) {
	return r.encoder(result)
}

// RunWithURI consumes the raw topic at consumerURI, runs target on every
// message and publishes the results to ParsedTopic(target) at publisherURI
// (consumerURI when empty). When blocking it supervises the tee until ctx
// is done.
func (r *PluginRunner) RunWithURI(ctx context.Context, target, consumerURI, publisherURI string, blocking bool) (*pipeline.Tee, error) {
	if _, err := r.registry.GetHandler(target); err != nil {
		return nil, err
	}
	tee, err := pipeline.GetTopicTee(ctx, r.adapters, r.Conf.RawTopic, r.ParsedTopic(target), consumerURI, publisherURI, r.TransportOptions(), pipeline.WithLogger(r.Logger))
	if err != nil {
		return nil, err
	}
	return r.RunWithTee(ctx, target, tee, blocking)
}

// RunSink consumes ParsedTopic(target) at consumerURI and hands every
// message to target without forwarding results. sink may inject
// dependencies into the handler context.
func (r *PluginRunner) RunSink(ctx context.Context, target, consumerURI string, sink *pipeline.Sink, blocking bool) (*pipeline.Tee, error) {
	if _, err := r.registry.GetHandler(target); err != nil {
		return nil, err
	}
	tee, err := pipeline.GetSinkTee(ctx, r.adapters, r.ParsedTopic(target), consumerURI, sink, r.TransportOptions(), pipeline.WithLogger(r.Logger))
	if err != nil {
		return nil, err
	}
	return r.RunWithTee(ctx, target, tee, blocking)
}

// RunWithTee binds target to a caller-built tee and starts it. Handler
// errors and panics are logged and the message dropped.
func (r *PluginRunner) RunWithTee(ctx context.Context, target string, tee *pipeline.Tee, blocking bool) (*pipeline.Tee, error) {
	rec, err := r.registry.GetHandler(target)
	if err != nil {
		return nil, err
	}

	wrapped := suppressErrors(r.Logger)(target, r.Wrap(target, rec.Handler))
	if err := tee.Bind(wrapped, r.decoder, r.encoder); err != nil {
		return nil, err
	}

	var publishTopic string
	if topical, ok := tee.Forwarder().(interface{ Topic() string }); ok {
		publishTopic = topical.Topic()
	}
	r.stats.For(target).bind(tee.Consumer().Topic(), publishTopic)

	if err := tee.Start(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.tees[target] = tee
	r.mu.Unlock()

	r.Logger.Info("Handler running", loggingpkg.LogFields{
		"target":        target,
		"consume_topic": tee.Consumer().Topic(),
		"publish_topic": publishTopic,
	})

	if !blocking {
		return tee, nil
	}
	return tee, r.Supervise(ctx, tee)
}

// Supervise polls the tees every PollInterval until ctx is done or one of
// them dies, then stops them all.
func (r *PluginRunner) Supervise(ctx context.Context, tees ...*pipeline.Tee) error {
	defer func() {
		for _, tee := range tees {
			tee.Stop()
		}
	}()

	interval := r.Conf.PollInterval
	if interval <= 0 {
		interval = configpkg.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("Stopping handlers", loggingpkg.LogFields{"reason": ctx.Err().Error()})
			return nil
		case <-ticker.C:
			for _, tee := range tees {
				alive, err := tee.Alive()
				if err != nil {
					return err
				}
				if !alive {
					return fmt.Errorf("%w: %s", errspkg.ErrTeeStopped, tee.Consumer().Topic())
				}
			}
		}
	}
}

// Alive reports whether every tee started by the runner is alive. A runner
// without tees is alive.
func (r *PluginRunner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tee := range r.tees {
		if alive, err := tee.Alive(); err != nil || !alive {
			return false
		}
	}
	return true
}

// Tees returns the tees started by the runner keyed by target.
func (r *PluginRunner) Tees() map[string]*pipeline.Tee {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*pipeline.Tee, len(r.tees))
	for target, tee := range r.tees {
		out[target] = tee
	}
	return out
}

// Stop stops every tee started by the runner.
func (r *PluginRunner) Stop() {
	for _, tee := range r.Tees() {
		tee.Stop()
	}
}

// Handlers describes every registered handler, in registration order,
// together with its stats and tee.
func (r *PluginRunner) Handlers() []HandlerInfo {
	records := r.registry.Handlers()
	tees := r.Tees()

	infos := make([]HandlerInfo, 0, len(records))
	for _, rec := range records {
		target := rec.Target
		info := HandlerInfo{Name: rec.Name, Target: target, Kind: rec.Kind.String()}
		if stats, ok := r.stats.Lookup(target); ok {
			info.Stats = stats
		}
		if tee, ok := tees[target]; ok {
			info.ConsumeTopic = tee.Consumer().Topic()
			if topical, ok := tee.Forwarder().(interface{ Topic() string }); ok {
				info.PublishTopic = topical.Topic()
			}
			info.Running = tee.Running()
		}
		infos = append(infos, info)
	}
	return infos
}

// Resources samples process resource usage.
func (r *PluginRunner) Resources() ResourceUsage {
	return r.resources.Snapshot()
}

// TransportOptions derives adapter options from the runner configuration.
// With metrics enabled every connection is decorated with watermill's
// prometheus publisher and subscriber metrics.
func (r *PluginRunner) TransportOptions() transport.Options {
	opts := transport.Options{
		Logger: loggingpkg.NewWatermillAdapter(r.Logger),
		Backoff: transport.BackoffConfig{
			InitialInterval: r.Conf.Reconnect.InitialInterval,
			MaxInterval:     r.Conf.Reconnect.MaxInterval,
			Multiplier:      r.Conf.Reconnect.Multiplier,
		},
		ConsumerGroup:      r.Conf.ConsumerGroup,
		AWSAccessKeyID:     r.Conf.AWSAccessKeyID,
		AWSSecretAccessKey: r.Conf.AWSSecretAccessKey,
	}
	if r.Conf.MetricsEnabled {
		builder := metrics.NewPrometheusMetricsBuilder(r.registerer, metricsNamespace, "broker")
		opts.PublisherDecorator = builder.DecoratePublisher
		opts.SubscriberDecorator = builder.DecorateSubscriber
	}
	return opts
}
