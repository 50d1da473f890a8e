package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/teeflow/internal/runtime/codecs"
	configpkg "github.com/drblury/teeflow/internal/runtime/config"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/transport"
)

// ServiceDependencies holds the optional collaborators of a Service.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	Adapters    *transport.Registry      // nil means transport.DefaultRegistry
	Middlewares []MiddlewareRegistration // Appended after the default middleware chain.
	// DisableDefaultMiddlewares skips the default middleware chain when true.
	DisableDefaultMiddlewares bool
	Hooks                     JobHooks
	ErrorClassifier           ErrorClassifier
}

// Service wires a configuration, the codecs it names, a PluginRunner and
// the optional status server.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger
	Runner *PluginRunner

	status *StatusServer
}

var statusStart = func(s *StatusServer, ctx context.Context, addr string) error {
	return s.Start(ctx, addr)
}

// NewService validates conf and builds a runner over registry with the
// configured decoder and encoder.
func NewService(conf configpkg.Config, log loggingpkg.ServiceLogger, registry *handlers.Registry, deps ServiceDependencies) (*Service, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = loggingpkg.NopLogger()
	}

	decoder, err := codecs.Lookup(conf.Decoder)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	encoder, err := codecs.Lookup(conf.Encoder)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	log.Info("Creating teeflow service", loggingpkg.LogFields{"config": conf.String()})

	opts := []RunnerOption{
		WithConfig(conf),
		WithLogger(log),
		WithMiddlewares(deps.Middlewares...),
		WithHooks(deps.Hooks),
		WithErrorClassifier(deps.ErrorClassifier),
	}
	if deps.DisableDefaultMiddlewares {
		opts = append(opts, WithoutDefaultMiddlewares())
	}
	runner, err := NewPluginRunner(registry, deps.Adapters, decoder.Decode, encoder.Encode, opts...)
	if err != nil {
		return nil, err
	}

	s := &Service{Conf: runner.Conf, Logger: log, Runner: runner}
	if conf.StatusAddress != "" {
		s.status = NewStatusServer(runner)
	}
	return s, nil
}

// Start launches the status server in the background when StatusAddress
// is set. It stops with ctx.
func (s *Service) Start(ctx context.Context) {
	if s.status == nil {
		return
	}
	go func() {
		if err := statusStart(s.status, ctx, s.Conf.StatusAddress); err != nil {
			s.Logger.Error("Status server failed", err, loggingpkg.LogFields{"address": s.Conf.StatusAddress})
		}
	}()
}

// Status returns the status server, nil when disabled.
func (s *Service) Status() *StatusServer { return s.status }
