package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
	"github.com/drblury/teeflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

// HandlerFunc is the shape of every registered handler.
type HandlerFunc = handlers.Func

// Middleware wraps the handler registered for target.
type Middleware func(target string, next HandlerFunc) HandlerFunc

// MiddlewareBuilder constructs a middleware using the runner it is registered on.
// Returning a nil Middleware skips the registration.
type MiddlewareBuilder func(*PluginRunner) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a PluginRunner.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = errspkg.IsRetryable
	}
	return cfg
}

// DefaultMiddlewares returns the chain every PluginRunner starts with. The
// first registration is the outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		StatsMiddleware(),
		RecovererMiddleware(),
	}
}

// LogMessagesMiddleware logs every invocation at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(r *PluginRunner) (Middleware, error) {
			l := logger
			if l == nil {
				l = r.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(target string, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in any) (any, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"target":         target,
				"correlation_id": metadata.FromContext(ctx).CorrelationID(),
				"input_type":     fmt.Sprintf("%T", in),
			})
			return next(ctx, in)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

func tracerMiddleware(target string, next HandlerFunc) HandlerFunc {
	tracer := otel.Tracer("github.com/drblury/teeflow")
	return func(ctx context.Context, in any) (any, error) {
		ctx, span := tracer.Start(ctx, "Handle "+target)
		defer span.End()

		md := metadata.FromContext(ctx)
		span.SetAttributes(
			attribute.String("teeflow.target", target),
			attribute.String("teeflow.correlation_id", md.CorrelationID()),
		)

		out, err := next(ctx, in)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

// MetricsMiddleware records prometheus metrics when the runner config
// enables them.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(r *PluginRunner) (Middleware, error) {
			if r.Conf == nil || !r.Conf.MetricsEnabled {
				return nil, nil
			}
			if err := r.metrics.Register(); err != nil {
				return nil, fmt.Errorf("register handler metrics: %w", err)
			}
			return metricsMiddleware(r.metrics, r.classifier()), nil
		},
	}
}

func metricsMiddleware(m *HandlerMetrics, classify ErrorClassifier) Middleware {
	return func(target string, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in any) (any, error) {
			m.start(target, metadata.FromContext(ctx).Lag())
			started := time.Now()
			out, err := next(ctx, in)
			m.finish(target, time.Since(started), classify(err))
			return out, err
		}
	}
}

// StatsMiddleware feeds the per-target stats served by the status server.
func StatsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "stats",
		Builder: func(r *PluginRunner) (Middleware, error) {
			return statsMiddleware(r.stats, r.classifier()), nil
		},
	}
}

func statsMiddleware(registry *StatsRegistry, classify ErrorClassifier) Middleware {
	return func(target string, next HandlerFunc) HandlerFunc {
		stats := registry.For(target)
		return func(ctx context.Context, in any) (any, error) {
			stats.onStart(ctx)
			started := time.Now()
			out, err := next(ctx, in)
			stats.onFinish(time.Since(started), err, classify(err))
			return out, err
		}
	}
}

// RetryMiddleware retries failed invocations with exponential backoff.
// By default only retryable transport errors are retried.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name:       "retry",
		Middleware: retryMiddleware(normalized),
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig) Middleware {
	return func(_ string, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in any) (any, error) {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.MaxInterval = cfg.MaxInterval
			b.MaxElapsedTime = 0

			var out any
			op := func() error {
				var err error
				out, err = next(ctx, in)
				if err != nil && !cfg.RetryIf(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)
			if err := backoff.Retry(op, policy); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recovererMiddleware,
	}
}

func recovererMiddleware(_ string, next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, in any) (out any, err error) {
		defer func() {
			if r := recover(); r != nil {
				out = nil
				err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
			}
		}()
		return next(ctx, in)
	}
}

// suppressErrors logs and swallows handler errors so one bad message never
// stops a running pipeline.
func suppressErrors(logger loggingpkg.ServiceLogger) Middleware {
	return func(target string, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in any) (any, error) {
			out, err := next(ctx, in)
			if err != nil {
				logger.Error("Handler failed", err, loggingpkg.LogFields{
					"target":         target,
					"correlation_id": metadata.FromContext(ctx).CorrelationID(),
				})
				return nil, nil
			}
			return out, nil
		}
	}
}

// RegisterMiddleware appends a middleware to the runner chain. It only
// affects handlers wrapped afterwards.
func (r *PluginRunner) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(r)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	r.mu.Lock()
	r.middlewares = append(r.middlewares, mw)
	r.mu.Unlock()
	return nil
}

// Wrap applies the registered chain to fn.
func (r *PluginRunner) Wrap(target string, fn HandlerFunc) HandlerFunc {
	r.mu.Lock()
	chain := append([]Middleware(nil), r.middlewares...)
	r.mu.Unlock()

	for i := len(chain) - 1; i >= 0; i-- {
		fn = chain[i](target, fn)
	}
	return fn
}
