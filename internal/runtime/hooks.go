package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/teeflow/internal/runtime/logging"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// Target is the handler target being invoked.
	Target string
	// CorrelationID is taken from the consumed message, if any.
	CorrelationID string
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set for OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are callbacks around handler invocations. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first, then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every handler call.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(target string, next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, in any) (any, error) {
			job := JobContext{
				Target:        target,
				CorrelationID: metadata.FromContext(ctx).CorrelationID(),
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			out, err := next(ctx, in)

			job.Duration = time.Since(job.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(job, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(job)
			}
			return out, err
		}
	}
}

// LoggingHooks logs job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"target":         ctx.Target,
				"correlation_id": ctx.CorrelationID,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"target":         ctx.Target,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"target":         ctx.Target,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards job events to plain counters.
func MetricsHooks(onStart, onDone, onError func(target string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Target)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Target)
			}
		},
		OnJobError: func(ctx JobContext, _ error) {
			if onError != nil {
				onError(ctx.Target)
			}
		},
	}
}
