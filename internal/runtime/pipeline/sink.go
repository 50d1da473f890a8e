package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/drblury/teeflow/internal/runtime/handlers"
)

// Sink is an output half that never forwards. An optional Inject runs on
// the handler context, letting the sink hand dependencies to the handler.
type Sink struct {
	Inject func(ctx context.Context) context.Context

	running atomic.Bool
}

// ResultPublisher returns fn, only wrapped when Inject is set.
func (s *Sink) ResultPublisher(fn handlers.Func, _ handlers.Encoder) handlers.Func {
	if s.Inject == nil {
		return fn
	}
	inject := s.Inject
	return func(ctx context.Context, in any) (any, error) {
		return fn(inject(ctx), in)
	}
}

func (s *Sink) Start() error {
	s.running.Store(true)
	return nil
}

func (s *Sink) Stop() error {
	s.running.Store(false)
	return nil
}

func (s *Sink) Running() bool { return s.running.Load() }
