package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/teeflow/internal/runtime/errors"
)

const metricsNamespace = "teeflow"

// HandlerMetrics holds the prometheus collectors for handler invocations.
type HandlerMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	invocations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	lag         *prometheus.HistogramVec
}

func newHandlerCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "handler",
		Name:      name,
		Help:      help,
	}, labels)
}

func newHandlerHistogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "handler",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewHandlerMetrics creates unregistered collectors. A nil registerer means
// prometheus.DefaultRegisterer.
func NewHandlerMetrics(registerer prometheus.Registerer) *HandlerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &HandlerMetrics{
		registerer:  registerer,
		invocations: newHandlerCounterVec("invocations_total", "Handler invocations by target.", "target"),
		failures:    newHandlerCounterVec("failures_total", "Failed handler invocations by target and error category.", "target", "category"),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "handler",
			Name:      "in_flight",
			Help:      "Handler invocations currently running.",
		}, []string{"target"}),
		duration: newHandlerHistogramVec("duration_seconds", "Handler latency.", prometheus.DefBuckets, "target"),
		lag:      newHandlerHistogramVec("lag_seconds", "Time between publish and handling.", []float64{.01, .05, .1, .5, 1, 5, 30, 60}, "target"),
	}
}

// Register registers the collectors. Calling it again is a no-op, and
// collectors already registered elsewhere are tolerated.
func (m *HandlerMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{m.invocations, m.failures, m.inFlight, m.duration, m.lag}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *HandlerMetrics) start(target string, lag time.Duration) {
	m.invocations.WithLabelValues(target).Inc()
	m.inFlight.WithLabelValues(target).Inc()
	if lag >= 0 {
		m.lag.WithLabelValues(target).Observe(lag.Seconds())
	}
}

func (m *HandlerMetrics) finish(target string, took time.Duration, category ErrorCategory) {
	m.inFlight.WithLabelValues(target).Dec()
	m.duration.WithLabelValues(target).Observe(took.Seconds())
	if category != ErrorCategoryNone {
		m.failures.WithLabelValues(target, string(category)).Inc()
	}
}

// ErrorCategory groups handler failures.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps an error to its category.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errspkg.IsUnprocessable(err):
		return ErrorCategoryValidation
	case errspkg.IsRetryable(err):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}
