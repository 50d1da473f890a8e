package runtime

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/teeflow/internal/runtime/jsoncodec"
	"github.com/drblury/teeflow/internal/runtime/metadata"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// HandlerStats aggregates invocations of one target.
type HandlerStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	consumeTopic     string
	publishTopic     string
	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// HandlerInfo is the status view of one registered handler.
type HandlerInfo struct {
	Name         string        `json:"name"`
	Target       string        `json:"target"`
	Kind         string        `json:"kind"`
	ConsumeTopic string        `json:"consume_topic,omitempty"`
	PublishTopic string        `json:"publish_topic,omitempty"`
	Running      bool          `json:"running"`
	Stats        *HandlerStats `json:"stats,omitempty"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

func newHandlerStats() *HandlerStats {
	return &HandlerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{EstimatedLagMillis: -1},
	}
}

// bind records the topics the handler runs between.
func (h *HandlerStats) bind(consumeTopic, publishTopic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consumeTopic = consumeTopic
	h.publishTopic = publishTopic
	h.Dependencies = nil
	if consumeTopic != "" {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: "consumer:" + consumeTopic, Status: DependencyStatusUnknown})
	}
	if publishTopic != "" {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: "publisher:" + publishTopic, Status: DependencyStatusUnknown})
	}
}

func (h *HandlerStats) onStart(ctx context.Context) {
	lag := metadata.FromContext(ctx).Lag()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.Backlog.InFlight++
	if h.Backlog.InFlight > h.Backlog.MaxInFlight {
		h.Backlog.MaxInFlight = h.Backlog.InFlight
	}
	if lag >= 0 {
		h.Backlog.EstimatedLagMillis = lag.Milliseconds()
	}
}

func (h *HandlerStats) onFinish(duration time.Duration, err error, category ErrorCategory) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = time.Now().UTC()

	h.latencyWindow.Add(duration)
	latency := h.latencyWindow.Snapshot()
	latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)
	h.Latency = latency

	tp := h.throughputWindow.AddAndSnapshot(time.Now())
	h.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    h.MessagesProcessed,
	}

	h.Errors.Record(category, err)

	for i := range h.Dependencies {
		dep := &h.Dependencies[i]
		dep.LastChecked = time.Now().UTC()
		dep.Status = DependencyStatusHealthy
		dep.Details = ""
		if err != nil && category == ErrorCategoryTransport && dep.Name == "publisher:"+h.publishTopic {
			dep.Status = DependencyStatusDegraded
			dep.Details = err.Error()
		}
	}
}

// Counts returns the processed and failed invocation totals.
func (h *HandlerStats) Counts() (processed, failed uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.MessagesProcessed, h.MessagesFailed
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type alias HandlerStats
	return jsoncodec.Marshal((*alias)(h))
}

// Record counts err under category.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// StatsRegistry keeps one HandlerStats per target.
type StatsRegistry struct {
	mu       sync.Mutex
	byTarget map[string]*HandlerStats
}

func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{byTarget: make(map[string]*HandlerStats)}
}

// For returns the stats of target, creating them on first use.
func (r *StatsRegistry) For(target string) *HandlerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.byTarget[target]
	if !ok {
		stats = newHandlerStats()
		r.byTarget[target] = stats
	}
	return stats
}

// Lookup returns the stats of target if any invocation was tracked.
func (r *StatsRegistry) Lookup(target string) (*HandlerStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.byTarget[target]
	return stats, ok
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	metrics := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)

	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = tw.samples[idx:]

	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
