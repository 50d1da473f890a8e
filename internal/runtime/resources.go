package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"
)

// ResourceUsage is a coarse process and host sample served next to handler
// stats. Host fields stay zero where the platform offers no statistics.
type ResourceUsage struct {
	CPUPercent float64   `json:"cpu_percent"`
	HeapBytes  uint64    `json:"heap_bytes"`
	Goroutines uint64    `json:"goroutines"`
	SampledAt  time.Time `json:"sampled_at"`

	HostCPUPercent  float64 `json:"host_cpu_percent"`
	HostMemoryUsed  uint64  `json:"host_memory_used"`
	HostMemoryTotal uint64  `json:"host_memory_total"`
}

var (
	hostCPU    = cpu.Get
	hostMemory = memory.Get
)

const (
	cpuSecondsMetric = "/sched/cpu:seconds"
	heapBytesMetric  = "/memory/classes/heap/objects:bytes"
	goroutinesMetric = "/sched/goroutines:goroutines"
)

// resourceTracker derives CPU usage from the delta between two samples.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
	lastHost       *cpu.Stats
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: []metrics.Sample{
			{Name: cpuSecondsMetric},
			{Name: heapBytesMetric},
			{Name: goroutinesMetric},
		},
		numCPU: float64(runtime.NumCPU()),
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{SampledAt: now.UTC()}

	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpuSeconds := v.Float64()
		if !r.lastSample.IsZero() {
			deltaWall := now.Sub(r.lastSample).Seconds()
			if deltaWall > 0 && r.numCPU > 0 {
				usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / deltaWall / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.HeapBytes = v.Uint64()
	}
	if v := r.samples[2].Value; v.Kind() == metrics.KindUint64 {
		usage.Goroutines = v.Uint64()
	}
	r.lastSample = now
	r.sampleHost(&usage)
	return usage
}

func (r *resourceTracker) sampleHost(usage *ResourceUsage) {
	if mem, err := hostMemory(); err == nil {
		usage.HostMemoryUsed = mem.Used
		usage.HostMemoryTotal = mem.Total
	}
	stats, err := hostCPU()
	if err != nil {
		return
	}
	if prev := r.lastHost; prev != nil && stats.Total > prev.Total {
		idle := float64(stats.Idle - prev.Idle)
		total := float64(stats.Total - prev.Total)
		usage.HostCPUPercent = (1 - idle/total) * 100
	}
	r.lastHost = stats
}
