package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceSampler reports coarse process CPU and memory usage between two
// consecutive snapshots.
type resourceSampler struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
}

func newResourceSampler() *resourceSampler {
	return &resourceSampler{
		samples: []metrics.Sample{{Name: cpuSecondsMetric}},
		numCPU:  float64(runtime.NumCPU()),
	}
}

func (r *resourceSampler) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	sample := r.samples[0]
	now := time.Now()

	var usage ResourceUsage
	if sample.Value.Kind() == metrics.KindFloat64 {
		cpuSeconds := sample.Value.Float64()
		if !r.lastSample.IsZero() && r.numCPU > 0 {
			if wall := now.Sub(r.lastSample).Seconds(); wall > 0 {
				usage.CPUPercent = (cpuSeconds - r.lastCPUSeconds) / wall / r.numCPU * 100
			}
		}
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	usage.Goroutines = runtime.NumGoroutine()
	return usage
}
