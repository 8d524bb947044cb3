package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
)

const (
	latencySampleSize = 512
	throughputHorizon = time.Minute
)

// PipelineStats accumulates in-process statistics of a pipeline run. It backs
// the status endpoint and complements the Prometheus collectors.
type PipelineStats struct {
	mu sync.Mutex

	eventsReceived    uint64
	recordsDispatched uint64
	dropped           DropBreakdown
	loggers           map[string]*LoggerStats
	loggerOrder       []string
	lastRecordAt      time.Time

	latency    *latencyWindow
	throughput *throughputWindow
	resources  *resourceSampler
}

// DropBreakdown counts events that never reached a logger.
type DropBreakdown struct {
	Malformed     uint64 `json:"malformed"`
	NotApplicable uint64 `json:"not_applicable"`
	LastError     string `json:"last_error,omitempty"`
}

// LoggerStats counts failures of one activity logger.
type LoggerStats struct {
	Name      string `json:"name"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
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
	CurrentRPS      float64 `json:"current_rps"`
	WindowSeconds   float64 `json:"window_seconds"`
	RecordsInWindow uint64  `json:"records_in_window"`
}

// StatsSnapshot is a point-in-time copy of PipelineStats.
type StatsSnapshot struct {
	EventsReceived    uint64            `json:"events_received"`
	RecordsDispatched uint64            `json:"records_dispatched"`
	LastRecordAt      time.Time         `json:"last_record_at"`
	Dropped           DropBreakdown     `json:"dropped"`
	Loggers           []LoggerStats     `json:"loggers"`
	DispatchLatency   LatencyMetrics    `json:"dispatch_latency"`
	Throughput        ThroughputMetrics `json:"throughput"`
	Resource          ResourceUsage     `json:"resource"`
}

func newPipelineStats() *PipelineStats {
	return &PipelineStats{
		loggers:    make(map[string]*LoggerStats),
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputHorizon),
		resources:  newResourceSampler(),
	}
}

// Hooks returns the hooks feeding the statistics.
func (s *PipelineStats) Hooks() PipelineHooks {
	return PipelineHooks{
		OnEventReceived: func(decoder.RawEvent) {
			s.mu.Lock()
			s.eventsReceived++
			s.mu.Unlock()
		},
		OnEventIgnored: func(decoder.RawEvent) {
			s.mu.Lock()
			s.dropped.NotApplicable++
			s.mu.Unlock()
		},
		OnDecodeError: func(_ decoder.RawEvent, err error) {
			s.mu.Lock()
			s.dropped.Malformed++
			s.dropped.LastError = err.Error()
			s.mu.Unlock()
		},
		OnRecordDispatched: func(_ activity.Record, d time.Duration) {
			now := time.Now()
			s.mu.Lock()
			s.recordsDispatched++
			s.lastRecordAt = now
			s.latency.Add(d)
			s.throughput.Add(now)
			s.mu.Unlock()
		},
		OnLoggerSkipped: func(lc LoggerContext) {
			s.mu.Lock()
			s.logger(lc.Name).Skipped++
			s.mu.Unlock()
		},
		OnLoggerError: func(lc LoggerContext, err error) {
			s.mu.Lock()
			ls := s.logger(lc.Name)
			ls.Failed++
			ls.LastError = err.Error()
			s.mu.Unlock()
		},
	}
}

func (s *PipelineStats) logger(name string) *LoggerStats {
	ls, ok := s.loggers[name]
	if !ok {
		ls = &LoggerStats{Name: name}
		s.loggers[name] = ls
		s.loggerOrder = append(s.loggerOrder, name)
	}
	return ls
}

// Snapshot copies the current statistics.
func (s *PipelineStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	snap := StatsSnapshot{
		EventsReceived:    s.eventsReceived,
		RecordsDispatched: s.recordsDispatched,
		LastRecordAt:      s.lastRecordAt,
		Dropped:           s.dropped,
		Loggers:           make([]LoggerStats, 0, len(s.loggerOrder)),
		DispatchLatency:   s.latency.Snapshot(),
		Throughput:        s.throughput.Snapshot(time.Now()),
	}
	for _, name := range s.loggerOrder {
		snap.Loggers = append(snap.Loggers, *s.loggers[name])
	}
	s.mu.Unlock()

	snap.Resource = s.resources.Snapshot()
	return snap
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
	m := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return m
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

	var sum int64
	for _, v := range samples {
		sum += v
	}
	m.SampleSize = lw.filled
	m.AverageNs = sum / int64(len(samples))
	m.P50Ns = percentile(samples, 0.50)
	m.P95Ns = percentile(samples, 0.95)
	m.P99Ns = percentile(samples, 0.99)
	return m
}

// percentile interpolates linearly between the closest ranks of a sorted
// sample.
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

// throughputWindow keeps the dispatch times seen within horizon.
type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) Add(now time.Time) {
	tw.samples = append(tw.samples, now)
	tw.evict(now)
}

func (tw *throughputWindow) evict(now time.Time) {
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = append(tw.samples[:0], tw.samples[idx:]...)
	}
}

func (tw *throughputWindow) Snapshot(now time.Time) ThroughputMetrics {
	tw.evict(now)
	if len(tw.samples) == 0 {
		return ThroughputMetrics{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return ThroughputMetrics{
		CurrentRPS:      float64(count) / span.Seconds(),
		WindowSeconds:   span.Seconds(),
		RecordsInWindow: uint64(count),
	}
}
