package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "activitypipe"

// Drop reasons reported on events_dropped_total.
const (
	ReasonMalformed     = "malformed"
	ReasonNotApplicable = "not_applicable"
	ReasonUndecodable   = "undecodable"
)

// Logger phases reported on logger_errors_total.
const (
	PhaseStarted = "started"
	PhaseLog     = "log"
	PhaseStopped = "stopped"
)

// PipelineMetrics tracks decode and delivery statistics of a pipeline. A nil
// *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	mu sync.Mutex

	eventsReceived    prometheus.Counter
	activitiesDecoded prometheus.Counter
	eventsDropped     *prometheus.CounterVec
	loggerSkipped     *prometheus.CounterVec
	loggerErrors      *prometheus.CounterVec
	pipelineState     prometheus.Gauge
	dispatchDuration  prometheus.Histogram
	registerer        prometheus.Registerer
	registered        bool
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPipelineMetrics creates the collectors. A nil registerer means the
// Prometheus default registerer.
func NewPipelineMetrics(registerer prometheus.Registerer) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &PipelineMetrics{
		registerer:        registerer,
		eventsReceived:    newCounter("events_received_total", "Total number of raw events received from the session"),
		activitiesDecoded: newCounter("activities_decoded_total", "Total number of activity records decoded and dispatched"),
		eventsDropped:     newCounterVec("events_dropped_total", "Total number of raw events dropped before dispatch", []string{"reason"}),
		loggerSkipped:     newCounterVec("logger_skipped_total", "Total number of deliveries skipped because the logger was closed", []string{"logger"}),
		loggerErrors:      newCounterVec("logger_errors_total", "Total number of failures returned by activity loggers", []string{"logger", "phase"}),
		pipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "Current pipeline state (0 idle, 1 configuring, 2 streaming, 3 draining, 4 stopped)",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent delivering one activity record to all loggers",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *PipelineMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.eventsReceived,
		m.activitiesDecoded,
		m.eventsDropped,
		m.loggerSkipped,
		m.loggerErrors,
		m.pipelineState,
		m.dispatchDuration,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Handler serves the registered collectors. When the registerer is not also a
// Gatherer the default gatherer is used.
func (m *PipelineMetrics) Handler() http.Handler {
	if m != nil {
		if gatherer, ok := m.registerer.(prometheus.Gatherer); ok {
			return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
		}
	}
	return promhttp.Handler()
}

func (m *PipelineMetrics) EventReceived() {
	if m == nil {
		return
	}
	m.eventsReceived.Inc()
}

func (m *PipelineMetrics) ActivityDecoded() {
	if m == nil {
		return
	}
	m.activitiesDecoded.Inc()
}

func (m *PipelineMetrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) LoggerSkipped(logger string) {
	if m == nil {
		return
	}
	m.loggerSkipped.WithLabelValues(logger).Inc()
}

func (m *PipelineMetrics) LoggerFailed(logger, phase string) {
	if m == nil {
		return
	}
	m.loggerErrors.WithLabelValues(logger, phase).Inc()
}

// SetState records the numeric pipeline state.
func (m *PipelineMetrics) SetState(state int) {
	if m == nil {
		return
	}
	m.pipelineState.Set(float64(state))
}

func (m *PipelineMetrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(d.Seconds())
}
