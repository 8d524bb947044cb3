package runtime

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	"github.com/drblury/activitypipe/internal/runtime/metrics"
)

func TestPipelineHooks_Merge(t *testing.T) {
	var order []string

	a := PipelineHooks{
		OnStateChange: func(_, to State) { order = append(order, "a:"+to.String()) },
		OnDecodeError: func(decoder.RawEvent, error) { order = append(order, "a:decode") },
	}
	b := PipelineHooks{
		OnStateChange:   func(_, to State) { order = append(order, "b:"+to.String()) },
		OnEventReceived: func(decoder.RawEvent) { order = append(order, "b:received") },
	}

	merged := a.Merge(b)
	merged.stateChange(StateIdle, StateStreaming)
	merged.decodeError(decoder.RawEvent{}, errors.New("bad"))
	merged.eventReceived(decoder.RawEvent{})

	assert.Equal(t, []string{"a:streaming", "b:streaming", "a:decode", "b:received"}, order)
	assert.Nil(t, merged.OnLoggerError)
}

func TestPipelineHooks_NilHooksAreNoOps(t *testing.T) {
	var h PipelineHooks
	assert.NotPanics(t, func() {
		h.stateChange(StateIdle, StateConfiguring)
		h.eventReceived(decoder.RawEvent{})
		h.eventIgnored(decoder.RawEvent{})
		h.decodeError(decoder.RawEvent{}, errors.New("x"))
		h.recordDispatched(activity.Record{}, time.Millisecond)
		h.loggerSkipped(LoggerContext{})
		h.loggerError(LoggerContext{}, errors.New("x"))
	})
}

func TestLoggingHooks_DecodeErrorLevel(t *testing.T) {
	quiet := newCaptureLogger()
	LoggingHooks(quiet, false).OnDecodeError(malformedEvent(), errors.New("bad"))
	entries := quiet.find("Dropping malformed activity event")
	require.Len(t, entries, 1)
	assert.Equal(t, "debug", entries[0].level)
	assert.Equal(t, "bad", entries[0].fields["error"])

	loud := newCaptureLogger()
	LoggingHooks(loud, true).OnDecodeError(malformedEvent(), errors.New("bad"))
	entries = loud.find("Dropping malformed activity event")
	require.Len(t, entries, 1)
	assert.Equal(t, "error", entries[0].level)
	assert.EqualError(t, entries[0].err, "bad")
}

func TestLoggingHooks_LoggerError(t *testing.T) {
	log := newCaptureLogger()
	rec := activity.Record{OperationName: "op"}
	LoggingHooks(log, false).OnLoggerError(LoggerContext{Name: "sink", Phase: metrics.PhaseLog, Record: &rec}, errors.New("down"))

	entries := log.find("Activity logger failed")
	require.Len(t, entries, 1)
	assert.Equal(t, "sink", entries[0].fields["logger"])
	assert.Equal(t, "op", entries[0].fields["operation"])
}

func TestLoggingHooks_NilLogger(t *testing.T) {
	h := LoggingHooks(nil, true)
	assert.Nil(t, h.OnStateChange)
	assert.Nil(t, h.OnLoggerError)
}

func TestMetricsHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(reg)
	require.NoError(t, m.Register())

	h := MetricsHooks(m)
	h.eventReceived(stopEvent("s", "op"))
	h.eventReceived(otherEvent())
	h.eventIgnored(otherEvent())
	h.decodeError(malformedEvent(), errors.New("bad"))
	h.recordDispatched(activity.Record{}, time.Millisecond)
	h.loggerError(LoggerContext{Name: "sink", Phase: metrics.PhaseLog}, errors.New("x"))
	h.loggerSkipped(LoggerContext{Name: "sink"})
	h.stateChange(StateIdle, StateDraining)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			values[mf.GetName()+labelSuffix(metric)] += metricValue(metric)
		}
	}

	assert.Equal(t, 2.0, values["activitypipe_events_received_total"])
	assert.Equal(t, 1.0, values["activitypipe_activities_decoded_total"])
	assert.Equal(t, 1.0, values["activitypipe_events_dropped_total{reason=malformed}"])
	assert.Equal(t, 1.0, values["activitypipe_events_dropped_total{reason=not_applicable}"])
	assert.Equal(t, 1.0, values["activitypipe_logger_errors_total{logger=sink,phase=log}"])
	assert.Equal(t, 1.0, values["activitypipe_logger_skipped_total{logger=sink}"])
	assert.Equal(t, float64(StateDraining), values["activitypipe_pipeline_state"])
	assert.Equal(t, 1.0, values["activitypipe_dispatch_duration_seconds"])
}

func TestMetricsHooks_NilMetrics(t *testing.T) {
	h := MetricsHooks(nil)
	assert.Nil(t, h.OnEventReceived)
	assert.Nil(t, h.OnStateChange)
}

func TestAlertingHooks(t *testing.T) {
	var alerted string
	h := AlertingHooks(func(lc LoggerContext, err error) { alerted = lc.Name + ": " + err.Error() })
	h.loggerError(LoggerContext{Name: "sink"}, errors.New("down"))
	assert.Equal(t, "sink: down", alerted)
}

func labelSuffix(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	s := "{"
	for i, l := range m.GetLabel() {
		if i > 0 {
			s += ","
		}
		s += l.GetName() + "=" + l.GetValue()
	}
	return s + "}"
}

// metricValue returns the counter or gauge value, or the sample count of a
// histogram.
func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}
