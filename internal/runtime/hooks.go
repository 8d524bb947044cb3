package runtime

import (
	"time"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	"github.com/drblury/activitypipe/internal/runtime/logging"
	"github.com/drblury/activitypipe/internal/runtime/metrics"
)

// LoggerContext identifies an activity logger and the lifecycle phase a hook
// fires for.
type LoggerContext struct {
	// Name is the logger's Name() when it implements NamedLogger, otherwise
	// its registration index formatted as "logger-<n>".
	Name string
	// Index is the registration position of the logger.
	Index int
	// Phase is one of metrics.PhaseStarted, metrics.PhaseLog or
	// metrics.PhaseStopped.
	Phase string
	// Record is set for the log phase only.
	Record *activity.Record
}

// PipelineHooks defines callbacks for pipeline lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type PipelineHooks struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)

	// OnEventReceived is called for every raw event read from the session,
	// before it is decoded.
	OnEventReceived func(ev decoder.RawEvent)

	// OnEventIgnored is called for events that are not activity stop events.
	OnEventIgnored func(ev decoder.RawEvent)

	// OnDecodeError is called when an activity stop event is dropped because it
	// could not be decoded.
	OnDecodeError func(ev decoder.RawEvent, err error)

	// OnRecordDispatched is called once a record was offered to every logger.
	// Duration covers the whole fan-out.
	OnRecordDispatched func(rec activity.Record, d time.Duration)

	// OnLoggerSkipped is called when a logger reported it was closed.
	OnLoggerSkipped func(lc LoggerContext)

	// OnLoggerError is called when a logger returned an error or panicked.
	OnLoggerError func(lc LoggerContext, err error)
}

// Merge combines two PipelineHooks, creating a new PipelineHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h PipelineHooks) Merge(other PipelineHooks) PipelineHooks {
	return PipelineHooks{
		OnStateChange:      chain2(h.OnStateChange, other.OnStateChange),
		OnEventReceived:    chain1(h.OnEventReceived, other.OnEventReceived),
		OnEventIgnored:     chain1(h.OnEventIgnored, other.OnEventIgnored),
		OnDecodeError:      chain2(h.OnDecodeError, other.OnDecodeError),
		OnRecordDispatched: chain2(h.OnRecordDispatched, other.OnRecordDispatched),
		OnLoggerSkipped:    chain1(h.OnLoggerSkipped, other.OnLoggerSkipped),
		OnLoggerError:      chain2(h.OnLoggerError, other.OnLoggerError),
	}
}

func chain1[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chain2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func (h PipelineHooks) stateChange(from, to State) {
	if h.OnStateChange != nil {
		h.OnStateChange(from, to)
	}
}

func (h PipelineHooks) eventReceived(ev decoder.RawEvent) {
	if h.OnEventReceived != nil {
		h.OnEventReceived(ev)
	}
}

func (h PipelineHooks) eventIgnored(ev decoder.RawEvent) {
	if h.OnEventIgnored != nil {
		h.OnEventIgnored(ev)
	}
}

func (h PipelineHooks) decodeError(ev decoder.RawEvent, err error) {
	if h.OnDecodeError != nil {
		h.OnDecodeError(ev, err)
	}
}

func (h PipelineHooks) recordDispatched(rec activity.Record, d time.Duration) {
	if h.OnRecordDispatched != nil {
		h.OnRecordDispatched(rec, d)
	}
}

func (h PipelineHooks) loggerSkipped(lc LoggerContext) {
	if h.OnLoggerSkipped != nil {
		h.OnLoggerSkipped(lc)
	}
}

func (h PipelineHooks) loggerError(lc LoggerContext, err error) {
	if h.OnLoggerError != nil {
		h.OnLoggerError(lc, err)
	}
}

// LoggingHooks returns pre-built hooks that log pipeline events. Decode
// failures are logged at Debug unless reportDecodeErrors is set.
func LoggingHooks(logger logging.ServiceLogger, reportDecodeErrors bool) PipelineHooks {
	if logger == nil {
		return PipelineHooks{}
	}
	return PipelineHooks{
		OnStateChange: func(from, to State) {
			logger.Info("Pipeline state changed", logging.LogFields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
		OnDecodeError: func(ev decoder.RawEvent, err error) {
			fields := logging.LogFields{logging.FieldEvent: ev.Name}
			if reportDecodeErrors {
				logger.Error("Dropping malformed activity event", err, fields)
				return
			}
			fields["error"] = err.Error()
			logger.Debug("Dropping malformed activity event", fields)
		},
		OnLoggerSkipped: func(lc LoggerContext) {
			logger.Debug("Activity logger closed, skipping", loggerFields(lc))
		},
		OnLoggerError: func(lc LoggerContext, err error) {
			logger.Error("Activity logger failed", err, loggerFields(lc))
		},
	}
}

func loggerFields(lc LoggerContext) logging.LogFields {
	fields := logging.LogFields{
		logging.FieldLogger: lc.Name,
		logging.FieldPhase:  lc.Phase,
	}
	if lc.Record != nil {
		fields[logging.FieldOperation] = lc.Record.OperationName
		fields[logging.FieldTraceID] = lc.Record.TraceID.String()
	}
	return fields
}

// MetricsHooks returns pre-built hooks that record pipeline metrics.
func MetricsHooks(m *metrics.PipelineMetrics) PipelineHooks {
	if m == nil {
		return PipelineHooks{}
	}
	return PipelineHooks{
		OnStateChange: func(_, to State) {
			m.SetState(int(to))
		},
		OnEventReceived: func(decoder.RawEvent) {
			m.EventReceived()
		},
		OnEventIgnored: func(decoder.RawEvent) {
			m.EventDropped(metrics.ReasonNotApplicable)
		},
		OnDecodeError: func(decoder.RawEvent, error) {
			m.EventDropped(metrics.ReasonMalformed)
		},
		OnRecordDispatched: func(_ activity.Record, d time.Duration) {
			m.ActivityDecoded()
			m.ObserveDispatch(d)
		},
		OnLoggerSkipped: func(lc LoggerContext) {
			m.LoggerSkipped(lc.Name)
		},
		OnLoggerError: func(lc LoggerContext, _ error) {
			m.LoggerFailed(lc.Name, lc.Phase)
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on logger failures.
func AlertingHooks(alertFunc func(lc LoggerContext, err error)) PipelineHooks {
	return PipelineHooks{
		OnLoggerError: alertFunc,
	}
}
