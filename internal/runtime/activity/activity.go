// Package activity holds the decoded activity model: the immutable Record handed
// to activity loggers, its enumerations, and the source identity cache that
// interns activity sources by name.
package activity

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
)

// Tag is a single key/value pair attached to an activity. Keys may repeat.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Record is a completed activity reconstructed from the event stream.
//
// Records are values produced by the decoder and must not be modified by
// loggers. The Tags slice is shared between every logger receiving the same
// record; copy it before retaining or mutating it.
type Record struct {
	// Source is owned by the decoder's SourceCache. Nil when the event carried
	// no source name.
	Source *SourceIdentity `json:"source,omitempty"`

	// OperationName is always non-empty.
	OperationName string `json:"operation_name"`

	// DisplayName is only set when it differs from OperationName.
	DisplayName string `json:"display_name,omitempty"`

	Kind Kind `json:"kind"`

	// Zero-valued identifiers mean "not present".
	TraceID      trace.TraceID `json:"trace_id"`
	SpanID       trace.SpanID  `json:"span_id"`
	ParentSpanID trace.SpanID  `json:"parent_span_id"`

	TraceFlags trace.TraceFlags `json:"trace_flags"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	// Tags preserves emission order and is never nil.
	Tags []Tag `json:"tags"`

	Status            Status `json:"status"`
	StatusDescription string `json:"status_description,omitempty"`
}

// Validate checks the structural invariants of a record.
func (r Record) Validate() error {
	var errs []error
	if r.OperationName == "" {
		errs = append(errs, errors.New("operation name is required"))
	}
	if r.Tags == nil {
		errs = append(errs, errors.New("tags must not be nil"))
	}
	if r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end time precedes start time"))
	}
	return errors.Join(errs...)
}

// Duration returns EndTime - StartTime.
func (r Record) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// HasParent reports whether the record carries a parent span identifier.
func (r Record) HasParent() bool {
	return r.ParentSpanID.IsValid()
}

// SpanContext returns the OpenTelemetry span context describing the record.
// The context is marked remote since the span was recorded in another process.
func (r Record) SpanContext() trace.SpanContext {
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    r.TraceID,
		SpanID:     r.SpanID,
		TraceFlags: r.TraceFlags,
		Remote:     true,
	})
}

// Attributes converts the tags into OpenTelemetry string attributes, in order.
func (r Record) Attributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(r.Tags))
	for _, tag := range r.Tags {
		attrs = append(attrs, attribute.String(tag.Key, tag.Value))
	}
	return attrs
}

// Kind describes the relationship between an activity and its peers.
type Kind int

const (
	KindInternal Kind = iota
	KindServer
	KindClient
	KindProducer
	KindConsumer
)

var kindNames = []string{"Internal", "Server", "Client", "Producer", "Consumer"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// SpanKind maps the activity kind onto the OpenTelemetry span kind.
func (k Kind) SpanKind() trace.SpanKind {
	switch k {
	case KindServer:
		return trace.SpanKindServer
	case KindClient:
		return trace.SpanKindClient
	case KindProducer:
		return trace.SpanKindProducer
	case KindConsumer:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindInternal
	}
}

// ParseKind accepts a member name ("Client") or its numeric value ("2").
func ParseKind(value string) (Kind, error) {
	n, err := parseEnum(value, kindNames)
	if err != nil {
		return KindInternal, err
	}
	return Kind(n), nil
}

// Status is the outcome recorded on an activity.
type Status int

const (
	StatusUnset Status = iota
	StatusOk
	StatusError
)

var statusNames = []string{"Unset", "Ok", "Error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
	return statusNames[s]
}

// Code maps the status onto the OpenTelemetry status code.
func (s Status) Code() codes.Code {
	switch s {
	case StatusOk:
		return codes.Ok
	case StatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

// ParseStatus accepts a member name ("Error") or its numeric value ("2").
func ParseStatus(value string) (Status, error) {
	n, err := parseEnum(value, statusNames)
	if err != nil {
		return StatusUnset, err
	}
	return Status(n), nil
}

// ParseTraceFlags accepts "None", "Recorded" or a numeric flag byte.
// Recorded maps to the W3C sampled bit.
func ParseTraceFlags(value string) (trace.TraceFlags, error) {
	switch v := strings.TrimSpace(value); v {
	case "None":
		return 0, nil
	case "Recorded":
		return trace.FlagsSampled, nil
	default:
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return 0, invalidEnum(value)
		}
		return trace.TraceFlags(n), nil
	}
}

func parseEnum(value string, names []string) (int, error) {
	v := strings.TrimSpace(value)
	for i, name := range names {
		if v == name {
			return i, nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n >= len(names) {
		return 0, invalidEnum(value)
	}
	return n, nil
}

func invalidEnum(value string) error {
	return &enumError{value: value}
}

type enumError struct {
	value string
}

func (e *enumError) Error() string {
	return errspkg.ErrInvalidEnum.Error() + ": " + strconv.Quote(e.value)
}

func (e *enumError) Unwrap() error { return errspkg.ErrInvalidEnum }
