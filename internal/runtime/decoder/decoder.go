// Package decoder turns raw "Activity/Stop" diagnostic events into
// activity.Record values.
//
// A raw event carries a positional payload: index 0 is the activity source
// name, index 1 the operation name and index 2 an array of Key/Value
// arguments projected by the filter spec built in the provider package.
package decoder

import (
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
)

// ActivityStopEventName is the event emitted when an activity completes.
const ActivityStopEventName = "Activity/Stop"

// Argument keys projected by the activity filter spec.
const (
	KeyTraceID               = "TraceId"
	KeySpanID                = "SpanId"
	KeyParentSpanID          = "ParentSpanId"
	KeyActivityTraceFlags    = "ActivityTraceFlags"
	KeyKind                  = "Kind"
	KeyDisplayName           = "DisplayName"
	KeyStartTimeTicks        = "StartTimeTicks"
	KeyDurationTicks         = "DurationTicks"
	KeyStatus                = "Status"
	KeyStatusDescription     = "StatusDescription"
	KeyTags                  = "Tags"
	KeyActivitySourceVersion = "ActivitySourceVersion"
)

const (
	unsetTraceID = "00000000000000000000000000000000"
	unsetSpanID  = "0000000000000000"
)

// RawEvent is a single event as delivered by the event session.
type RawEvent struct {
	Name    string `json:"name"`
	Payload []any  `json:"payload"`
}

// Argument is one projected Key/Value entry of the argument array.
type Argument struct {
	Key   string `json:"Key"`
	Value any    `json:"Value"`
}

// Decoder converts raw events into records. It is safe for concurrent use;
// the only shared state is the source cache.
type Decoder struct {
	sources *activity.SourceCache
}

// New returns a Decoder interning sources into cache. A nil cache is replaced
// by a fresh one.
func New(cache *activity.SourceCache) *Decoder {
	if cache == nil {
		cache = activity.NewSourceCache()
	}
	return &Decoder{sources: cache}
}

// Sources exposes the decoder's source cache.
func (d *Decoder) Sources() *activity.SourceCache {
	return d.sources
}

// Decode reconstructs the activity carried by ev.
//
// ok is false with a nil error when ev is not an activity stop event. A
// non-nil error matches errspkg.ErrMalformedEvent and means the event must be
// dropped; the returned record is then the zero value.
func (d *Decoder) Decode(ev RawEvent) (rec activity.Record, ok bool, err error) {
	if ev.Name != ActivityStopEventName {
		return activity.Record{}, false, nil
	}

	sourceName, _ := payloadValue(ev.Payload, 0).(string)
	operationName, _ := payloadValue(ev.Payload, 1).(string)
	if operationName == "" {
		return activity.Record{}, false, errspkg.Malformed("operation name", nil)
	}
	args, present := arguments(payloadValue(ev.Payload, 2))
	if !present {
		return activity.Record{}, false, errspkg.Malformed("arguments", nil)
	}

	b := recordBuilder{operationName: operationName}
	for _, arg := range args {
		if err := b.apply(arg); err != nil {
			return activity.Record{}, false, errspkg.Malformed(arg.Key, err)
		}
	}

	rec, err = b.build()
	if err != nil {
		return activity.Record{}, false, err
	}
	// Only events that decoded cleanly may intern a source version.
	rec.Source = d.sources.Resolve(sourceName, b.sourceVersion)
	return rec, true, nil
}

type recordBuilder struct {
	operationName     string
	displayName       string
	kind              activity.Kind
	traceID           trace.TraceID
	spanID            trace.SpanID
	parentSpanID      trace.SpanID
	traceFlags        trace.TraceFlags
	status            activity.Status
	statusDescription string
	sourceVersion     string
	startTicks        int64
	durationTicks     int64
	tags              []activity.Tag
}

func (b *recordBuilder) apply(arg Argument) error {
	switch arg.Key {
	case KeyTraceID:
		id, err := parseTraceID(arg.Value)
		if err != nil {
			return err
		}
		b.traceID = id
	case KeySpanID:
		id, err := parseSpanID(arg.Value)
		if err != nil {
			return err
		}
		b.spanID = id
	case KeyParentSpanID:
		id, err := parseSpanID(arg.Value)
		if err != nil {
			return err
		}
		b.parentSpanID = id
	case KeyActivityTraceFlags:
		v, err := requireString(arg.Value)
		if err != nil {
			return err
		}
		if b.traceFlags, err = activity.ParseTraceFlags(v); err != nil {
			return err
		}
	case KeyKind:
		v, err := requireString(arg.Value)
		if err != nil {
			return err
		}
		if b.kind, err = activity.ParseKind(v); err != nil {
			return err
		}
	case KeyDisplayName:
		if v, _ := arg.Value.(string); v != "" && v != b.operationName {
			b.displayName = v
		}
	case KeyStartTimeTicks:
		ticks, err := parseTicks(arg.Value)
		if err != nil {
			return err
		}
		b.startTicks = ticks
	case KeyDurationTicks:
		ticks, err := parseTicks(arg.Value)
		if err != nil {
			return err
		}
		b.durationTicks = ticks
	case KeyStatus:
		v, err := requireString(arg.Value)
		if err != nil {
			return err
		}
		if b.status, err = activity.ParseStatus(v); err != nil {
			return err
		}
	case KeyStatusDescription:
		b.statusDescription, _ = arg.Value.(string)
	case KeyTags:
		if v, _ := arg.Value.(string); v != "" {
			b.tags = ParseTags(v)
		}
	case KeyActivitySourceVersion:
		b.sourceVersion, _ = arg.Value.(string)
	}
	return nil
}

func (b *recordBuilder) build() (activity.Record, error) {
	start, err := activity.TicksToTime(b.startTicks)
	if err != nil {
		return activity.Record{}, errspkg.Malformed(KeyStartTimeTicks, err)
	}
	duration, err := activity.TicksToDuration(b.durationTicks)
	if err != nil {
		return activity.Record{}, errspkg.Malformed(KeyDurationTicks, err)
	}
	if b.startTicks > activity.MaxTicks-b.durationTicks {
		return activity.Record{}, errspkg.Malformed(KeyDurationTicks, errors.New("end time out of range"))
	}

	tags := b.tags
	if tags == nil {
		tags = []activity.Tag{}
	}

	rec := activity.Record{
		OperationName:     b.operationName,
		DisplayName:       b.displayName,
		Kind:              b.kind,
		TraceID:           b.traceID,
		SpanID:            b.spanID,
		ParentSpanID:      b.parentSpanID,
		TraceFlags:        b.traceFlags,
		StartTime:         start,
		EndTime:           start.Add(duration),
		Tags:              tags,
		Status:            b.status,
		StatusDescription: b.statusDescription,
	}
	if err := rec.Validate(); err != nil {
		return activity.Record{}, errspkg.Malformed("record", err)
	}
	return rec, nil
}

func payloadValue(payload []any, index int) any {
	if index >= len(payload) {
		return nil
	}
	return payload[index]
}

// arguments normalises the shapes the argument array arrives in: typed
// slices from in-process sessions and []any of maps from JSON or protobuf
// decoding. Entries of any other shape are skipped.
func arguments(v any) ([]Argument, bool) {
	switch args := v.(type) {
	case []Argument:
		return args, true
	case []map[string]any:
		out := make([]Argument, 0, len(args))
		for _, m := range args {
			out = append(out, argumentFromMap(m))
		}
		return out, true
	case []any:
		out := make([]Argument, 0, len(args))
		for _, entry := range args {
			switch e := entry.(type) {
			case Argument:
				out = append(out, e)
			case map[string]any:
				out = append(out, argumentFromMap(e))
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func argumentFromMap(m map[string]any) Argument {
	key, _ := m["Key"].(string)
	return Argument{Key: key, Value: m["Value"]}
}

func parseTraceID(v any) (trace.TraceID, error) {
	s, _ := v.(string)
	if s == "" || s == unsetTraceID {
		return trace.TraceID{}, nil
	}
	id, err := trace.TraceIDFromHex(s)
	if err != nil {
		return trace.TraceID{}, fmt.Errorf("trace id %q: %w", s, err)
	}
	return id, nil
}

func parseSpanID(v any) (trace.SpanID, error) {
	s, _ := v.(string)
	if s == "" || s == unsetSpanID {
		return trace.SpanID{}, nil
	}
	id, err := trace.SpanIDFromHex(s)
	if err != nil {
		return trace.SpanID{}, fmt.Errorf("span id %q: %w", s, err)
	}
	return id, nil
}

func parseTicks(v any) (int64, error) {
	s, err := requireString(v)
	if err != nil {
		return 0, err
	}
	ticks, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return ticks, nil
}

func requireString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string value, got %T", v)
	}
	return s, nil
}
