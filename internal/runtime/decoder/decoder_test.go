package decoder

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
)

const (
	testTraceID = "0af7651916cd43dd8448eb211c80319c"
	testSpanID  = "b7ad6b7169203331"
)

func stopEvent(source, operation string, args ...Argument) RawEvent {
	return RawEvent{Name: ActivityStopEventName, Payload: []any{source, operation, args}}
}

func TestDecodeEndToEnd(t *testing.T) {
	d := New(nil)

	ev := stopEvent("MySource", "DoWork",
		Argument{Key: KeyDisplayName, Value: "DoWork"},
		Argument{Key: KeyKind, Value: "Client"},
		Argument{Key: KeyTraceID, Value: testTraceID},
		Argument{Key: KeySpanID, Value: testSpanID},
		Argument{Key: KeyParentSpanID, Value: "0000000000000000"},
		Argument{Key: KeyStartTimeTicks, Value: "638000000000000000"},
		Argument{Key: KeyDurationTicks, Value: "10000000"},
		Argument{Key: KeyStatus, Value: "Error"},
		Argument{Key: KeyStatusDescription, Value: "boom"},
		Argument{Key: KeyTags, Value: "[k1, v1][k2, v2]"},
		Argument{Key: KeyActivitySourceVersion, Value: "1.0"},
	)

	rec, ok, err := d.Decode(ev)
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}

	if rec.Source == nil || rec.Source.Name != "MySource" || rec.Source.Version != "1.0" {
		t.Fatalf("unexpected source %+v", rec.Source)
	}
	if rec.OperationName != "DoWork" {
		t.Fatalf("unexpected operation name %q", rec.OperationName)
	}
	if rec.DisplayName != "" {
		t.Fatalf("display name equal to operation name should be dropped, got %q", rec.DisplayName)
	}
	if rec.Kind != activity.KindClient {
		t.Fatalf("unexpected kind %v", rec.Kind)
	}
	wantTrace, _ := trace.TraceIDFromHex(testTraceID)
	wantSpan, _ := trace.SpanIDFromHex(testSpanID)
	if rec.TraceID != wantTrace || rec.SpanID != wantSpan {
		t.Fatalf("unexpected identifiers %s/%s", rec.TraceID, rec.SpanID)
	}
	if rec.ParentSpanID.IsValid() {
		t.Fatalf("parent span id should be unset, got %s", rec.ParentSpanID)
	}
	if got := rec.EndTime.Sub(rec.StartTime); got != time.Second {
		t.Fatalf("expected 1s between start and end, got %v", got)
	}
	if !rec.StartTime.Equal(time.Unix(1664403200, 0)) {
		t.Fatalf("unexpected start time %v", rec.StartTime)
	}
	if rec.Status != activity.StatusError || rec.StatusDescription != "boom" {
		t.Fatalf("unexpected status %v %q", rec.Status, rec.StatusDescription)
	}
	wantTags := []activity.Tag{{Key: "k1", Value: "v1"}, {Key: "k2", Value: "v2"}}
	if !reflect.DeepEqual(rec.Tags, wantTags) {
		t.Fatalf("unexpected tags %#v", rec.Tags)
	}
}

func TestDecodeIgnoresOtherEvents(t *testing.T) {
	d := New(nil)
	for _, name := range []string{"Activity/Start", "activity/stop", "Message", ""} {
		rec, ok, err := d.Decode(RawEvent{Name: name, Payload: []any{"s", "op", []Argument{}}})
		if ok || err != nil {
			t.Fatalf("event %q: expected not applicable, got ok=%v err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(rec, activity.Record{}) {
			t.Fatalf("event %q: expected zero record", name)
		}
	}
}

func TestDecodeRequiredFields(t *testing.T) {
	d := New(nil)
	tests := []struct {
		name    string
		payload []any
	}{
		{"missing operation name", []any{"src", "", []Argument{}}},
		{"operation name wrong type", []any{"src", 42, []Argument{}}},
		{"missing arguments", []any{"src", "op"}},
		{"arguments wrong type", []any{"src", "op", "not-an-array"}},
		{"empty payload", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := d.Decode(RawEvent{Name: ActivityStopEventName, Payload: tt.payload})
			if ok || !errors.Is(err, errspkg.ErrMalformedEvent) {
				t.Fatalf("expected malformed event, got ok=%v err=%v", ok, err)
			}
		})
	}
	if d.Sources().Len() != 0 {
		t.Fatal("rejected events must not populate the source cache")
	}
}

func TestDecodeMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		arg  Argument
	}{
		{"bad trace id", Argument{Key: KeyTraceID, Value: "zz"}},
		{"short trace id", Argument{Key: KeyTraceID, Value: "0af7"}},
		{"bad span id", Argument{Key: KeySpanID, Value: "not-hex-at-all!!"}},
		{"bad parent span id", Argument{Key: KeyParentSpanID, Value: "123"}},
		{"bad kind", Argument{Key: KeyKind, Value: "Sideways"}},
		{"kind not a string", Argument{Key: KeyKind, Value: 2}},
		{"bad status", Argument{Key: KeyStatus, Value: "Meh"}},
		{"bad trace flags", Argument{Key: KeyActivityTraceFlags, Value: "Sampled"}},
		{"bad start ticks", Argument{Key: KeyStartTimeTicks, Value: "soon"}},
		{"missing start ticks value", Argument{Key: KeyStartTimeTicks, Value: nil}},
		{"negative start ticks", Argument{Key: KeyStartTimeTicks, Value: "-5"}},
		{"bad duration ticks", Argument{Key: KeyDurationTicks, Value: "1.5"}},
		{"negative duration", Argument{Key: KeyDurationTicks, Value: "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(nil)
			_, ok, err := d.Decode(stopEvent("src", "op", tt.arg))
			if ok || !errors.Is(err, errspkg.ErrMalformedEvent) {
				t.Fatalf("expected malformed event, got ok=%v err=%v", ok, err)
			}
			var malformed *errspkg.MalformedEventError
			if !errors.As(err, &malformed) || malformed.Field == "" {
				t.Fatalf("expected field information, got %v", err)
			}
		})
	}
}

func TestDecodeEndTimeOutOfRange(t *testing.T) {
	d := New(nil)
	_, ok, err := d.Decode(stopEvent("src", "op",
		Argument{Key: KeyStartTimeTicks, Value: "3155378975999999999"},
		Argument{Key: KeyDurationTicks, Value: "10"},
	))
	if ok || !errors.Is(err, errspkg.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got ok=%v err=%v", ok, err)
	}
}

func TestDecodeSentinelIdentifiers(t *testing.T) {
	d := New(nil)
	rec, ok, err := d.Decode(stopEvent("", "op",
		Argument{Key: KeyTraceID, Value: "00000000000000000000000000000000"},
		Argument{Key: KeySpanID, Value: "0000000000000000"},
		Argument{Key: KeyParentSpanID, Value: ""},
	))
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}
	if rec.TraceID.IsValid() || rec.SpanID.IsValid() || rec.ParentSpanID.IsValid() {
		t.Fatal("sentinel identifiers must decode as unset")
	}
}

func TestDecodeDefaults(t *testing.T) {
	d := New(nil)
	rec, ok, err := d.Decode(stopEvent("", "op"))
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}
	if rec.Source != nil {
		t.Fatalf("empty source name should leave source absent, got %+v", rec.Source)
	}
	if rec.Tags == nil || len(rec.Tags) != 0 {
		t.Fatalf("tags should default to an empty slice, got %#v", rec.Tags)
	}
	if !rec.StartTime.Equal(rec.EndTime) || !rec.StartTime.IsZero() {
		t.Fatalf("absent timing should default to the tick epoch, got %v - %v", rec.StartTime, rec.EndTime)
	}
	if rec.Kind != activity.KindInternal || rec.Status != activity.StatusUnset || rec.TraceFlags != 0 {
		t.Fatalf("unexpected defaults %+v", rec)
	}
}

func TestDecodeDisplayName(t *testing.T) {
	d := New(nil)
	rec, _, err := d.Decode(stopEvent("", "op", Argument{Key: KeyDisplayName, Value: "Pretty op"}))
	if err != nil || rec.DisplayName != "Pretty op" {
		t.Fatalf("distinct display name should be kept, got %q (%v)", rec.DisplayName, err)
	}
	rec, _, err = d.Decode(stopEvent("", "op", Argument{Key: KeyDisplayName, Value: "op"}))
	if err != nil || rec.DisplayName != "" {
		t.Fatalf("equal display name should be dropped, got %q (%v)", rec.DisplayName, err)
	}
}

func TestDecodeStatusDescriptionWithoutStatus(t *testing.T) {
	d := New(nil)
	rec, _, err := d.Decode(stopEvent("", "op", Argument{Key: KeyStatusDescription, Value: "detail"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != activity.StatusUnset || rec.StatusDescription != "detail" {
		t.Fatalf("description should be retained as emitted, got %v %q", rec.Status, rec.StatusDescription)
	}
}

func TestDecodeIgnoresUnknownKeysAndNonStringOptionals(t *testing.T) {
	d := New(nil)
	rec, ok, err := d.Decode(stopEvent("", "op",
		Argument{Key: "Events", Value: "[e1]"},
		Argument{Key: KeyTraceID, Value: 12},
		Argument{Key: KeyDisplayName, Value: 3.5},
		Argument{Key: KeyTags, Value: []string{"x"}},
	))
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}
	if rec.TraceID.IsValid() || rec.DisplayName != "" || len(rec.Tags) != 0 {
		t.Fatalf("non-string optional values should be treated as absent, got %+v", rec)
	}
}

func TestDecodeSourceInterning(t *testing.T) {
	d := New(nil)

	first, _, err := d.Decode(stopEvent("MySource", "a", Argument{Key: KeyActivitySourceVersion, Value: "1.0"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _, err := d.Decode(stopEvent("MYSOURCE", "b", Argument{Key: KeyActivitySourceVersion, Value: "2.0"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Source != second.Source {
		t.Fatal("sources differing only in case should share one identity")
	}
	if second.Source.Version != "1.0" {
		t.Fatalf("first seen version should win, got %q", second.Source.Version)
	}
}

func TestDecodeRejectedEventDoesNotInternSource(t *testing.T) {
	d := New(nil)

	_, _, err := d.Decode(stopEvent("Billing", "charge",
		Argument{Key: KeyActivitySourceVersion, Value: "9.9"},
		Argument{Key: KeyDurationTicks, Value: "-1"},
	))
	if !errors.Is(err, errspkg.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
	if _, ok := d.Sources().Lookup("billing"); ok {
		t.Fatal("rejected event must not intern its source")
	}

	rec, ok, err := d.Decode(stopEvent("Billing", "charge", Argument{Key: KeyActivitySourceVersion, Value: "1.0"}))
	if err != nil || !ok {
		t.Fatalf("unexpected result: ok=%v err=%v", ok, err)
	}
	if rec.Source.Version != "1.0" {
		t.Fatalf("version of the first accepted event should win, got %q", rec.Source.Version)
	}
}

func TestDecodeSharedCache(t *testing.T) {
	cache := activity.NewSourceCache()
	a, b := New(cache), New(cache)

	recA, _, _ := a.Decode(stopEvent("S", "op"))
	recB, _, _ := b.Decode(stopEvent("s", "op"))
	if recA.Source != recB.Source {
		t.Fatal("decoders sharing a cache should share identities")
	}
}

func TestDecodeArgumentShapes(t *testing.T) {
	d := New(nil)
	shapes := map[string]any{
		"map slice":        []map[string]any{{"Key": KeyKind, "Value": "Server"}},
		"any of maps":      []any{map[string]any{"Key": KeyKind, "Value": "Server"}, "ignored"},
		"any of arguments": []any{Argument{Key: KeyKind, Value: "Server"}},
	}
	for name, args := range shapes {
		t.Run(name, func(t *testing.T) {
			rec, ok, err := d.Decode(RawEvent{Name: ActivityStopEventName, Payload: []any{"", "op", args}})
			if err != nil || !ok || rec.Kind != activity.KindServer {
				t.Fatalf("Decode() = %v, ok %v, err %v", rec.Kind, ok, err)
			}
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	d := New(nil)
	ev := stopEvent("Svc", "GET /",
		Argument{Key: KeyTraceID, Value: testTraceID},
		Argument{Key: KeySpanID, Value: testSpanID},
		Argument{Key: KeyParentSpanID, Value: "00f067aa0ba902b7"},
		Argument{Key: KeyActivityTraceFlags, Value: "Recorded"},
		Argument{Key: KeyKind, Value: "Server"},
		Argument{Key: KeyDisplayName, Value: "index"},
		Argument{Key: KeyStartTimeTicks, Value: "638000000000001234"},
		Argument{Key: KeyDurationTicks, Value: "4321"},
		Argument{Key: KeyStatus, Value: "Ok"},
		Argument{Key: KeyTags, Value: "[a, 1][b, 2]"},
	)
	rec, ok, err := d.Decode(ev)
	if err != nil || !ok {
		t.Fatalf("Decode() = ok %v, err %v", ok, err)
	}

	reencoded := map[string]string{
		KeyTraceID:            rec.TraceID.String(),
		KeySpanID:             rec.SpanID.String(),
		KeyParentSpanID:       rec.ParentSpanID.String(),
		KeyActivityTraceFlags: map[bool]string{true: "Recorded", false: "None"}[rec.TraceFlags.IsSampled()],
		KeyKind:               rec.Kind.String(),
		KeyDisplayName:        rec.DisplayName,
		KeyStatus:             rec.Status.String(),
		KeyTags:               FormatTags(rec.Tags),
	}
	for _, arg := range ev.Payload[2].([]Argument) {
		want, tracked := reencoded[arg.Key]
		if tracked && want != arg.Value {
			t.Errorf("%s: re-encoded %q, original %q", arg.Key, want, arg.Value)
		}
	}
	if got := activity.TimeToTicks(rec.StartTime); got != 638000000000001234 {
		t.Errorf("start ticks round trip = %d", got)
	}
	if got := activity.TimeToTicks(rec.EndTime) - activity.TimeToTicks(rec.StartTime); got != 4321 {
		t.Errorf("duration ticks round trip = %d", got)
	}
}
