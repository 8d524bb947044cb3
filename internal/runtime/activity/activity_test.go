package activity

import (
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"Internal", KindInternal, false},
		{"Server", KindServer, false},
		{"Client", KindClient, false},
		{"Producer", KindProducer, false},
		{"Consumer", KindConsumer, false},
		{"2", KindClient, false},
		{"client", 0, true},
		{"9", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				if !errors.Is(err, errspkg.ErrInvalidEnum) {
					t.Fatalf("expected ErrInvalidEnum, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKindSpanKind(t *testing.T) {
	tests := map[Kind]trace.SpanKind{
		KindInternal: trace.SpanKindInternal,
		KindServer:   trace.SpanKindServer,
		KindClient:   trace.SpanKindClient,
		KindProducer: trace.SpanKindProducer,
		KindConsumer: trace.SpanKindConsumer,
	}
	for kind, want := range tests {
		if got := kind.SpanKind(); got != want {
			t.Errorf("%v.SpanKind() = %v, want %v", kind, got, want)
		}
	}
	if got := Kind(42).String(); got != "Kind(42)" {
		t.Errorf("unexpected String for unknown kind: %q", got)
	}
}

func TestParseStatus(t *testing.T) {
	got, err := ParseStatus("Error")
	if err != nil || got != StatusError {
		t.Fatalf("ParseStatus(Error) = %v, %v", got, err)
	}
	if got.Code() != codes.Error {
		t.Fatalf("expected codes.Error, got %v", got.Code())
	}
	if StatusOk.Code() != codes.Ok || StatusUnset.Code() != codes.Unset {
		t.Fatal("unexpected status code mapping")
	}
	if _, err := ParseStatus("Failed"); !errors.Is(err, errspkg.ErrInvalidEnum) {
		t.Fatalf("expected ErrInvalidEnum, got %v", err)
	}
}

func TestParseTraceFlags(t *testing.T) {
	flags, err := ParseTraceFlags("Recorded")
	if err != nil || !flags.IsSampled() {
		t.Fatalf("Recorded should map to sampled, got %v, %v", flags, err)
	}
	flags, err = ParseTraceFlags("None")
	if err != nil || flags != 0 {
		t.Fatalf("None should map to zero flags, got %v, %v", flags, err)
	}
	flags, err = ParseTraceFlags("1")
	if err != nil || !flags.IsSampled() {
		t.Fatalf("numeric 1 should map to sampled, got %v, %v", flags, err)
	}
	if _, err := ParseTraceFlags("Sampled"); !errors.Is(err, errspkg.ErrInvalidEnum) {
		t.Fatalf("expected ErrInvalidEnum, got %v", err)
	}
}

func TestRecordValidate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := Record{OperationName: "op", Tags: []Tag{}, StartTime: start, EndTime: start.Add(time.Second)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := Record{StartTime: start, EndTime: start.Add(-time.Second)}
	err := invalid.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"operation name is required", "tags must not be nil", "end time precedes start time"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0af7651916cd43dd8448eb211c80319c")
	spanID, _ := trace.SpanIDFromHex("b7ad6b7169203331")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := Record{
		OperationName: "op",
		TraceID:       traceID,
		SpanID:        spanID,
		TraceFlags:    trace.FlagsSampled,
		StartTime:     start,
		EndTime:       start.Add(1500 * time.Millisecond),
		Tags:          []Tag{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}},
	}

	if rec.Duration() != 1500*time.Millisecond {
		t.Fatalf("unexpected duration %v", rec.Duration())
	}
	if rec.HasParent() {
		t.Fatal("record without parent span id reported a parent")
	}

	sc := rec.SpanContext()
	if !sc.IsValid() || !sc.IsRemote() || !sc.IsSampled() {
		t.Fatalf("unexpected span context %+v", sc)
	}
	if sc.TraceID() != traceID || sc.SpanID() != spanID {
		t.Fatal("span context identifiers do not match the record")
	}

	attrs := rec.Attributes()
	if len(attrs) != 2 || attrs[0].Value.AsString() != "1" || attrs[1].Value.AsString() != "2" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}
