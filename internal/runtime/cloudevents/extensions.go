package cloudevents

import (
	"go.opentelemetry.io/otel/trace"
)

// Extension attribute names. CloudEvents restricts extension names to
// lower-case alphanumerics.
const (
	// ExtTraceParent is the W3C traceparent of the activity (distributed
	// tracing extension).
	ExtTraceParent = "traceparent"

	// ExtRunID is the pipeline run that captured the activity.
	ExtRunID = "activitypiperunid"
)

// GetTraceParent returns the traceparent extension.
func GetTraceParent(evt Event) string {
	return evt.GetExtensionString(ExtTraceParent)
}

// SetTraceParent sets the traceparent extension.
func SetTraceParent(evt *Event, traceParent string) {
	evt.setExtension(ExtTraceParent, traceParent)
}

// GetRunID returns the run ID extension.
func GetRunID(evt Event) string {
	return evt.GetExtensionString(ExtRunID)
}

// SetRunID sets the run ID extension.
func SetRunID(evt *Event, runID string) {
	evt.setExtension(ExtRunID, runID)
}

// TraceParent formats sc as a version 00 W3C traceparent header value.
func TraceParent(sc trace.SpanContext) string {
	return "00-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-" + sc.TraceFlags().String()
}
