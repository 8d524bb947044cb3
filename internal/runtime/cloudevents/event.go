// Package cloudevents provides the CloudEvents v1.0 envelope used when
// activity records are republished onto a message topic.
package cloudevents

import (
	"fmt"
	"time"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	idspkg "github.com/drblury/activitypipe/internal/runtime/ids"
	"github.com/drblury/activitypipe/internal/runtime/jsoncodec"
)

// SpecVersion is the CloudEvents version emitted.
const SpecVersion = "1.0"

// ContentType is the structured-mode JSON media type.
const ContentType = "application/cloudevents+json"

// ActivityCompletedType is the event type of republished activity records.
const ActivityCompletedType = "activitypipe.activity.completed"

// UnknownSource is used when a record carries no activity source.
const UnknownSource = "activitypipe"

// Event is a CloudEvents v1.0 event in structured JSON form. Extension
// attributes are flattened into the top-level object on the wire.
type Event struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            time.Time
	DataContentType string
	Subject         string
	Data            any
	Extensions      map[string]any
}

// New creates a new CloudEvent with required fields populated.
// ID is auto-generated using ULID, Time is set to current time.
func New(eventType, source string, data any) Event {
	return Event{
		SpecVersion: SpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          idspkg.CreateULID(),
		Time:        time.Now().UTC(),
		Data:        data,
		Extensions:  make(map[string]any),
	}
}

// FromRecord wraps a completed activity. The event time is the activity end
// time and the subject its operation name.
func FromRecord(record activity.Record, runID string) Event {
	source := UnknownSource
	if record.Source != nil {
		source = record.Source.Name
	}

	evt := New(ActivityCompletedType, source, record)
	evt.Time = record.EndTime.UTC()
	evt.Subject = record.OperationName
	evt.DataContentType = "application/json"
	if runID != "" {
		SetRunID(&evt, runID)
	}
	if sc := record.SpanContext(); sc.IsValid() {
		SetTraceParent(&evt, TraceParent(sc))
	}
	return evt
}

// Validate checks that the event has all required CloudEvents attributes.
func (e Event) Validate() error {
	if e.SpecVersion == "" {
		return fmt.Errorf("specversion is required")
	}
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("specversion must be %q, got %q", SpecVersion, e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.Source == "" {
		return fmt.Errorf("source is required")
	}
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// GetExtensionString returns a string extension, or "" when absent.
func (e Event) GetExtensionString(key string) string {
	if s, ok := e.Extensions[key].(string); ok {
		return s
	}
	return ""
}

func (e *Event) setExtension(key string, value any) {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
}

var knownAttributes = map[string]bool{
	"specversion":     true,
	"type":            true,
	"source":          true,
	"id":              true,
	"time":            true,
	"datacontenttype": true,
	"subject":         true,
	"data":            true,
}

// MarshalJSON implements json.Marshaler for CloudEvents JSON format.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(knownAttributes)+len(e.Extensions))
	for k, v := range e.Extensions {
		m[k] = v
	}

	m["specversion"] = e.SpecVersion
	m["type"] = e.Type
	m["source"] = e.Source
	m["id"] = e.ID
	if !e.Time.IsZero() {
		m["time"] = e.Time.Format(time.RFC3339Nano)
	}
	if e.DataContentType != "" {
		m["datacontenttype"] = e.DataContentType
	}
	if e.Subject != "" {
		m["subject"] = e.Subject
	}
	if e.Data != nil {
		m["data"] = e.Data
	}
	return jsoncodec.Marshal(m)
}

// UnmarshalJSON implements json.Unmarshaler for CloudEvents JSON format. Data
// is decoded generically; numbers are kept as json.Number.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := jsoncodec.UnmarshalUseNumber(data, &m); err != nil {
		return err
	}

	var err error
	str := func(key string) string {
		v, ok := m[key]
		if !ok || err != nil {
			return ""
		}
		s, isString := v.(string)
		if !isString {
			err = fmt.Errorf("invalid %s: expected string, got %T", key, v)
		}
		return s
	}

	*e = Event{
		SpecVersion:     str("specversion"),
		Type:            str("type"),
		Source:          str("source"),
		ID:              str("id"),
		DataContentType: str("datacontenttype"),
		Subject:         str("subject"),
		Data:            m["data"],
		Extensions:      make(map[string]any),
	}
	if ts := str("time"); ts != "" && err == nil {
		e.Time, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			err = fmt.Errorf("invalid time format: %w", err)
		}
	}
	if err != nil {
		return err
	}

	for k, v := range m {
		if !knownAttributes[k] {
			e.Extensions[k] = v
		}
	}
	return nil
}
