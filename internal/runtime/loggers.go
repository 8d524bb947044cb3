package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	"github.com/drblury/activitypipe/internal/runtime/cloudevents"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	"github.com/drblury/activitypipe/internal/runtime/eventsource"
	"github.com/drblury/activitypipe/internal/runtime/jsoncodec"
	"github.com/drblury/activitypipe/internal/runtime/logging"
	"github.com/drblury/activitypipe/internal/runtime/session"
)

// FuncLogger adapts plain functions to ActivityLogger. Nil callbacks are
// no-ops. After Close every call returns errspkg.ErrLoggerClosed.
type FuncLogger struct {
	LoggerName string
	OnLog      func(record activity.Record) error
	OnStarted  func(ctx context.Context) error
	OnStopped  func(ctx context.Context) error

	closed atomic.Bool
}

func (f *FuncLogger) Name() string {
	return f.LoggerName
}

func (f *FuncLogger) Log(record activity.Record) error {
	if f.closed.Load() {
		return errspkg.ErrLoggerClosed
	}
	if f.OnLog == nil {
		return nil
	}
	return f.OnLog(record)
}

func (f *FuncLogger) PipelineStarted(ctx context.Context) error {
	if f.closed.Load() {
		return errspkg.ErrLoggerClosed
	}
	if f.OnStarted == nil {
		return nil
	}
	return f.OnStarted(ctx)
}

func (f *FuncLogger) PipelineStopped(ctx context.Context) error {
	if f.closed.Load() {
		return errspkg.ErrLoggerClosed
	}
	if f.OnStopped == nil {
		return nil
	}
	return f.OnStopped(ctx)
}

func (f *FuncLogger) Close() error {
	f.closed.Store(true)
	return nil
}

// ServiceActivityLogger writes each record as one structured log line.
type ServiceActivityLogger struct {
	log    logging.ServiceLogger
	closed atomic.Bool
}

// NewServiceActivityLogger returns a logger writing through log. A nil log
// discards everything.
func NewServiceActivityLogger(log logging.ServiceLogger) *ServiceActivityLogger {
	return &ServiceActivityLogger{log: logging.OrNop(log)}
}

func (l *ServiceActivityLogger) Name() string {
	return "service-log"
}

func (l *ServiceActivityLogger) Log(record activity.Record) error {
	if l.closed.Load() {
		return errspkg.ErrLoggerClosed
	}
	l.log.Info("Activity completed", recordFields(record))
	return nil
}

func (l *ServiceActivityLogger) PipelineStarted(ctx context.Context) error {
	if l.closed.Load() {
		return errspkg.ErrLoggerClosed
	}
	logging.ForRun(l.log, session.RunID(ctx)).Info("Activity capture started", nil)
	return nil
}

func (l *ServiceActivityLogger) PipelineStopped(ctx context.Context) error {
	if l.closed.Load() {
		return errspkg.ErrLoggerClosed
	}
	logging.ForRun(l.log, session.RunID(ctx)).Info("Activity capture stopped", nil)
	return nil
}

func (l *ServiceActivityLogger) Close() error {
	l.closed.Store(true)
	return nil
}

func recordFields(record activity.Record) logging.LogFields {
	fields := logging.LogFields{
		logging.FieldOperation: record.OperationName,
		"kind":                 record.Kind.String(),
		"status":               record.Status.String(),
		"duration_ms":          record.Duration().Milliseconds(),
		"start_time":           record.StartTime,
	}
	if record.Source != nil {
		fields[logging.FieldSource] = record.Source.Name
		if record.Source.Version != "" {
			fields["source_version"] = record.Source.Version
		}
	}
	if record.DisplayName != "" {
		fields["display_name"] = record.DisplayName
	}
	if record.TraceID.IsValid() {
		fields[logging.FieldTraceID] = record.TraceID.String()
	}
	if record.SpanID.IsValid() {
		fields["span_id"] = record.SpanID.String()
	}
	if record.HasParent() {
		fields["parent_span_id"] = record.ParentSpanID.String()
	}
	if record.StatusDescription != "" {
		fields["status_description"] = record.StatusDescription
	}
	if len(record.Tags) > 0 {
		fields["tags"] = decoder.FormatTags(record.Tags)
	}
	return fields
}

var tracePropagator = propagation.TraceContext{}

// PublishingLogger republishes records as CloudEvents on a Watermill topic.
// The record's span context is injected as W3C trace context metadata so
// downstream consumers can continue the trace.
type PublishingLogger struct {
	publisher message.Publisher
	topic     string

	mu     sync.Mutex
	runID  string
	closed bool
}

// NewPublishingLogger returns a logger publishing to topic.
func NewPublishingLogger(publisher message.Publisher, topic string) (*PublishingLogger, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &PublishingLogger{publisher: publisher, topic: topic}, nil
}

func (p *PublishingLogger) Name() string {
	return "publish:" + p.topic
}

func (p *PublishingLogger) PipelineStarted(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errspkg.ErrLoggerClosed
	}
	p.runID = session.RunID(ctx)
	return nil
}

func (p *PublishingLogger) Log(record activity.Record) error {
	p.mu.Lock()
	closed, runID := p.closed, p.runID
	p.mu.Unlock()
	if closed {
		return errspkg.ErrLoggerClosed
	}

	msg, err := NewRecordMessage(record, runID)
	if err != nil {
		return err
	}
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish activity to %q: %w", p.topic, err)
	}
	return nil
}

func (p *PublishingLogger) PipelineStopped(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errspkg.ErrLoggerClosed
	}
	return nil
}

// Close marks the logger closed. The publisher is owned by the caller.
func (p *PublishingLogger) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// NewRecordMessage wraps a record in a CloudEvents envelope and converts it
// into a Watermill message carrying the run ID and the record's trace context.
func NewRecordMessage(record activity.Record, runID string) (*message.Message, error) {
	evt := cloudevents.FromRecord(record, runID)
	payload, err := jsoncodec.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity record: %w", err)
	}

	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set(eventsource.MetadataContentType, cloudevents.ContentType)
	if runID != "" {
		msg.Metadata.Set(eventsource.MetadataRunID, runID)
	}
	if sc := record.SpanContext(); sc.IsValid() {
		ctx := trace.ContextWithRemoteSpanContext(context.Background(), sc)
		tracePropagator.Inject(ctx, propagation.MapCarrier(msg.Metadata))
	}
	return msg, nil
}
