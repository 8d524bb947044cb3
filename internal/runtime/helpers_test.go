package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	"github.com/drblury/activitypipe/internal/runtime/logging"
	"github.com/drblury/activitypipe/internal/runtime/session"
)

func stopEvent(source, operation string, args ...decoder.Argument) decoder.RawEvent {
	if args == nil {
		args = []decoder.Argument{}
	}
	return decoder.RawEvent{Name: decoder.ActivityStopEventName, Payload: []any{source, operation, args}}
}

// malformedEvent has no operation name.
func malformedEvent() decoder.RawEvent {
	return decoder.RawEvent{Name: decoder.ActivityStopEventName, Payload: []any{"src", ""}}
}

func otherEvent() decoder.RawEvent {
	return decoder.RawEvent{Name: "Activity/Start", Payload: []any{"src", "op"}}
}

// callLog is shared between recording loggers to assert cross-logger order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(entry string) {
	c.mu.Lock()
	c.calls = append(c.calls, entry)
	c.mu.Unlock()
}

func (c *callLog) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type recordingLogger struct {
	name string
	log  *callLog

	mu         sync.Mutex
	records    []activity.Record
	startRunID string

	logErr     error
	logPanic   any
	startErr   error
	startPanic any
	stopErr    error
	stopPanic  any
}

func newRecordingLogger(name string, log *callLog) *recordingLogger {
	if log == nil {
		log = &callLog{}
	}
	return &recordingLogger{name: name, log: log}
}

func (r *recordingLogger) Name() string { return r.name }

func (r *recordingLogger) Log(record activity.Record) error {
	r.log.add(fmt.Sprintf("%s:log:%s", r.name, record.OperationName))
	if r.logPanic != nil {
		panic(r.logPanic)
	}
	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()
	return r.logErr
}

func (r *recordingLogger) PipelineStarted(ctx context.Context) error {
	r.mu.Lock()
	r.startRunID = session.RunID(ctx)
	r.mu.Unlock()
	r.log.add(r.name + ":started")
	if r.startPanic != nil {
		panic(r.startPanic)
	}
	return r.startErr
}

func (r *recordingLogger) PipelineStopped(context.Context) error {
	r.log.add(r.name + ":stopped")
	if r.stopPanic != nil {
		panic(r.stopPanic)
	}
	return r.stopErr
}

func (r *recordingLogger) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, 0, len(r.records))
	for _, rec := range r.records {
		ops = append(ops, rec.OperationName)
	}
	return ops
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

// captureLogger is a logging.ServiceLogger recording every entry.
type captureLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  logging.LogFields
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (c *captureLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := logging.LogFields{}
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &captureLogger{mu: c.mu, entries: c.entries, fields: merged}
}

func (c *captureLogger) record(level, msg string, err error, fields logging.LogFields) {
	merged := logging.LogFields{}
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	c.mu.Lock()
	*c.entries = append(*c.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, fields logging.LogFields) {
	c.record("debug", msg, nil, fields)
}
func (c *captureLogger) Info(msg string, fields logging.LogFields) {
	c.record("info", msg, nil, fields)
}
func (c *captureLogger) Error(msg string, err error, fields logging.LogFields) {
	c.record("error", msg, err, fields)
}
func (c *captureLogger) Trace(msg string, fields logging.LogFields) {
	c.record("trace", msg, nil, fields)
}

func (c *captureLogger) find(msg string) []logEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []logEntry
	for _, e := range *c.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}
