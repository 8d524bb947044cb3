package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	"github.com/drblury/activitypipe/internal/runtime/metrics"
)

// ActivityLogger consumes decoded activity records.
//
// A logger that has been torn down returns an error matching
// errspkg.ErrLoggerClosed; the dispatcher skips it for that call only.
type ActivityLogger interface {
	Log(record activity.Record) error
	PipelineStarted(ctx context.Context) error
	PipelineStopped(ctx context.Context) error
}

// NamedLogger is implemented by loggers that want a stable label in logs and
// metrics.
type NamedLogger interface {
	Name() string
}

type registeredLogger struct {
	name   string
	index  int
	logger ActivityLogger
}

// Dispatcher fans lifecycle notifications and records out to every logger in
// registration order. Failures of one logger never prevent delivery to the
// next one.
type Dispatcher struct {
	loggers []registeredLogger
	hooks   PipelineHooks
}

// NewDispatcher returns a dispatcher over loggers. Nil entries are rejected
// with errspkg.ErrLoggerRequired.
func NewDispatcher(loggers []ActivityLogger, hooks PipelineHooks) (*Dispatcher, error) {
	registered := make([]registeredLogger, 0, len(loggers))
	for i, l := range loggers {
		if l == nil {
			return nil, fmt.Errorf("logger %d: %w", i, errspkg.ErrLoggerRequired)
		}
		registered = append(registered, registeredLogger{
			name:   loggerName(l, i),
			index:  i,
			logger: l,
		})
	}
	return &Dispatcher{loggers: registered, hooks: hooks}, nil
}

func loggerName(l ActivityLogger, index int) string {
	if named, ok := l.(NamedLogger); ok {
		if name := named.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("logger-%d", index)
}

// Len returns the number of registered loggers.
func (d *Dispatcher) Len() int {
	return len(d.loggers)
}

// Started notifies every logger that the pipeline is streaming.
func (d *Dispatcher) Started(ctx context.Context) {
	for _, rl := range d.loggers {
		d.invoke(rl, metrics.PhaseStarted, nil, func() error {
			return rl.logger.PipelineStarted(ctx)
		})
	}
}

// Dispatch offers record to every logger.
func (d *Dispatcher) Dispatch(record activity.Record) {
	for _, rl := range d.loggers {
		d.invoke(rl, metrics.PhaseLog, &record, func() error {
			return rl.logger.Log(record)
		})
	}
}

// Stopped notifies every logger that the pipeline has drained.
func (d *Dispatcher) Stopped(ctx context.Context) {
	for _, rl := range d.loggers {
		d.invoke(rl, metrics.PhaseStopped, nil, func() error {
			return rl.logger.PipelineStopped(ctx)
		})
	}
}

func (d *Dispatcher) invoke(rl registeredLogger, phase string, record *activity.Record, fn func() error) {
	err := safeCall(fn)
	if err == nil {
		return
	}

	lc := LoggerContext{
		Name:   rl.name,
		Index:  rl.index,
		Phase:  phase,
		Record: record,
	}
	if errors.Is(err, errspkg.ErrLoggerClosed) {
		d.hooks.loggerSkipped(lc)
		return
	}
	d.hooks.loggerError(lc, err)
}

// safeCall converts a panic into a middleware.RecoveredPanicError.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
		}
	}()
	return fn()
}
