package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	"github.com/drblury/activitypipe/internal/runtime/metrics"
)

func TestDispatcherDeliversInRegistrationOrder(t *testing.T) {
	calls := &callLog{}
	first := newRecordingLogger("a", calls)
	second := newRecordingLogger("b", calls)

	d, err := NewDispatcher([]ActivityLogger{first, second}, PipelineHooks{})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	d.Started(context.Background())
	d.Dispatch(activity.Record{OperationName: "op1"})
	d.Dispatch(activity.Record{OperationName: "op2"})
	d.Stopped(context.Background())

	assert.Equal(t, []string{
		"a:started", "b:started",
		"a:log:op1", "b:log:op1",
		"a:log:op2", "b:log:op2",
		"a:stopped", "b:stopped",
	}, calls.entries())
}

func TestDispatcherSkipsClosedLogger(t *testing.T) {
	closed := &FuncLogger{LoggerName: "closed"}
	require.NoError(t, closed.Close())
	open := newRecordingLogger("open", nil)

	var skipped []LoggerContext
	var failures int
	d, err := NewDispatcher([]ActivityLogger{closed, open}, PipelineHooks{
		OnLoggerSkipped: func(lc LoggerContext) { skipped = append(skipped, lc) },
		OnLoggerError:   func(LoggerContext, error) { failures++ },
	})
	require.NoError(t, err)

	d.Started(context.Background())
	d.Dispatch(activity.Record{OperationName: "op"})
	d.Stopped(context.Background())

	assert.Equal(t, []string{"op"}, open.operations())
	assert.Zero(t, failures)
	require.Len(t, skipped, 3)
	assert.Equal(t, "closed", skipped[0].Name)
	assert.Equal(t, metrics.PhaseStarted, skipped[0].Phase)
	assert.Equal(t, metrics.PhaseLog, skipped[1].Phase)
	require.NotNil(t, skipped[1].Record)
	assert.Equal(t, "op", skipped[1].Record.OperationName)
	assert.Equal(t, metrics.PhaseStopped, skipped[2].Phase)
}

func TestDispatcherContainsErrorsAndPanics(t *testing.T) {
	failing := newRecordingLogger("failing", nil)
	failing.logErr = errors.New("disk full")
	panicking := newRecordingLogger("panicking", nil)
	panicking.logPanic = "boom"
	healthy := newRecordingLogger("healthy", nil)

	errs := map[string]error{}
	d, err := NewDispatcher([]ActivityLogger{failing, panicking, healthy}, PipelineHooks{
		OnLoggerError: func(lc LoggerContext, err error) { errs[lc.Name] = err },
	})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		d.Dispatch(activity.Record{OperationName: "op"})
	})

	assert.Equal(t, []string{"op"}, healthy.operations())
	assert.EqualError(t, errs["failing"], "disk full")

	var recovered middleware.RecoveredPanicError
	require.ErrorAs(t, errs["panicking"], &recovered)
	assert.Equal(t, "boom", recovered.V)
}

func TestDispatcherWrappedClosedErrorIsSkipped(t *testing.T) {
	logger := &FuncLogger{
		OnLog: func(activity.Record) error {
			return errors.Join(errors.New("flush"), errspkg.ErrLoggerClosed)
		},
	}

	var skipped, failed int
	d, err := NewDispatcher([]ActivityLogger{logger}, PipelineHooks{
		OnLoggerSkipped: func(LoggerContext) { skipped++ },
		OnLoggerError:   func(LoggerContext, error) { failed++ },
	})
	require.NoError(t, err)

	d.Dispatch(activity.Record{OperationName: "op"})
	assert.Equal(t, 1, skipped)
	assert.Zero(t, failed)
}

func TestNewDispatcherRejectsNilLogger(t *testing.T) {
	_, err := NewDispatcher([]ActivityLogger{newRecordingLogger("a", nil), nil}, PipelineHooks{})
	require.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestLoggerNameFallsBackToIndex(t *testing.T) {
	assert.Equal(t, "logger-3", loggerName(&FuncLogger{}, 3))
	assert.Equal(t, "custom", loggerName(&FuncLogger{LoggerName: "custom"}, 3))
}

func TestDispatcherWithoutLoggers(t *testing.T) {
	d, err := NewDispatcher(nil, PipelineHooks{})
	require.NoError(t, err)
	assert.Zero(t, d.Len())
	d.Started(context.Background())
	d.Dispatch(activity.Record{OperationName: "op"})
	d.Stopped(context.Background())
}
