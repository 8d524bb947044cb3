package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/activitypipe/internal/runtime/activity"
	configpkg "github.com/drblury/activitypipe/internal/runtime/config"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	idspkg "github.com/drblury/activitypipe/internal/runtime/ids"
	loggingpkg "github.com/drblury/activitypipe/internal/runtime/logging"
	"github.com/drblury/activitypipe/internal/runtime/metrics"
	"github.com/drblury/activitypipe/internal/runtime/provider"
	"github.com/drblury/activitypipe/internal/runtime/session"
)

// State is the lifecycle position of a Pipeline.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateStreaming
	StateDraining
	StateStopped
)

var stateNames = [...]string{"idle", "configuring", "streaming", "draining", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// PipelineDependencies holds the optional collaborators of a Pipeline.
type PipelineDependencies struct {
	// Logger defaults to a no-op logger.
	Logger loggingpkg.ServiceLogger
	// Metrics is created against the default registerer when the
	// configuration enables metrics and none is supplied.
	Metrics *metrics.PipelineMetrics
	// Hooks run after the built-in logging and metrics hooks.
	Hooks PipelineHooks
	// SourceCache lets several pipelines share interned sources.
	SourceCache *activity.SourceCache
}

// Pipeline captures activity events from a session, decodes them and fans the
// resulting records out to activity loggers. A Pipeline runs once.
type Pipeline struct {
	conf       configpkg.Config
	source     session.Source
	decoder    *decoder.Decoder
	dispatcher *Dispatcher
	hooks      PipelineHooks
	metrics    *metrics.PipelineMetrics
	stats      *PipelineStats
	log        loggingpkg.ServiceLogger
	runID      string

	state atomic.Int32

	mu            sync.Mutex
	started       bool
	startedAt     time.Time
	stopRequested bool
	cancel        context.CancelFunc
	done          chan struct{}
	err           error

	metricsServer *http.Server
}

// NewPipeline validates conf and wires the pipeline. The configuration is
// copied; later changes to conf have no effect.
func NewPipeline(conf *configpkg.Config, source session.Source, loggers []ActivityLogger, deps PipelineDependencies) (*Pipeline, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if source == nil {
		return nil, errspkg.ErrSourceRequired
	}

	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	runID := idspkg.CreateULID()
	log := loggingpkg.ForRun(deps.Logger, runID)

	m := deps.Metrics
	if m == nil && c.MetricsEnabled {
		m = metrics.NewPipelineMetrics(nil)
	}

	stats := newPipelineStats()
	hooks := LoggingHooks(log, c.ReportDecodeErrors).
		Merge(MetricsHooks(m)).
		Merge(stats.Hooks()).
		Merge(deps.Hooks)

	dispatcher, err := NewDispatcher(loggers, hooks)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		conf:       c,
		source:     source,
		decoder:    decoder.New(deps.SourceCache),
		dispatcher: dispatcher,
		hooks:      hooks,
		metrics:    m,
		stats:      stats,
		log:        log,
		runID:      runID,
		done:       make(chan struct{}),
	}, nil
}

// RunID identifies this pipeline run. It is attached to every log line and
// handed to the session through the start context.
func (p *Pipeline) RunID() string {
	return p.runID
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Done is closed once the pipeline reached StateStopped.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Sources exposes the interned activity sources seen so far.
func (p *Pipeline) Sources() *activity.SourceCache {
	return p.decoder.Sources()
}

func (p *Pipeline) setState(to State) {
	from := State(p.state.Swap(int32(to)))
	if from != to {
		p.hooks.stateChange(from, to)
	}
}

// Start opens the event session and begins streaming in the background. A
// failure to open the session moves the pipeline to StateStopped without any
// logger notification and is returned as *errspkg.StartError.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errspkg.ErrPipelineAlreadyStarted
	}
	p.started = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.setState(StateConfiguring)
	cfg := provider.Build(p.conf.Sources)
	p.log.Info("Starting activity capture", loggingpkg.LogFields{
		"providers": len(cfg.Providers),
		"duration":  p.conf.Duration.String(),
	})

	if err := p.metrics.Register(); err != nil {
		p.log.Error("Failed to register pipeline metrics", err, nil)
	}
	p.startMetricsServer()

	ctx = session.WithRunID(ctx, p.runID)
	sess, err := p.source.Start(ctx, cfg)
	if err != nil {
		p.mu.Lock()
		p.err = &errspkg.StartError{Err: err}
		p.mu.Unlock()
		p.stopMetricsServer()
		p.setState(StateStopped)
		close(p.done)
		return p.err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	if p.stopRequested {
		cancel()
	}
	p.mu.Unlock()

	p.setState(StateStreaming)
	p.dispatcher.Started(ctx)

	go p.run(runCtx, sess)
	return nil
}

func (p *Pipeline) run(ctx context.Context, sess session.Session) {
	defer close(p.done)

	events := sess.Events()
	var expired <-chan time.Time
	if p.conf.Duration > 0 {
		timer := time.NewTimer(p.conf.Duration)
		defer timer.Stop()
		expired = timer.C
	}

	completed := false
	reason := "session completed"
streaming:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				completed = true
				break streaming
			}
			p.handle(ev)
		case <-ctx.Done():
			reason = "cancelled"
			break streaming
		case <-expired:
			reason = "duration elapsed"
			break streaming
		}
	}

	p.setState(StateDraining)
	p.log.Info("Draining activity capture", loggingpkg.LogFields{"reason": reason})
	if !completed {
		p.drain(sess, events)
	}

	p.dispatcher.Stopped(context.WithoutCancel(ctx))

	var err error
	if closeErr := sess.Close(); closeErr != nil {
		err = fmt.Errorf("close event session: %w", closeErr)
		p.log.Error("Failed to close event session", closeErr, nil)
	}
	p.stopMetricsServer()

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.setState(StateStopped)
	p.log.Info("Activity capture stopped", nil)
}

// drain asks the session to stop and keeps delivering events until it
// completes or the drain timeout passes.
func (p *Pipeline) drain(sess session.Session, events <-chan decoder.RawEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.conf.DrainTimeout)
	defer cancel()

	if err := sess.Stop(ctx); err != nil {
		p.log.Error("Failed to stop event session", err, nil)
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.handle(ev)
		case <-ctx.Done():
			p.log.Info("Drain timeout elapsed, abandoning pending events", loggingpkg.LogFields{
				"drain_timeout": p.conf.DrainTimeout.String(),
			})
			return
		}
	}
}

// handle decodes and dispatches one event. A panic in a hook is contained to
// the event.
func (p *Pipeline) handle(ev decoder.RawEvent) {
	if err := safeCall(func() error {
		p.handleEvent(ev)
		return nil
	}); err != nil {
		p.log.Error("Recovered from panic while handling event", err, loggingpkg.LogFields{loggingpkg.FieldEvent: ev.Name})
	}
}

func (p *Pipeline) handleEvent(ev decoder.RawEvent) {
	p.hooks.eventReceived(ev)

	record, ok, err := p.decoder.Decode(ev)
	if err != nil {
		p.hooks.decodeError(ev, err)
		return
	}
	if !ok {
		p.hooks.eventIgnored(ev)
		return
	}

	started := time.Now()
	p.dispatcher.Dispatch(record)
	p.hooks.recordDispatched(record, time.Since(started))
}

// Wait blocks until the pipeline stopped and returns the session close
// error, if any. Per-event failures are never returned.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return errspkg.ErrPipelineNotStarted
	}

	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the capture and waits for the pipeline to drain.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	started, cancel := p.started, p.cancel
	if started {
		p.stopRequested = true
	}
	p.mu.Unlock()
	if !started {
		return errspkg.ErrPipelineNotStarted
	}
	if cancel != nil {
		cancel()
	}
	return p.Wait(ctx)
}

// Run starts the pipeline and blocks until it stopped. Cancelling ctx drains
// the pipeline; Run still waits for the drain to finish.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait(context.WithoutCancel(ctx))
}

func (p *Pipeline) startMetricsServer() {
	if p.metrics == nil || p.conf.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.metrics.Handler())
	mux.Handle("/status", p.StatusHandler())
	addr := fmt.Sprintf(":%d", p.conf.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	p.mu.Lock()
	p.metricsServer = srv
	p.mu.Unlock()

	p.log.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
		}
	}()
}

func (p *Pipeline) stopMetricsServer() {
	p.mu.Lock()
	srv := p.metricsServer
	p.metricsServer = nil
	p.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		p.log.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
	}
}
