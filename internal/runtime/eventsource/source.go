// Package eventsource runs event sessions over a Watermill transport.
//
// The pipeline publishes its provider configuration on the control topic and
// consumes raw events from the events topic. A producer living next to the
// instrumented process reads the control topic, enables the requested
// providers and forwards every event it receives. Stopping a session publishes
// a stop command; the producer answers with a complete message once it has
// flushed what it still holds.
package eventsource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/activitypipe/internal/runtime/config"
	"github.com/drblury/activitypipe/internal/runtime/decoder"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	"github.com/drblury/activitypipe/internal/runtime/ids"
	"github.com/drblury/activitypipe/internal/runtime/logging"
	"github.com/drblury/activitypipe/internal/runtime/provider"
	"github.com/drblury/activitypipe/internal/runtime/session"
	"github.com/drblury/activitypipe/transport"
)

// Options configures a Source.
type Options struct {
	EventsTopic  string
	ControlTopic string
	// Capabilities of the transport, used for ordering and size checks.
	Capabilities transport.Capabilities
	Logger       logging.ServiceLogger
}

// Source starts sessions over one transport. Each session owns the transport
// and closes it on Close, so a Source starts a single session.
type Source struct {
	transport transport.Transport
	opts      Options

	mu      sync.Mutex
	started bool
}

var _ session.Source = (*Source)(nil)

// New returns a Source over t.
func New(t transport.Transport, opts Options) *Source {
	if opts.EventsTopic == "" {
		opts.EventsTopic = config.DefaultEventsTopic
	}
	if opts.ControlTopic == "" {
		opts.ControlTopic = config.DefaultControlTopic
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &Source{transport: t, opts: opts}
}

// FromConfig builds the configured transport through the registry and wraps
// it in a Source. The transport packages must have been imported.
func FromConfig(ctx context.Context, conf *config.Config, logger logging.ServiceLogger) (*Source, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	logger = logging.OrNop(logger)
	c := conf.WithDefaults()
	t, err := transport.Build(ctx, &c, logging.NewWatermillAdapter(logger, c.Transport))
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", c.Transport, err)
	}
	return New(t, Options{
		EventsTopic:  c.EventsTopic,
		ControlTopic: c.ControlTopic,
		Capabilities: t.Capabilities,
		Logger:       logger,
	}), nil
}

// Start subscribes to the events topic and then publishes the start command,
// so no event sent in response is missed. A failed start closes the
// transport.
func (s *Source) Start(ctx context.Context, cfg provider.Configuration) (session.Session, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, errors.New("eventsource: source already started a session")
	}
	s.started = true
	s.mu.Unlock()

	sess, err := s.start(ctx, cfg)
	if err != nil {
		if closeErr := s.transport.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close transport: %w", closeErr))
		}
		return nil, err
	}
	return sess, nil
}

func (s *Source) start(ctx context.Context, cfg provider.Configuration) (session.Session, error) {
	runID := session.RunID(ctx)
	if runID == "" {
		runID = ids.CreateULID()
	}
	log := logging.ForRun(s.opts.Logger, runID).With(logging.LogFields{logging.FieldTopic: s.opts.EventsTopic})

	if !s.opts.Capabilities.SupportsOrdering {
		log.Info("Transport does not guarantee ordering, records may be delivered out of order", logging.LogFields{
			logging.FieldTransport: s.opts.Capabilities.Name,
		})
	}

	start, err := NewControlMessage(CommandStart, runID, cfg)
	if err != nil {
		return nil, err
	}
	if !s.opts.Capabilities.FitsMessage(len(start.Payload)) {
		return nil, fmt.Errorf("eventsource: provider configuration of %d bytes exceeds the %s message limit",
			len(start.Payload), s.opts.Capabilities.Name)
	}

	// The subscription outlives the start context: draining continues after
	// the caller cancelled it.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := s.transport.Subscriber.Subscribe(subCtx, s.opts.EventsTopic)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", s.opts.EventsTopic, err)
	}

	if err := s.transport.Publisher.Publish(s.opts.ControlTopic, start); err != nil {
		cancel()
		return nil, fmt.Errorf("publish start command: %w", err)
	}
	log.Info("Event session started", logging.LogFields{"control_topic": s.opts.ControlTopic})

	sess := &watermillSession{
		source: s,
		runID:  runID,
		log:    log,
		events: make(chan decoder.RawEvent),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go sess.consume(subCtx, msgs)
	return sess, nil
}

type watermillSession struct {
	source *Source
	runID  string
	log    logging.ServiceLogger

	events chan decoder.RawEvent
	done   chan struct{}
	cancel context.CancelFunc

	stopOnce  sync.Once
	stopErr   error
	closeOnce sync.Once
	closeErr  error
}

func (w *watermillSession) Events() <-chan decoder.RawEvent {
	return w.events
}

func (w *watermillSession) consume(ctx context.Context, msgs <-chan *message.Message) {
	defer close(w.done)
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if !w.handle(ctx, msg) {
				return
			}
		}
	}
}

// handle processes one message and reports whether consumption continues.
func (w *watermillSession) handle(ctx context.Context, msg *message.Message) bool {
	if runID := msg.Metadata.Get(MetadataRunID); runID != "" && runID != w.runID {
		msg.Ack()
		return true
	}
	if msg.Metadata.Get(MetadataCommand) == CommandComplete {
		msg.Ack()
		w.log.Info("Producer completed", nil)
		return false
	}

	ev, err := DecodeEvent(msg)
	if err != nil {
		w.log.Debug("Dropping undecodable message", logging.LogFields{"message_uuid": msg.UUID, "error": err.Error()})
		msg.Ack()
		return true
	}

	select {
	case w.events <- ev:
		msg.Ack()
		return true
	case <-ctx.Done():
		msg.Nack()
		return false
	}
}

// Stop publishes the stop command. Once ctx ends the subscription is
// cancelled, whether or not the producer completed.
func (w *watermillSession) Stop(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	default:
	}
	w.stopOnce.Do(func() {
		msg, err := NewControlMessage(CommandStop, w.runID, provider.Configuration{})
		if err == nil {
			err = w.source.transport.Publisher.Publish(w.source.opts.ControlTopic, msg)
		}
		if err != nil {
			w.stopErr = fmt.Errorf("publish stop command: %w", err)
			w.cancel()
			return
		}
		w.log.Debug("Stop command published", nil)
		go func() {
			select {
			case <-w.done:
			case <-ctx.Done():
				w.cancel()
			}
		}()
	})
	return w.stopErr
}

func (w *watermillSession) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
		w.closeErr = w.source.transport.Close()
	})
	return w.closeErr
}
