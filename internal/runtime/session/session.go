// Package session defines the event session a pipeline consumes and an
// in-memory implementation of it.
package session

import (
	"context"
	"sync"

	"github.com/drblury/activitypipe/internal/runtime/decoder"
	errspkg "github.com/drblury/activitypipe/internal/runtime/errors"
	"github.com/drblury/activitypipe/internal/runtime/provider"
)

// Source opens event sessions for a provider configuration.
type Source interface {
	Start(ctx context.Context, cfg provider.Configuration) (Session, error)
}

// Session is a live stream of raw events. Events is closed once the producer
// has completed, either on its own or after Stop.
type Session interface {
	Events() <-chan decoder.RawEvent
	// Stop asks the producer to finish. Events already emitted keep flowing
	// until Events is closed.
	Stop(ctx context.Context) error
	// Close releases the session. It is safe to call more than once.
	Close() error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, cfg provider.Configuration) (Session, error)

func (f SourceFunc) Start(ctx context.Context, cfg provider.Configuration) (Session, error) {
	return f(ctx, cfg)
}

// StaticOption configures a Static source.
type StaticOption func(*Static)

// Hold keeps sessions open after the fixed events were replayed, until Stop
// or Close is called.
func Hold() StaticOption {
	return func(s *Static) { s.hold = true }
}

// Static replays a fixed list of events for every session it starts.
type Static struct {
	events []decoder.RawEvent
	hold   bool

	mu      sync.Mutex
	configs []provider.Configuration
}

// NewStatic returns a Source replaying events.
func NewStatic(events []decoder.RawEvent, opts ...StaticOption) *Static {
	s := &Static{events: append([]decoder.RawEvent(nil), events...)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start records cfg and begins replaying the events.
func (s *Static) Start(ctx context.Context, cfg provider.Configuration) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.configs = append(s.configs, cfg)
	s.mu.Unlock()

	sess := &staticSession{
		events:  make(chan decoder.RawEvent),
		stopped: make(chan struct{}),
	}
	go sess.replay(s.events, s.hold)
	return sess, nil
}

// Configurations returns the configurations sessions were started with.
func (s *Static) Configurations() []provider.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.Configuration(nil), s.configs...)
}

type staticSession struct {
	events  chan decoder.RawEvent
	stopped chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	closed   bool
}

func (s *staticSession) replay(events []decoder.RawEvent, hold bool) {
	defer close(s.events)
	for _, ev := range events {
		select {
		case s.events <- ev:
		case <-s.stopped:
			return
		}
	}
	if hold {
		<-s.stopped
	}
}

func (s *staticSession) Events() <-chan decoder.RawEvent {
	return s.events
}

func (s *staticSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errspkg.ErrSessionClosed
	}
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *staticSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

type runIDKey struct{}

// WithRunID attaches the pipeline run identifier to ctx so sources can label
// what they publish.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run identifier attached by WithRunID, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
