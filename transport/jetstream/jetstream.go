// Package jetstream provides a NATS JetStream transport. Unlike the core NATS
// transport, events published while the pipeline is between subscriptions are
// retained by the stream.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/activitypipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStream is the stream used when the config names none.
	DefaultStream = "ACTIVITYPIPE"
	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3
	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second
	// DefaultMaxAge bounds how long raw events are retained.
	DefaultMaxAge = time.Hour

	fetchBatch   = 16
	fetchMaxWait = time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("jetstream: transport is closed")

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.Register(transport.Registration{Name: TransportName, Builder: Build, Capabilities: transport.NATSJetStreamCapabilities})
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), Stream: cfg.GetNATSStream()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	URL string
	// Stream is the JetStream stream holding every topic as a subject
	// "<Stream>.<topic>".
	Stream     string
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	return c
}

// Transport implements Publisher and Subscriber over a JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("activitypipe-jetstream"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{nc: nc, js: js, config: cfg, logger: logger, done: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) streamConfig() *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      t.config.Stream,
		Subjects:  []string{t.config.Stream + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    t.config.MaxAge,
	}
}

func (t *Transport) ensureStream() error {
	cfg := t.streamConfig()
	_, err := t.js.AddStream(cfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = t.js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish publishes messages to the subject of topic. The message UUID is
// used as the JetStream message ID, so retried publishes are deduplicated.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := subjectFor(t.config.Stream, topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe creates an ephemeral pull consumer delivering messages published
// from now on.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	subject := subjectFor(t.config.Stream, topic)
	sub, err := t.js.PullSubscribe(subject, "",
		nats.BindStream(t.config.Stream),
		nats.DeliverNew(),
		nats.AckExplicit(),
		nats.MaxDeliver(t.config.MaxDeliver),
		nats.AckWait(t.config.AckWait),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	t.subs = append(t.subs, sub)

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.fetch(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		switch {
		case errors.Is(err, nats.ErrTimeout):
			continue
		case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
			return
		case err != nil:
			t.logger.Error("JetStream fetch failed", err, watermill.LogFields{"topic": topic})
			select {
			case <-time.After(fetchMaxWait):
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
			continue
		}

		for _, m := range msgs {
			if !t.deliver(ctx, m, out) {
				return
			}
		}
	}
}

// deliver hands one message to the subscriber and settles it with the
// server. It returns false when the subscription should end.
func (t *Transport) deliver(ctx context.Context, m *nats.Msg, out chan<- *message.Message) bool {
	msg := toWatermill(m)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}

	var err error
	select {
	case <-msg.Acked():
		err = m.Ack()
	case <-msg.Nacked():
		err = m.Nak()
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	}
	if err != nil {
		t.logger.Error("JetStream settle failed", err, watermill.LogFields{"uuid": msg.UUID})
	}
	return true
}

// Close unsubscribes every consumer and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()
	t.nc.Close()
	return errors.Join(errs...)
}

// GetCapabilities returns the JetStream transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

func subjectFor(stream, topic string) string {
	return stream + "." + topic
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func toWatermill(m *nats.Msg) *message.Message {
	uuid := m.Header.Get(nats.MsgIdHdr)
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	msg := message.NewMessage(uuid, m.Data)
	for k, v := range m.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}
