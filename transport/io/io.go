// Package io provides a file-backed transport. Every message is appended to a
// single file as one JSON line tagged with its topic; subscribers tail the
// file from the beginning. It lets a producer and the pipeline run as
// separate processes without a broker.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/activitypipe/internal/runtime/jsoncodec"
	"github.com/drblury/activitypipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is the default file path if none is specified.
const DefaultFilePath = "activitypipe.log"

// PollInterval is how long a subscriber waits at end of file before reading again.
var PollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger), nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(filePath, logger), nil
}

func init() {
	Register()
}

// Register registers the I/O transport with the default registry.
func Register() {
	transport.Register(transport.Registration{Name: TransportName, Builder: Build, Capabilities: transport.IOCapabilities})
}

// Build creates a new I/O transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// storedMessage is one line of the file.
type storedMessage struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata"`
	Payload  []byte            `json:"payload"`
	Topic    string            `json:"topic"`
}

var errClosed = errors.New("io transport: closed")

// Publisher appends messages to a file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

func NewPublisher(filePath string, logger watermill.LoggerAdapter) *Publisher {
	return &Publisher{filePath: filePath, logger: logger}
}

// Publish appends messages to the file in a single write.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(storedMessage{
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
			Topic:    topic,
		})
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Close closes the publisher.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Subscriber tails a file.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSubscriber(filePath string, logger watermill.LoggerAdapter) *Subscriber {
	return &Subscriber{filePath: filePath, logger: logger, closing: make(chan struct{})}
}

// Subscribe delivers every message of topic found in the file, then keeps
// following appended lines until ctx is done or the subscriber is closed.
// Each message must be acked before the next one is delivered.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errClosed
	default:
	}

	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.follow(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) follow(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			// Incomplete lines stay buffered until the writer finishes them.
			if !s.wait(ctx) {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read file", err, watermill.LogFields{"file": s.filePath})
			return
		}

		line := partial
		partial = nil
		if !s.deliver(ctx, out, line, topic) {
			return
		}
	}
}

func (s *Subscriber) wait(ctx context.Context) bool {
	timer := time.NewTimer(PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, line []byte, topic string) bool {
	var sm storedMessage
	if err := jsoncodec.Unmarshal(line, &sm); err != nil {
		s.logger.Error("Failed to unmarshal message", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if sm.Topic != topic {
		return true
	}

	for {
		msg := message.NewMessage(sm.UUID, sm.Payload)
		msg.Metadata = sm.Metadata
		if msg.Metadata == nil {
			msg.Metadata = make(message.Metadata)
		}
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Message nacked, redelivering", watermill.LogFields{"uuid": msg.UUID})
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	}
}

// Close stops all subscriptions and waits for them to finish.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
