// Package http provides an HTTP transport. Raw events are POSTed by the
// producer to <server address>/<topic>; control messages are POSTed to
// <publisher URL>/<topic>.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/activitypipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.Register(transport.Registration{Name: TransportName, Builder: Build, Capabilities: transport.HTTPCapabilities})
}

// TopicURL joins the publisher base URL and a topic.
func TopicURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + "/" + topic
}

// Build creates a new HTTP transport. The subscriber's server is started after
// the first Subscribe call, once the topic route exists.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &serverSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

type httpServer interface {
	StartHTTPServer() error
}

type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	start  sync.Once
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	msgs, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	if server, ok := s.Subscriber.(httpServer); ok {
		s.start.Do(func() {
			go func() {
				if err := server.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
					s.logger.Error("HTTP subscriber server stopped", err, nil)
				}
			}()
		})
	}
	return msgs, nil
}
