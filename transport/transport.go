// Package transport defines the message transports that carry raw diagnostic
// events and control messages between a producer and the pipeline. Each
// transport implementation lives in its own sub-package and registers itself
// with the transport registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Capabilities is set by Registry.Build from the registration.
	Capabilities Capabilities
}

// Close closes the publisher and the subscriber. A pub/sub that implements
// both sides is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.Publisher != nil && !sameInstance(t.Publisher, t.Subscriber) {
		errs = append(errs, t.Publisher.Close())
	}
	return errors.Join(errs...)
}

func sameInstance(pub message.Publisher, sub message.Subscriber) bool {
	if sub == nil {
		return false
	}
	asSub, ok := pub.(message.Subscriber)
	return ok && asSub == sub
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetTransport returns the transport name.
	GetTransport() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStream() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// SQL queues
	GetSQLiteFile() string
	GetPostgresURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
