package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsOrdering indicates the transport delivers messages of a topic in
	// publish order. Activity records are dispatched in delivery order, so
	// transports without it may reorder records.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// Durable indicates published events survive a restart of the consumer.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// FitsMessage reports whether a payload of size bytes is within the
// transport's message limit.
func (c Capabilities) FitsMessage(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		Durable:              true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for the NATS JetStream transport. A single
	// pull consumer per topic keeps stream order.
	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport. Standard SQS queues do not
	// preserve order.
	AWSCapabilities = Capabilities{
		Name:            "aws",
		SupportsTracing: true,
		SupportsAck:     true,
		SupportsNack:    true,
		Durable:         true,
		MaxMessageSize:  262144, // 256KB SQS limit
	}

	// SQLiteCapabilities for the embedded SQLite queue.
	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
	}

	// PostgresCapabilities for the PostgreSQL queue.
	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		Durable:          true,
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	// IOCapabilities for file-based I/O transport.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		Durable:          true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.Capabilities(transportName)
}
