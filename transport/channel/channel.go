// Package channel provides an in-memory Go channel transport. Producer and
// pipeline must share the same Transport value, which makes it suited to
// embedding the producer in-process and to tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/activitypipe/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultConfig blocks each publish until subscribers acked it, which keeps
// raw events in publish order.
var DefaultConfig = gochannel.Config{
	OutputChannelBuffer:            64,
	BlockPublishUntilSubscriberAck: true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.Register(transport.Registration{Name: TransportName, Builder: Build, Capabilities: transport.ChannelCapabilities})
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(DefaultConfig, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
