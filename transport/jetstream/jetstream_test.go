package jetstream

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/activitypipe/transport"
	"github.com/drblury/activitypipe/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.Durable)
	assert.True(t, caps.SupportsReliableDelivery())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfigWithDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStream, result.Stream)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultMaxAge, result.MaxAge)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{URL: "nats://localhost:4222", Stream: "CUSTOM", MaxDeliver: 5, AckWait: time.Minute, MaxAge: 2 * time.Hour}
		assert.Equal(t, cfg, cfg.withDefaults())
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{MaxDeliver: -1, AckWait: -1, MaxAge: -1}.withDefaults()

		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, DefaultMaxAge, result.MaxAge)
	})
}

func TestMessageConversionRoundTrip(t *testing.T) {
	msg := message.NewMessage("01HXYZ", []byte(`{"name":"Activity/Stop"}`))
	msg.Metadata.Set("activitypipe_run_id", "run-1")

	natsMsg := toNATS(subjectFor("ACTIVITYPIPE", "activitypipe.events"), msg)
	assert.Equal(t, "ACTIVITYPIPE.activitypipe.events", natsMsg.Subject)
	assert.Equal(t, "01HXYZ", natsMsg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "run-1", natsMsg.Header.Get("activitypipe_run_id"))

	back := toWatermill(natsMsg)
	assert.Equal(t, "01HXYZ", back.UUID)
	assert.Equal(t, msg.Payload, back.Payload)
	assert.Equal(t, message.Metadata{"activitypipe_run_id": "run-1"}, back.Metadata)
}

func TestToWatermillGeneratesMissingUUID(t *testing.T) {
	back := toWatermill(&nats.Msg{Data: []byte("x"), Header: nats.Header{}})
	assert.NotEmpty(t, back.UUID)
	assert.Empty(t, back.Metadata)
}

func TestBuildFailsWithoutServer(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://127.0.0.1:1"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to NATS")
}
