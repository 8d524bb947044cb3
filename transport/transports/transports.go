// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/activitypipe/transport/aws"
	_ "github.com/drblury/activitypipe/transport/channel"
	_ "github.com/drblury/activitypipe/transport/http"
	_ "github.com/drblury/activitypipe/transport/io"
	_ "github.com/drblury/activitypipe/transport/jetstream"
	_ "github.com/drblury/activitypipe/transport/kafka"
	_ "github.com/drblury/activitypipe/transport/nats"
	_ "github.com/drblury/activitypipe/transport/postgres"
	_ "github.com/drblury/activitypipe/transport/rabbitmq"
	_ "github.com/drblury/activitypipe/transport/sqlite"
)
