// Package transports registers every built-in broker adapter with the
// default registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/teeflow/transport/aws"
	_ "github.com/drblury/teeflow/transport/channel"
	_ "github.com/drblury/teeflow/transport/file"
	_ "github.com/drblury/teeflow/transport/http"
	_ "github.com/drblury/teeflow/transport/kafka"
	_ "github.com/drblury/teeflow/transport/nats"
	_ "github.com/drblury/teeflow/transport/pulsar"
	_ "github.com/drblury/teeflow/transport/rabbitmq"
	_ "github.com/drblury/teeflow/transport/sqlqueue"
)
