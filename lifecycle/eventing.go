package lifecycle

import (
	"context"

	"github.com/agentuity/go-common/eventing"
	"github.com/agentuity/go-common/logger"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultSubject is the eventing subject lifecycle events are published to.
const DefaultSubject = "relay.lifecycle"

type eventingSink struct {
	client  eventing.Client
	subject string
	logger  logger.Logger
}

// NewEventingSink returns a Sink that publishes msgpack-encoded events through
// an eventing client (redis in production). Publish failures are logged and
// dropped; lifecycle telemetry never fails a request.
func NewEventingSink(client eventing.Client, subject string, log logger.Logger) Sink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &eventingSink{
		client:  client,
		subject: subject,
		logger:  log.WithPrefix("[lifecycle]"),
	}
}

func (s *eventingSink) Emit(ctx context.Context, event Event) {
	buf, err := msgpack.Marshal(event)
	if err != nil {
		s.logger.Error("error encoding lifecycle event: %s", err)
		return
	}
	if err := s.client.Publish(ctx, s.subject, buf, eventing.WithHeader("event-type", string(event.Type))); err != nil {
		s.logger.Error("error publishing lifecycle event: %s", err)
	}
}
