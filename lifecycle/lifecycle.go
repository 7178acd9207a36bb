// Package lifecycle defines the sink the relay emits structured lifecycle
// events into. The relay only produces events; formatting, storage and fan-out
// are the sink implementation's concern.
package lifecycle

import (
	"context"
	"time"

	"github.com/agentuity/go-common/logger"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	AgentRegistered       EventType = "agent.registered"
	AgentDisconnected     EventType = "agent.disconnected"
	MessageSent           EventType = "message.sent"
	MessageDelivered      EventType = "message.delivered"
	MessageFailed         EventType = "message.failed"
	ConversationStarted   EventType = "conversation.started"
	ConversationCompleted EventType = "conversation.completed"
	SessionCreated        EventType = "session.created"
	SessionExpired        EventType = "session.expired"
	SessionTerminated     EventType = "session.terminated"
	BridgeSessionCreated  EventType = "bridge.session.created"
	BridgeSessionClosed   EventType = "bridge.session.closed"
)

// Event is one structured lifecycle record. Only the fields relevant to the
// event type are set.
type Event struct {
	Type           EventType `json:"type" msgpack:"type"`
	SessionID      string    `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	AgentID        string    `json:"agent_id,omitempty" msgpack:"agent_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty" msgpack:"message_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty" msgpack:"conversation_id,omitempty"`
	Timestamp      time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Sink receives lifecycle events. Emit must not block the request path for
// long; slow sinks should buffer or drop internally.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

type discardSink struct{}

func (discardSink) Emit(ctx context.Context, event Event) {}

// Discard is a Sink that drops every event.
var Discard Sink = discardSink{}

type loggerSink struct {
	logger logger.Logger
}

// NewLoggerSink returns a Sink that records each event as a structured log
// line on the given logger.
func NewLoggerSink(log logger.Logger) Sink {
	return &loggerSink{logger: log.WithPrefix("[lifecycle]")}
}

func (s *loggerSink) Emit(ctx context.Context, event Event) {
	metadata := map[string]interface{}{"type": string(event.Type)}
	if event.SessionID != "" {
		metadata["sessionId"] = event.SessionID
	}
	if event.AgentID != "" {
		metadata["agentId"] = event.AgentID
	}
	if event.MessageID != "" {
		metadata["messageId"] = event.MessageID
	}
	if event.ConversationID != "" {
		metadata["conversationId"] = event.ConversationID
	}
	s.logger.With(metadata).Debug("%s", event.Type)
}

type multiSink struct {
	sinks []Sink
}

// Multi returns a Sink that fans each event out to every given sink.
func Multi(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (s *multiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, event)
	}
}

// Emit stamps the event if the producer left the timestamp zero and forwards
// it to the sink. A nil sink is a no-op.
func Emit(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	sink.Emit(ctx, event)
}
