// Package hub implements the agent directory and point-to-point router: named
// agents register over relay sessions, messages are routed to the recipient's
// event log when it has a live stream and queued otherwise, and every exchange
// is tracked in an ordered conversation thread.
//
// Redelivery is at-least-once: a message queued against an offline recipient
// is re-offered, in send order, as the first events the next time that
// recipient opens a stream. Message ids are stable so recipients can
// deduplicate.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/agentuity/relay/lifecycle"
	"github.com/agentuity/relay/protocol"
	"github.com/agentuity/relay/session"
)

var (
	// ErrAgentNotFound is returned for a send to an agent that never
	// registered. No conversation is created in that case.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrConversationNotFound is returned for lookups of unknown threads.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Hub owns the agent directory, the conversation table and the per-agent
// queues of undelivered messages. All three are guarded by one mutex; nothing
// blocking happens under it.
type Hub struct {
	ctx      context.Context
	logger   logger.Logger
	sink     lifecycle.Sink
	registry *session.Registry

	mu            sync.Mutex
	agents        map[string]*Agent
	conversations map[string]*Conversation
	queues        map[string][]*Message
}

// Option configures a Hub.
type Option func(*Hub)

// WithLifecycleSink sets the sink hub lifecycle events are emitted to.
func WithLifecycleSink(sink lifecycle.Sink) Option {
	return func(h *Hub) {
		h.sink = sink
	}
}

// New creates a hub bound to the given session registry.
func New(ctx context.Context, log logger.Logger, registry *session.Registry, opts ...Option) *Hub {
	h := &Hub{
		ctx:           ctx,
		logger:        log.WithPrefix("[hub]"),
		sink:          lifecycle.Discard,
		registry:      registry,
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		queues:        make(map[string][]*Message),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterAgent creates or overwrites the directory entry and binds it to the
// session the registration arrived over. Re-registering reconnects the agent
// without losing its counters.
func (h *Hub) RegisterAgent(agentID, agentType, version, sessionID string) *Agent {
	h.mu.Lock()
	agent, ok := h.agents[agentID]
	if !ok {
		agent = &Agent{ID: agentID}
		h.agents[agentID] = agent
	}
	agent.Type = agentType
	agent.Version = version
	agent.Status = AgentConnected
	agent.LastSeen = time.Now()
	agent.sessionID = sessionID
	h.mu.Unlock()

	h.logger.Info("agent %s (%s) registered on session %s", agentID, agentType, sessionID)
	lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.AgentRegistered, AgentID: agentID, SessionID: sessionID})
	return agent
}

// SendMessage validates the recipient, resolves or lazily creates the
// conversation, and attempts delivery. The returned message status is
// DELIVERED if the recipient had a live stream and no queued backlog, QUEUED
// otherwise. A message never overtakes the recipient's backlog: while queued
// messages are pending, new sends join the queue so a stream attached but not
// yet flushed still receives everything in send order.
func (h *Hub) SendMessage(req *protocol.SendMessageRequest) (*Message, error) {
	h.mu.Lock()
	if _, ok := h.agents[req.ToAgent]; !ok {
		h.mu.Unlock()
		return nil, errors.Wrapf(ErrAgentNotFound, "unknown recipient %s", req.ToAgent)
	}

	conversation, started := h.resolveConversationLocked(req.ConversationID, req.FromAgent, req.ToAgent)

	message := &Message{
		ID:               uuid.New().String(),
		FromAgent:        req.FromAgent,
		ToAgent:          req.ToAgent,
		ConversationID:   conversation.ID,
		Payload:          req.Payload,
		Status:           MessageQueued,
		RequiresResponse: req.RequiresResponse,
		ReplyTo:          req.ReplyTo,
		CreatedAt:        time.Now(),
	}
	conversation.Messages = append(conversation.Messages, message)

	if sender, ok := h.agents[req.FromAgent]; ok {
		sender.LastSeen = message.CreatedAt
	}

	recipient := h.agents[req.ToAgent]
	target, bound := h.registry.Get(recipient.sessionID)
	if bound && target.Streaming() && len(h.queues[req.ToAgent]) == 0 {
		h.deliverLocked(recipient, target, message)
	} else {
		h.queues[req.ToAgent] = append(h.queues[req.ToAgent], message)
	}
	status := message.Status
	h.mu.Unlock()

	lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.MessageSent, MessageID: message.ID, ConversationID: message.ConversationID, AgentID: req.FromAgent})
	if started {
		lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.ConversationStarted, ConversationID: conversation.ID})
	}
	switch status {
	case MessageDelivered:
		lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.MessageDelivered, MessageID: message.ID, ConversationID: message.ConversationID, AgentID: req.ToAgent})
	case MessageFailed:
		lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.MessageFailed, MessageID: message.ID, ConversationID: message.ConversationID, AgentID: req.ToAgent})
	}
	return message, nil
}

func (h *Hub) resolveConversationLocked(conversationID, from, to string) (*Conversation, bool) {
	if conversationID != "" {
		if conversation, ok := h.conversations[conversationID]; ok {
			if !conversation.hasParticipant(from) {
				conversation.Participants = append(conversation.Participants, from)
			}
			if !conversation.hasParticipant(to) {
				conversation.Participants = append(conversation.Participants, to)
			}
			return conversation, false
		}
	}
	id := conversationID
	if id == "" {
		id = uuid.New().String()
	}
	conversation := &Conversation{
		ID:           id,
		Participants: []string{from, to},
		Status:       ConversationActive,
		CreatedAt:    time.Now(),
	}
	h.conversations[id] = conversation
	return conversation, true
}

// deliverLocked appends the message as a push notification to the target
// session's event log and updates the message status. Returns false only if
// the notification cannot be encoded, which is the one unexpected routing
// failure modeled.
func (h *Hub) deliverLocked(recipient *Agent, target *session.Session, message *Message) bool {
	message.Status = MessageDelivered
	notification, err := protocol.NewNotification(protocol.NotifyAgentMessage, messageInfo(message))
	var buf []byte
	if err == nil {
		buf, err = json.Marshal(notification)
	}
	if err != nil {
		message.Status = MessageFailed
		h.logger.Error("error encoding message %s for agent %s: %s", message.ID, recipient.ID, err)
		return false
	}
	target.Append(buf)
	recipient.MessagesProcessed++
	recipient.LastSeen = time.Now()
	return true
}

// FlushQueued delivers, in send order, every message queued for the agent
// bound to the given session. The transport calls this through the registry's
// OnStreamOpen hook right after a stream is attached, so queued messages are
// the first live events the reconnecting recipient sees.
func (h *Hub) FlushQueued(target *session.Session) {
	h.mu.Lock()
	var recipient *Agent
	for _, agent := range h.agents {
		if agent.sessionID == target.ID {
			recipient = agent
			break
		}
	}
	if recipient == nil {
		h.mu.Unlock()
		return
	}
	pending := h.queues[recipient.ID]
	delete(h.queues, recipient.ID)

	delivered := make([]*Message, 0, len(pending))
	for _, message := range pending {
		if h.deliverLocked(recipient, target, message) {
			delivered = append(delivered, message)
		}
	}
	h.mu.Unlock()

	if len(delivered) > 0 {
		h.logger.Debug("flushed %d queued messages to agent %s", len(delivered), recipient.ID)
	}
	for _, message := range delivered {
		lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.MessageDelivered, MessageID: message.ID, ConversationID: message.ConversationID, AgentID: recipient.ID})
	}
}

// DisconnectSession flips any agent bound to the removed session to
// DISCONNECTED. Queued messages for the agent are retained for its next
// connection.
func (h *Hub) DisconnectSession(sessionID string) {
	h.mu.Lock()
	var disconnected []string
	for _, agent := range h.agents {
		if agent.sessionID == sessionID && agent.Status == AgentConnected {
			agent.Status = AgentDisconnected
			agent.LastSeen = time.Now()
			disconnected = append(disconnected, agent.ID)
		}
	}
	h.mu.Unlock()

	for _, agentID := range disconnected {
		h.logger.Info("agent %s disconnected (session %s)", agentID, sessionID)
		lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.AgentDisconnected, AgentID: agentID, SessionID: sessionID})
	}
}

// ListAgents returns a directory snapshot.
func (h *Hub) ListAgents() []*Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Agent, 0, len(h.agents))
	for _, agent := range h.agents {
		clone := *agent
		out = append(out, &clone)
	}
	return out
}

// GetConversation returns the thread with its ordered messages.
func (h *Hub) GetConversation(conversationID string) (*Conversation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conversation, ok := h.conversations[conversationID]
	if !ok {
		return nil, errors.Wrapf(ErrConversationNotFound, "unknown conversation %s", conversationID)
	}
	clone := *conversation
	clone.Messages = append([]*Message(nil), conversation.Messages...)
	clone.Participants = append([]string(nil), conversation.Participants...)
	return &clone, nil
}

// CompleteConversation marks a thread COMPLETED. Completing an already
// completed thread is a no-op.
func (h *Hub) CompleteConversation(conversationID string) error {
	h.mu.Lock()
	conversation, ok := h.conversations[conversationID]
	if !ok {
		h.mu.Unlock()
		return errors.Wrapf(ErrConversationNotFound, "unknown conversation %s", conversationID)
	}
	already := conversation.Status == ConversationCompleted
	conversation.Status = ConversationCompleted
	h.mu.Unlock()

	if !already {
		lifecycle.Emit(h.ctx, h.sink, lifecycle.Event{Type: lifecycle.ConversationCompleted, ConversationID: conversationID})
	}
	return nil
}

func messageInfo(message *Message) protocol.MessageInfo {
	return protocol.MessageInfo{
		MessageID:        message.ID,
		FromAgent:        message.FromAgent,
		ToAgent:          message.ToAgent,
		Payload:          message.Payload,
		Status:           string(message.Status),
		ReplyTo:          message.ReplyTo,
		RequiresResponse: message.RequiresResponse,
		CreatedAt:        message.CreatedAt.Format(time.RFC3339Nano),
	}
}
