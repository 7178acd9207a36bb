package hub

import (
	"encoding/json"
	"time"
)

// AgentStatus is the directory status of a registered agent.
type AgentStatus string

const (
	AgentConnected    AgentStatus = "CONNECTED"
	AgentDisconnected AgentStatus = "DISCONNECTED"
)

// Agent is one named participant. Agents are never deleted from the
// directory; disconnecting only flips the status so history and counters
// survive reconnects.
type Agent struct {
	ID                string
	Type              string
	Version           string
	Status            AgentStatus
	MessagesProcessed int
	LastSeen          time.Time

	// sessionID is the relay session the agent registered over; push
	// delivery goes to this session's event log.
	sessionID string
}

// MessageStatus tracks delivery of a routed message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "QUEUED"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageFailed    MessageStatus = "FAILED"
)

// Message is one routed point-to-point message.
type Message struct {
	ID               string
	FromAgent        string
	ToAgent          string
	ConversationID   string
	Payload          json.RawMessage
	Status           MessageStatus
	RequiresResponse bool
	ReplyTo          string
	CreatedAt        time.Time
}

// ConversationStatus is the thread status.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "ACTIVE"
	ConversationCompleted ConversationStatus = "COMPLETED"
)

// Conversation is an ordered thread of messages. Messages are always
// appended in send order.
type Conversation struct {
	ID           string
	Participants []string
	Messages     []*Message
	Status       ConversationStatus
	CreatedAt    time.Time
}

func (c *Conversation) hasParticipant(agentID string) bool {
	for _, p := range c.Participants {
		if p == agentID {
			return true
		}
	}
	return false
}
