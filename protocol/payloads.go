package protocol

import (
	"encoding/json"
	"fmt"
)

// Method names accepted by the relay. Hub methods address agents by id; bridge
// methods address the two paired sides.
const (
	MethodRegisterAgent   = "register_agent"
	MethodSendMessage     = "send_message"
	MethodListAgents      = "list_agents"
	MethodGetConversation = "get_conversation"

	MethodCreateSession  = "create_session"
	MethodGetSessionInfo = "get_session_info"
	MethodListSessions   = "list_sessions"
	MethodDeleteSession  = "delete_session"

	MethodSendToPeer = "send_to_peer"
	MethodQueryPeer  = "query_peer"

	// NotifyAgentMessage is the push notification carrying a routed hub message.
	NotifyAgentMessage = "agent_message"
	// NotifyPeerMessage is the push notification carrying a bridged peer message.
	NotifyPeerMessage = "peer_message"
)

type RegisterAgentRequest struct {
	AgentID   string `json:"agent_id"`
	AgentType string `json:"agent_type"`
	Version   string `json:"version,omitempty"`
}

func (r *RegisterAgentRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if r.AgentType == "" {
		return fmt.Errorf("agent_type is required")
	}
	return nil
}

type RegisterAgentResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type SendMessageRequest struct {
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent"`
	Payload          json.RawMessage `json:"payload"`
	ConversationID   string          `json:"conversation_id,omitempty"`
	ReplyTo          string          `json:"reply_to,omitempty"`
	RequiresResponse bool            `json:"requires_response,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	if r.FromAgent == "" {
		return fmt.Errorf("from_agent is required")
	}
	if r.ToAgent == "" {
		return fmt.Errorf("to_agent is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

type SendMessageResponse struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

type ListAgentsResponse struct {
	Agents []AgentInfo `json:"agents"`
	Total  int         `json:"total"`
}

type AgentInfo struct {
	AgentID           string `json:"agent_id"`
	AgentType         string `json:"agent_type"`
	Version           string `json:"version,omitempty"`
	Status            string `json:"status"`
	MessagesProcessed int    `json:"messages_processed"`
	LastSeen          string `json:"last_seen"`
}

type GetConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (r *GetConversationRequest) Validate() error {
	if r.ConversationID == "" {
		return fmt.Errorf("conversation_id is required")
	}
	return nil
}

type GetConversationResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageInfo `json:"messages"`
	Participants   []string      `json:"participants"`
	Status         string        `json:"status"`
}

type MessageInfo struct {
	MessageID        string          `json:"message_id"`
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent"`
	Payload          json.RawMessage `json:"payload"`
	Status           string          `json:"status"`
	ReplyTo          string          `json:"reply_to,omitempty"`
	RequiresResponse bool            `json:"requires_response,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type CreateSessionRequest struct {
	Agent1ID string            `json:"agent1_id"`
	Agent2ID string            `json:"agent2_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *CreateSessionRequest) Validate() error {
	if r.Agent1ID == "" || r.Agent2ID == "" {
		return fmt.Errorf("agent1_id and agent2_id are required")
	}
	return nil
}

type CreateSessionResponse struct {
	SessionID     string `json:"session_id"`
	SideAEndpoint string `json:"side_a_endpoint"`
	SideBEndpoint string `json:"side_b_endpoint"`
}

type SessionInfoRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

type SessionInfo struct {
	SessionID      string            `json:"session_id"`
	Agent1ID       string            `json:"agent1_id"`
	Agent2ID       string            `json:"agent2_id"`
	State          string            `json:"state"`
	SideAConnected bool              `json:"side_a_connected"`
	SideBConnected bool              `json:"side_b_connected"`
	CreatedAt      string            `json:"created_at"`
	LastActivity   string            `json:"last_activity"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

type DeleteSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (r *DeleteSessionRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

type SendToPeerRequest struct {
	Message  json.RawMessage   `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r *SendToPeerRequest) Validate() error {
	if len(r.Message) == 0 {
		return fmt.Errorf("message is required")
	}
	return nil
}

type SendToPeerResponse struct {
	Delivered bool   `json:"delivered"`
	MessageID string `json:"message_id"`
}

type QueryPeerRequest struct {
	Query   string          `json:"query"`
	Context json.RawMessage `json:"context,omitempty"`
}

type QueryPeerResponse struct {
	AvailableCapabilities []string `json:"available_capabilities"`
	PeerAgentID           string   `json:"peer_agent_id"`
	PeerConnected         bool     `json:"peer_connected"`
}

// PeerMessage is the payload of a NotifyPeerMessage push notification.
type PeerMessage struct {
	MessageID string            `json:"message_id"`
	FromSide  string            `json:"from_side"`
	FromAgent string            `json:"from_agent"`
	Message   json.RawMessage   `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SentAt    string            `json:"sent_at"`
}

// DecodeParams unmarshals raw params into the given shape. A nil raw value is
// decoded as an empty object so optional-parameter methods accept bare calls.
func DecodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed params: %w", err)
	}
	if validator, ok := v.(interface{ Validate() error }); ok {
		return validator.Validate()
	}
	return nil
}
