package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol version the relay speaks.
const JSONRPCVersion = "2.0"

// Error codes returned by the relay. The -32xxx range below -32000 follows the
// JSON-RPC 2.0 reserved codes; the -320xx codes are relay specific.
const (
	CodeParseError     = -32700
	CodeBadRequest     = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32000
	CodeSessionExpired = -32001
	CodeNotFound       = -32002
	CodeUnauthorized   = -32003
)

type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// IsRequest returns true if the message is a call that expects a reply.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true if the message is a call with no reply expected.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// NewResult builds a success reply for the given request id. The value must be
// JSON encodable; encoding failures are returned as an internal error reply so
// the caller always has something valid to send.
func NewResult(id interface{}, value interface{}) *Message {
	buf, err := json.Marshal(value)
	if err != nil {
		return NewError(id, CodeInternal, fmt.Sprintf("error encoding result: %v", err))
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: buf}
}

// NewError builds an error reply for the given request id.
func NewError(id interface{}, code int, message string) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewSessionExpired builds the structured reply for a stateful call that
// carried a missing or unknown session id. This is a normal protocol outcome,
// not a transport failure.
func NewSessionExpired(id interface{}) *Message {
	return NewError(id, CodeSessionExpired, "session expired or not found")
}

// NewNotification builds a server push message with no id.
func NewNotification(method string, value interface{}) (*Message, error) {
	buf, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("error encoding notification params: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: buf}, nil
}
