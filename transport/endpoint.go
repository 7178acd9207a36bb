// Package transport defines the contract between a transport endpoint and the
// relay's request router. An endpoint owns the wire protocol (handshake,
// request/response channel, server push stream); the handler owns what the
// decoded calls mean.
package transport

import (
	"context"

	"github.com/agentuity/relay/protocol"
	"github.com/agentuity/relay/session"
)

// EndpointKind distinguishes the hub surface from a bridge side surface.
type EndpointKind string

const (
	// EndpointHub serves the agent directory, routing and bridge management
	// methods.
	EndpointHub EndpointKind = "hub"
	// EndpointBridgeSide serves the side surface of one bridge session.
	EndpointBridgeSide EndpointKind = "bridge-side"
)

// Scope describes which endpoint a session handshook through. For bridge
// sides it carries the bridge session id, the side and the capability names
// the connecting client declared.
type Scope struct {
	Kind            EndpointKind
	BridgeSessionID string
	Side            string
	Capabilities    []string
}

// BridgeSidePath returns the endpoint path for one side of a bridge session,
// relative to the transport's base path.
func BridgeSidePath(bridgeSessionID, side string) string {
	return "bridge/" + bridgeSessionID + "/" + side
}

// Handler is what an endpoint dispatches into.
type Handler interface {
	// SessionOpened is called once per handshake, after the session has been
	// created in the registry. Returning an error rejects the handshake and
	// the endpoint removes the just-created session.
	SessionOpened(ctx context.Context, sess *session.Session, scope Scope) error

	// HandleMessage dispatches one decoded request and returns the reply to
	// send. Notifications return nil.
	HandleMessage(ctx context.Context, sess *session.Session, scope Scope, msg *protocol.Message) *protocol.Message

	// ErrorReply maps a handler error, such as a SessionOpened rejection, onto
	// the protocol error reply carrying its stable code.
	ErrorReply(id interface{}, err error) *protocol.Message
}
