// Package router binds the wire protocol to the hub and bridge: it decodes
// typed params, dispatches to the right component for the endpoint scope, and
// maps component errors onto the stable protocol error codes. The router
// itself is stateless; every map lives in the component that owns it, so any
// number of independent relay instances can run in one process.
package router

import (
	"context"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/cockroachdb/errors"

	"github.com/agentuity/relay/bridge"
	"github.com/agentuity/relay/hub"
	"github.com/agentuity/relay/protocol"
	"github.com/agentuity/relay/session"
	"github.com/agentuity/relay/transport"
)

// Router implements transport.Handler over one relay context.
type Router struct {
	logger   logger.Logger
	registry *session.Registry
	hub      *hub.Hub
	bridge   *bridge.Bridge
}

var _ transport.Handler = (*Router)(nil)

// New wires a router into the registry's lifecycle hooks: stream opens flush
// the hub's queued messages, and session removal disconnects bound agents and
// releases bridge sides.
func New(log logger.Logger, registry *session.Registry, h *hub.Hub, b *bridge.Bridge) *Router {
	r := &Router{
		logger:   log.WithPrefix("[router]"),
		registry: registry,
		hub:      h,
		bridge:   b,
	}
	registry.OnStreamOpen = func(sess *session.Session) {
		h.FlushQueued(sess)
	}
	registry.OnRemove = func(sess *session.Session, reason session.RemoveReason) {
		h.DisconnectSession(sess.ID)
		b.ReleaseRelaySession(sess.ID)
	}
	return r
}

// SessionOpened binds bridge-side handshakes to their side. Hub handshakes
// need no binding.
func (r *Router) SessionOpened(ctx context.Context, sess *session.Session, scope transport.Scope) error {
	if scope.Kind != transport.EndpointBridgeSide {
		return nil
	}
	return r.bridge.ConnectSide(scope.BridgeSessionID, bridge.Side(scope.Side), sess.ID, scope.Capabilities)
}

// HandleMessage dispatches one request.
func (r *Router) HandleMessage(ctx context.Context, sess *session.Session, scope transport.Scope, msg *protocol.Message) *protocol.Message {
	if msg.IsNotification() {
		// The relay defines no client notifications today; they are accepted
		// and ignored so well-behaved clients are not failed.
		r.logger.Debug("ignoring notification %s on session %s", msg.Method, sess.ID)
		return nil
	}

	var reply *protocol.Message
	if scope.Kind == transport.EndpointBridgeSide {
		reply = r.handleBridgeSide(ctx, sess, scope, msg)
	} else {
		reply = r.handleHub(ctx, sess, msg)
	}
	return reply
}

func (r *Router) handleHub(ctx context.Context, sess *session.Session, msg *protocol.Message) *protocol.Message {
	switch msg.Method {
	case protocol.MethodRegisterAgent:
		var req protocol.RegisterAgentRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		agent := r.hub.RegisterAgent(req.AgentID, req.AgentType, req.Version, sess.ID)
		return protocol.NewResult(msg.ID, protocol.RegisterAgentResponse{
			AgentID: agent.ID,
			Status:  string(agent.Status),
		})

	case protocol.MethodSendMessage:
		var req protocol.SendMessageRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		message, err := r.hub.SendMessage(&req)
		if err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		return protocol.NewResult(msg.ID, protocol.SendMessageResponse{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			Status:         string(message.Status),
		})

	case protocol.MethodListAgents:
		agents := r.hub.ListAgents()
		resp := protocol.ListAgentsResponse{Agents: make([]protocol.AgentInfo, 0, len(agents)), Total: len(agents)}
		for _, agent := range agents {
			resp.Agents = append(resp.Agents, protocol.AgentInfo{
				AgentID:           agent.ID,
				AgentType:         agent.Type,
				Version:           agent.Version,
				Status:            string(agent.Status),
				MessagesProcessed: agent.MessagesProcessed,
				LastSeen:          agent.LastSeen.Format(time.RFC3339Nano),
			})
		}
		return protocol.NewResult(msg.ID, resp)

	case protocol.MethodGetConversation:
		var req protocol.GetConversationRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		conversation, err := r.hub.GetConversation(req.ConversationID)
		if err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		resp := protocol.GetConversationResponse{
			ConversationID: conversation.ID,
			Participants:   conversation.Participants,
			Status:         string(conversation.Status),
			Messages:       make([]protocol.MessageInfo, 0, len(conversation.Messages)),
		}
		for _, message := range conversation.Messages {
			resp.Messages = append(resp.Messages, protocol.MessageInfo{
				MessageID:        message.ID,
				FromAgent:        message.FromAgent,
				ToAgent:          message.ToAgent,
				Payload:          message.Payload,
				Status:           string(message.Status),
				ReplyTo:          message.ReplyTo,
				RequiresResponse: message.RequiresResponse,
				CreatedAt:        message.CreatedAt.Format(time.RFC3339Nano),
			})
		}
		return protocol.NewResult(msg.ID, resp)

	case protocol.MethodCreateSession:
		var req protocol.CreateSessionRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		bs := r.bridge.CreateSession(req.Agent1ID, req.Agent2ID, req.Metadata)
		return protocol.NewResult(msg.ID, protocol.CreateSessionResponse{
			SessionID:     bs.ID,
			SideAEndpoint: transport.BridgeSidePath(bs.ID, string(bridge.SideA)),
			SideBEndpoint: transport.BridgeSidePath(bs.ID, string(bridge.SideB)),
		})

	case protocol.MethodGetSessionInfo:
		var req protocol.SessionInfoRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		if req.SessionID == "" {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, "session_id is required")
		}
		info, err := r.bridge.GetSession(req.SessionID)
		if err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		return protocol.NewResult(msg.ID, sessionInfo(info))

	case protocol.MethodListSessions:
		infos := r.bridge.ListSessions()
		resp := protocol.ListSessionsResponse{Sessions: make([]protocol.SessionInfo, 0, len(infos)), Total: len(infos)}
		for _, info := range infos {
			resp.Sessions = append(resp.Sessions, sessionInfo(info))
		}
		return protocol.NewResult(msg.ID, resp)

	case protocol.MethodDeleteSession:
		var req protocol.DeleteSessionRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		if err := r.bridge.DeleteSession(req.SessionID); err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		return protocol.NewResult(msg.ID, map[string]bool{"deleted": true})

	default:
		return protocol.NewError(msg.ID, protocol.CodeMethodNotFound, "unknown method "+msg.Method)
	}
}

func (r *Router) handleBridgeSide(ctx context.Context, sess *session.Session, scope transport.Scope, msg *protocol.Message) *protocol.Message {
	bridgeSessionID, side, err := r.bridge.Resolve(sess.ID)
	if err != nil {
		// The binding can disappear underneath a live transport when the
		// bridge session is deleted from the management surface.
		return r.ErrorReply(msg.ID, err)
	}

	switch msg.Method {
	case protocol.MethodSendToPeer:
		var req protocol.SendToPeerRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		delivered, messageID, err := r.bridge.RouteMessage(bridgeSessionID, side, req.Message, req.Metadata)
		if err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		return protocol.NewResult(msg.ID, protocol.SendToPeerResponse{
			Delivered: delivered,
			MessageID: messageID,
		})

	case protocol.MethodQueryPeer:
		var req protocol.QueryPeerRequest
		if err := protocol.DecodeParams(msg.Params, &req); err != nil {
			return protocol.NewError(msg.ID, protocol.CodeInvalidParams, err.Error())
		}
		capabilities, peerAgentID, connected, err := r.bridge.QueryPeer(bridgeSessionID, side)
		if err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		if capabilities == nil {
			capabilities = []string{}
		}
		return protocol.NewResult(msg.ID, protocol.QueryPeerResponse{
			AvailableCapabilities: capabilities,
			PeerAgentID:           peerAgentID,
			PeerConnected:         connected,
		})

	case protocol.MethodGetSessionInfo:
		info, err := r.bridge.GetSession(bridgeSessionID)
		if err != nil {
			return r.ErrorReply(msg.ID, err)
		}
		return protocol.NewResult(msg.ID, sessionInfo(info))

	default:
		return protocol.NewError(msg.ID, protocol.CodeMethodNotFound, "unknown method "+msg.Method)
	}
}

// ErrorReply maps component errors onto stable protocol codes. Anything
// unrecognized is INTERNAL; internal details are logged, not leaked.
func (r *Router) ErrorReply(id interface{}, err error) *protocol.Message {
	switch {
	case errors.Is(err, hub.ErrAgentNotFound),
		errors.Is(err, hub.ErrConversationNotFound),
		errors.Is(err, bridge.ErrSessionNotFound):
		return protocol.NewError(id, protocol.CodeNotFound, err.Error())
	case errors.Is(err, bridge.ErrInvalidSide),
		errors.Is(err, bridge.ErrSideNotConnected):
		return protocol.NewError(id, protocol.CodeBadRequest, err.Error())
	default:
		r.logger.Error("internal routing error: %s", err)
		return protocol.NewError(id, protocol.CodeInternal, "internal error")
	}
}

func sessionInfo(info bridge.Info) protocol.SessionInfo {
	return protocol.SessionInfo{
		SessionID:      info.ID,
		Agent1ID:       info.Agent1ID,
		Agent2ID:       info.Agent2ID,
		State:          string(info.State),
		SideAConnected: info.SideAConnected,
		SideBConnected: info.SideBConnected,
		CreatedAt:      info.CreatedAt.Format(time.RFC3339Nano),
		LastActivity:   info.LastActivity.Format(time.RFC3339Nano),
		Metadata:       info.Metadata,
	}
}
