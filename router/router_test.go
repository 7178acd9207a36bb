package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentuity/go-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/relay/bridge"
	"github.com/agentuity/relay/hub"
	"github.com/agentuity/relay/protocol"
	"github.com/agentuity/relay/session"
	"github.com/agentuity/relay/transport"
)

type fixture struct {
	registry *session.Registry
	hub      *hub.Hub
	bridge   *bridge.Bridge
	router   *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewTestLogger()
	registry := session.NewRegistry(context.Background(), log)
	t.Cleanup(registry.Shutdown)
	h := hub.New(context.Background(), log, registry)
	b := bridge.New(context.Background(), log, registry)
	return &fixture{
		registry: registry,
		hub:      h,
		bridge:   b,
		router:   New(log, registry, h, b),
	}
}

func request(t *testing.T, method string, params interface{}) *protocol.Message {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		buf, err := json.Marshal(params)
		require.NoError(t, err)
		raw = buf
	}
	return &protocol.Message{JSONRPC: protocol.JSONRPCVersion, ID: 1, Method: method, Params: raw}
}

func decodeResult(t *testing.T, reply *protocol.Message, v interface{}) {
	t.Helper()
	require.NotNil(t, reply)
	require.Nil(t, reply.Error, "unexpected error reply: %v", reply.Error)
	require.NoError(t, json.Unmarshal(reply.Result, v))
}

func hubScope() transport.Scope {
	return transport.Scope{Kind: transport.EndpointHub}
}

func TestRegisterAgentAndListAgents(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})
	ctx := context.Background()

	reply := f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodRegisterAgent, protocol.RegisterAgentRequest{AgentID: "a1", AgentType: "worker"}))
	var registered protocol.RegisterAgentResponse
	decodeResult(t, reply, &registered)
	assert.Equal(t, "a1", registered.AgentID)
	assert.Equal(t, "CONNECTED", registered.Status)

	reply = f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodListAgents, nil))
	var listed protocol.ListAgentsResponse
	decodeResult(t, reply, &listed)
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, "a1", listed.Agents[0].AgentID)
	assert.Equal(t, "CONNECTED", listed.Agents[0].Status)
	assert.Equal(t, 0, listed.Agents[0].MessagesProcessed)
}

func TestSendMessageNotFound(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})
	f.hub.RegisterAgent("a1", "worker", "", sess.ID)

	reply := f.router.HandleMessage(context.Background(), sess, hubScope(), request(t, protocol.MethodSendMessage, protocol.SendMessageRequest{
		FromAgent: "a1", ToAgent: "a2", Payload: json.RawMessage(`{"x":1}`),
	}))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeNotFound, reply.Error.Code)
	assert.Nil(t, reply.Result, "no message id on a rejected send")
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})

	reply := f.router.HandleMessage(context.Background(), sess, hubScope(), request(t, protocol.MethodSendMessage, map[string]string{"from_agent": "a1"}))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeInvalidParams, reply.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})

	reply := f.router.HandleMessage(context.Background(), sess, hubScope(), request(t, "bogus", nil))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, reply.Error.Code)
}

func TestNotificationsAreIgnored(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})

	msg := &protocol.Message{JSONRPC: protocol.JSONRPCVersion, Method: "anything"}
	assert.Nil(t, f.router.HandleMessage(context.Background(), sess, hubScope(), msg))
}

func TestBridgeManagementSurface(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})
	ctx := context.Background()

	reply := f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodCreateSession, protocol.CreateSessionRequest{Agent1ID: "a1", Agent2ID: "a2"}))
	var created protocol.CreateSessionResponse
	decodeResult(t, reply, &created)
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, transport.BridgeSidePath(created.SessionID, "a"), created.SideAEndpoint)
	assert.Equal(t, transport.BridgeSidePath(created.SessionID, "b"), created.SideBEndpoint)

	reply = f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodGetSessionInfo, protocol.SessionInfoRequest{SessionID: created.SessionID}))
	var info protocol.SessionInfo
	decodeResult(t, reply, &info)
	assert.Equal(t, "a1", info.Agent1ID)
	assert.Equal(t, "CREATED", info.State)

	reply = f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodListSessions, nil))
	var listed protocol.ListSessionsResponse
	decodeResult(t, reply, &listed)
	assert.Equal(t, 1, listed.Total)

	reply = f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodDeleteSession, protocol.DeleteSessionRequest{SessionID: created.SessionID}))
	require.Nil(t, reply.Error)

	reply = f.router.HandleMessage(ctx, sess, hubScope(), request(t, protocol.MethodGetSessionInfo, protocol.SessionInfoRequest{SessionID: created.SessionID}))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeNotFound, reply.Error.Code)
}

func TestBridgeSideSurface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bs := f.bridge.CreateSession("a1", "a2", nil)

	sideA := f.registry.Register(session.ClientInfo{})
	scopeA := transport.Scope{Kind: transport.EndpointBridgeSide, BridgeSessionID: bs.ID, Side: "a", Capabilities: []string{"summarize"}}
	require.NoError(t, f.router.SessionOpened(ctx, sideA, scopeA))

	// Peer not connected yet.
	reply := f.router.HandleMessage(ctx, sideA, scopeA, request(t, protocol.MethodSendToPeer, protocol.SendToPeerRequest{Message: json.RawMessage(`"hi"`)}))
	var sent protocol.SendToPeerResponse
	decodeResult(t, reply, &sent)
	assert.False(t, sent.Delivered)

	sideB := f.registry.Register(session.ClientInfo{})
	scopeB := transport.Scope{Kind: transport.EndpointBridgeSide, BridgeSessionID: bs.ID, Side: "b"}
	require.NoError(t, f.router.SessionOpened(ctx, sideB, scopeB))

	reply = f.router.HandleMessage(ctx, sideA, scopeA, request(t, protocol.MethodSendToPeer, protocol.SendToPeerRequest{Message: json.RawMessage(`"hi"`)}))
	decodeResult(t, reply, &sent)
	assert.True(t, sent.Delivered)
	assert.Equal(t, 1, sideB.Log.Len())

	// get_session_info from side B reports the pairing.
	reply = f.router.HandleMessage(ctx, sideB, scopeB, request(t, protocol.MethodGetSessionInfo, nil))
	var info protocol.SessionInfo
	decodeResult(t, reply, &info)
	assert.Equal(t, "a1", info.Agent1ID)
	assert.Equal(t, "BOTH_CONNECTED", info.State)

	// query_peer from side B sees side A's declared capabilities.
	reply = f.router.HandleMessage(ctx, sideB, scopeB, request(t, protocol.MethodQueryPeer, protocol.QueryPeerRequest{Query: "capabilities"}))
	var queried protocol.QueryPeerResponse
	decodeResult(t, reply, &queried)
	assert.Equal(t, []string{"summarize"}, queried.AvailableCapabilities)
	assert.Equal(t, "a1", queried.PeerAgentID)
	assert.True(t, queried.PeerConnected)
}

func TestSessionOpenedUnknownBridgeSession(t *testing.T) {
	f := newFixture(t)
	sess := f.registry.Register(session.ClientInfo{})
	err := f.router.SessionOpened(context.Background(), sess, transport.Scope{
		Kind: transport.EndpointBridgeSide, BridgeSessionID: "missing", Side: "a",
	})
	assert.ErrorIs(t, err, bridge.ErrSessionNotFound)
}

func TestRegistryHooksWired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	receiver := f.registry.Register(session.ClientInfo{})
	sender := f.registry.Register(session.ClientInfo{})
	f.hub.RegisterAgent("a1", "worker", "", sender.ID)
	f.hub.RegisterAgent("a2", "worker", "", receiver.ID)

	reply := f.router.HandleMessage(ctx, sender, hubScope(), request(t, protocol.MethodSendMessage, protocol.SendMessageRequest{
		FromAgent: "a1", ToAgent: "a2", Payload: json.RawMessage(`{"x":1}`),
	}))
	var sent protocol.SendMessageResponse
	decodeResult(t, reply, &sent)
	assert.Equal(t, "QUEUED", sent.Status)

	// Opening the recipient's stream flushes the queue through the
	// registry hook.
	_, live, closer := receiver.OpenStream("")
	defer closer()
	f.registry.StreamOpened(receiver)
	select {
	case event := <-live:
		assert.Contains(t, string(event.Payload), sent.MessageID)
	default:
		t.Fatal("queued message was not flushed on stream open")
	}

	// Removing a session disconnects its agent and releases bridge sides.
	bs := f.bridge.CreateSession("a1", "a2", nil)
	require.NoError(t, f.bridge.ConnectSide(bs.ID, bridge.SideA, sender.ID, nil))
	f.registry.Remove(sender.ID, session.RemoveExpired)

	for _, agent := range f.hub.ListAgents() {
		if agent.ID == "a1" {
			assert.Equal(t, hub.AgentDisconnected, agent.Status)
		}
	}
	_, err := f.bridge.GetSession(bs.ID)
	assert.ErrorIs(t, err, bridge.ErrSessionNotFound)
}
