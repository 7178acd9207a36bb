package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentuity/go-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentuity/relay/protocol"
	"github.com/agentuity/relay/session"
)

func newTestHub(t *testing.T) (*Hub, *session.Registry) {
	t.Helper()
	registry := session.NewRegistry(context.Background(), logger.NewTestLogger())
	t.Cleanup(registry.Shutdown)
	h := New(context.Background(), logger.NewTestLogger(), registry)
	return h, registry
}

func decodeNotification(t *testing.T, payload []byte) (string, protocol.MessageInfo) {
	t.Helper()
	var message protocol.Message
	require.NoError(t, json.Unmarshal(payload, &message))
	var info protocol.MessageInfo
	require.NoError(t, json.Unmarshal(message.Params, &info))
	return message.Method, info
}

func TestRegisterAgentAndList(t *testing.T) {
	h, registry := newTestHub(t)
	sess := registry.Register(session.ClientInfo{})

	h.RegisterAgent("a1", "worker", "1.0", sess.ID)

	agents := h.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].ID)
	assert.Equal(t, "worker", agents[0].Type)
	assert.Equal(t, AgentConnected, agents[0].Status)
	assert.Equal(t, 0, agents[0].MessagesProcessed)
}

func TestReRegisterKeepsCounters(t *testing.T) {
	h, registry := newTestHub(t)
	sess := registry.Register(session.ClientInfo{})

	agent := h.RegisterAgent("a1", "worker", "1.0", sess.ID)
	agent.MessagesProcessed = 7
	h.DisconnectSession(sess.ID)

	next := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "1.1", next.ID)

	agents := h.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, AgentConnected, agents[0].Status)
	assert.Equal(t, "1.1", agents[0].Version)
	assert.Equal(t, 7, agents[0].MessagesProcessed)
}

func TestSendMessageToUnknownAgent(t *testing.T) {
	h, registry := newTestHub(t)
	sess := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sess.ID)

	_, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1",
		ToAgent:   "a2",
		Payload:   json.RawMessage(`{"x":1}`),
	})
	require.ErrorIs(t, err, ErrAgentNotFound)

	// No conversation may be created for a rejected send.
	h.mu.Lock()
	assert.Empty(t, h.conversations)
	h.mu.Unlock()
}

func TestSendMessageQueuedWhileOffline(t *testing.T) {
	h, registry := newTestHub(t)
	sender := registry.Register(session.ClientInfo{})
	receiver := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sender.ID)
	h.RegisterAgent("a2", "worker", "", receiver.ID)

	message, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1",
		ToAgent:   "a2",
		Payload:   json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, MessageQueued, message.Status)
	assert.NotEmpty(t, message.ID)
	assert.NotEmpty(t, message.ConversationID)
	assert.Equal(t, 0, receiver.Log.Len())

	// Opening the recipient's stream flushes the queue in send order.
	_, live, closer := receiver.OpenStream("")
	defer closer()
	h.FlushQueued(receiver)

	assert.Equal(t, MessageDelivered, message.Status)
	event := <-live
	method, info := decodeNotification(t, event.Payload)
	assert.Equal(t, protocol.NotifyAgentMessage, method)
	assert.Equal(t, message.ID, info.MessageID)
	assert.Equal(t, "a1", info.FromAgent)

	agents := h.ListAgents()
	for _, agent := range agents {
		if agent.ID == "a2" {
			assert.Equal(t, 1, agent.MessagesProcessed)
		}
	}
}

func TestSendMessageNeverOvertakesQueuedBacklog(t *testing.T) {
	h, registry := newTestHub(t)
	sender := registry.Register(session.ClientInfo{})
	receiver := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sender.ID)
	h.RegisterAgent("a2", "worker", "", receiver.ID)

	first, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1",
		ToAgent:   "a2",
		Payload:   json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, MessageQueued, first.Status)

	// The stream is attached but the backlog has not been flushed yet. A send
	// landing in that window must join the queue, not jump it.
	_, live, closer := receiver.OpenStream("")
	defer closer()
	require.True(t, receiver.Streaming())

	second, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1",
		ToAgent:   "a2",
		Payload:   json.RawMessage(`{"n":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, MessageQueued, second.Status)
	assert.Equal(t, 0, receiver.Log.Len())

	h.FlushQueued(receiver)
	assert.Equal(t, MessageDelivered, first.Status)
	assert.Equal(t, MessageDelivered, second.Status)

	_, oldest := decodeNotification(t, (<-live).Payload)
	assert.Equal(t, first.ID, oldest.MessageID)
	_, next := decodeNotification(t, (<-live).Payload)
	assert.Equal(t, second.ID, next.MessageID)

	replayed := receiver.Log.ReplayFrom("")
	require.Len(t, replayed, 2)
	_, info := decodeNotification(t, replayed[0].Payload)
	assert.Equal(t, first.ID, info.MessageID)
	_, info = decodeNotification(t, replayed[1].Payload)
	assert.Equal(t, second.ID, info.MessageID)
}

func TestSendMessageDeliveredLive(t *testing.T) {
	h, registry := newTestHub(t)
	sender := registry.Register(session.ClientInfo{})
	receiver := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sender.ID)
	h.RegisterAgent("a2", "worker", "", receiver.ID)

	_, live, closer := receiver.OpenStream("")
	defer closer()

	message, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1",
		ToAgent:   "a2",
		Payload:   json.RawMessage(`{"greeting":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, MessageDelivered, message.Status)

	event := <-live
	_, info := decodeNotification(t, event.Payload)
	assert.Equal(t, message.ID, info.MessageID)
	assert.Equal(t, string(MessageDelivered), info.Status)
}

func TestConversationOrdering(t *testing.T) {
	h, registry := newTestHub(t)
	sess := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sess.ID)
	h.RegisterAgent("a2", "worker", "", sess.ID)

	first, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1", ToAgent: "a2", Payload: json.RawMessage(`1`),
	})
	require.NoError(t, err)
	second, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a2", ToAgent: "a1", Payload: json.RawMessage(`2`),
		ConversationID: first.ConversationID, ReplyTo: first.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	conversation, err := h.GetConversation(first.ConversationID)
	require.NoError(t, err)
	require.Len(t, conversation.Messages, 2)
	assert.Equal(t, first.ID, conversation.Messages[0].ID)
	assert.Equal(t, second.ID, conversation.Messages[1].ID)
	assert.ElementsMatch(t, []string{"a1", "a2"}, conversation.Participants)
	assert.Equal(t, ConversationActive, conversation.Status)
}

func TestGetConversationNotFound(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.GetConversation("missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCompleteConversation(t *testing.T) {
	h, registry := newTestHub(t)
	sess := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sess.ID)
	h.RegisterAgent("a2", "worker", "", sess.ID)

	message, err := h.SendMessage(&protocol.SendMessageRequest{
		FromAgent: "a1", ToAgent: "a2", Payload: json.RawMessage(`1`),
	})
	require.NoError(t, err)

	require.NoError(t, h.CompleteConversation(message.ConversationID))
	require.NoError(t, h.CompleteConversation(message.ConversationID), "repeat completion is a no-op")

	conversation, err := h.GetConversation(message.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, ConversationCompleted, conversation.Status)

	assert.ErrorIs(t, h.CompleteConversation("missing"), ErrConversationNotFound)
}

func TestDisconnectSession(t *testing.T) {
	h, registry := newTestHub(t)
	sess := registry.Register(session.ClientInfo{})
	h.RegisterAgent("a1", "worker", "", sess.ID)

	h.DisconnectSession(sess.ID)
	agents := h.ListAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, AgentDisconnected, agents[0].Status)

	// Unknown sessions are ignored.
	h.DisconnectSession("nope")
}
