// Package bridge pairs exactly two protocol endpoints so each can route
// messages to the other without going through the hub's agent directory. A
// bridge session names the two agents up front; each side then connects its
// own relay session and messages sent on one side surface as push
// notifications in the other side's event log.
package bridge

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

// Side addresses one of the two bridge endpoints.
type Side string

const (
	SideA Side = "a"
	SideB Side = "b"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Valid reports whether the side is "a" or "b".
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// State of a bridge session.
type State string

const (
	StateCreated          State = "CREATED"
	StateOneSideConnected State = "ONE_SIDE_CONNECTED"
	StateBothConnected    State = "BOTH_CONNECTED"
)

var (
	// ErrSessionNotFound is returned for operations against an unknown
	// bridge session id.
	ErrSessionNotFound = errors.New("bridge session not found")
	// ErrInvalidSide is returned when the side is neither "a" nor "b".
	ErrInvalidSide = errors.New("invalid bridge side")
	// ErrSideNotConnected is returned for side-surface calls from a relay
	// session that is not bound to any bridge side.
	ErrSideNotConnected = errors.New("side not connected to a bridge session")
)

type binding struct {
	relaySessionID string
	capabilities   []string
}

// Session is one two-endpoint pairing. Fields below the bridge mutex are
// guarded by it.
type Session struct {
	ID        string
	AgentA    string
	AgentB    string
	CreatedAt time.Time
	Metadata  map[string]string

	lastActivity time.Time
	sides        map[Side]*binding
}

func (s *Session) state() State {
	switch len(s.sides) {
	case 2:
		return StateBothConnected
	case 1:
		return StateOneSideConnected
	default:
		return StateCreated
	}
}

func (s *Session) agentFor(side Side) string {
	if side == SideA {
		return s.AgentA
	}
	return s.AgentB
}

// Info is a read-only snapshot of a bridge session.
type Info struct {
	ID             string
	Agent1ID       string
	Agent2ID       string
	State          State
	SideAConnected bool
	SideBConnected bool
	CreatedAt      time.Time
	LastActivity   time.Time
	Metadata       map[string]string
}

// sideRef resolves a relay session back to its bridge binding.
type sideRef struct {
	sessionID string
	side      Side
}

// Bridge owns the bridge-session table and the reverse index from relay
// sessions to sides.
type Bridge struct {
	ctx      context.Context
	logger   logger.Logger
	sink     lifecycle.Sink
	registry *session.Registry

	mu        sync.Mutex
	sessions  map[string]*Session
	bySession map[string]sideRef
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLifecycleSink sets the sink bridge lifecycle events are emitted to.
func WithLifecycleSink(sink lifecycle.Sink) Option {
	return func(b *Bridge) {
		b.sink = sink
	}
}

// New creates a bridge bound to the given session registry.
func New(ctx context.Context, log logger.Logger, registry *session.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		ctx:       ctx,
		logger:    log.WithPrefix("[bridge]"),
		sink:      lifecycle.Discard,
		registry:  registry,
		sessions:  make(map[string]*Session),
		bySession: make(map[string]sideRef),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateSession allocates a bridge session with no transports bound.
func (b *Bridge) CreateSession(agentA, agentB string, metadata map[string]string) *Session {
	now := time.Now()
	bs := &Session{
		ID:           uuid.New().String(),
		AgentA:       agentA,
		AgentB:       agentB,
		CreatedAt:    now,
		Metadata:     metadata,
		lastActivity: now,
		sides:        make(map[Side]*binding),
	}
	b.mu.Lock()
	b.sessions[bs.ID] = bs
	b.mu.Unlock()

	b.logger.Info("bridge session %s created for %s <-> %s", bs.ID, agentA, agentB)
	lifecycle.Emit(b.ctx, b.sink, lifecycle.Event{Type: lifecycle.BridgeSessionCreated, SessionID: bs.ID})
	return bs
}

// ConnectSide binds a relay session to one side. Reconnecting a side replaces
// its previous binding; the declared capability names are what the opposite
// side sees from query_peer.
func (b *Bridge) ConnectSide(sessionID string, side Side, relaySessionID string, capabilities []string) error {
	if !side.Valid() {
		return errors.Wrapf(ErrInvalidSide, "%q", side)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		return errors.Wrapf(ErrSessionNotFound, "%s", sessionID)
	}
	if previous, bound := bs.sides[side]; bound {
		delete(b.bySession, previous.relaySessionID)
	}
	bs.sides[side] = &binding{relaySessionID: relaySessionID, capabilities: capabilities}
	b.bySession[relaySessionID] = sideRef{sessionID: sessionID, side: side}
	bs.lastActivity = time.Now()
	b.logger.Debug("bridge session %s side %s connected (relay session %s)", sessionID, side, relaySessionID)
	return nil
}

// DisconnectSide unbinds one side. Teardown is two-phase: the bridge session
// stays resident while the other side remains bound and is removed only when
// the second side disconnects, so routing to a still-connected side is never
// dropped. Unknown sessions and already-unbound sides are no-ops.
func (b *Bridge) DisconnectSide(sessionID string, side Side) {
	b.mu.Lock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if bound, exists := bs.sides[side]; exists {
		delete(b.bySession, bound.relaySessionID)
		delete(bs.sides, side)
	}
	closed := len(bs.sides) == 0
	if closed {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()

	if closed {
		b.logger.Info("bridge session %s closed", sessionID)
		lifecycle.Emit(b.ctx, b.sink, lifecycle.Event{Type: lifecycle.BridgeSessionClosed, SessionID: sessionID})
	}
}

// ReleaseRelaySession unbinds whatever side the given relay session was
// connected to. The registry's removal hook calls this so an expired or
// terminated transport cannot leave a dangling binding.
func (b *Bridge) ReleaseRelaySession(relaySessionID string) {
	b.mu.Lock()
	ref, ok := b.bySession[relaySessionID]
	b.mu.Unlock()
	if ok {
		b.DisconnectSide(ref.sessionID, ref.side)
	}
}

// Resolve returns the bridge binding for a relay session, used to dispatch
// side-surface calls.
func (b *Bridge) Resolve(relaySessionID string) (sessionID string, side Side, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.bySession[relaySessionID]
	if !ok {
		return "", "", ErrSideNotConnected
	}
	return ref.sessionID, ref.side, nil
}

// RouteMessage wraps the payload as a peer_message notification and appends
// it to the opposite side's event log, but only if that side currently has a
// bound transport with a live relay session. delivered=false is a normal
// outcome the caller branches on, never an error.
func (b *Bridge) RouteMessage(sessionID string, fromSide Side, payload json.RawMessage, metadata map[string]string) (delivered bool, messageID string, err error) {
	if !fromSide.Valid() {
		return false, "", errors.Wrapf(ErrInvalidSide, "%q", fromSide)
	}
	b.mu.Lock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return false, "", errors.Wrapf(ErrSessionNotFound, "%s", sessionID)
	}
	bs.lastActivity = time.Now()
	messageID = uuid.New().String()
	peer := bs.sides[fromSide.Opposite()]
	fromAgent := bs.agentFor(fromSide)
	b.mu.Unlock()

	if peer == nil {
		return false, messageID, nil
	}
	target, ok := b.registry.Get(peer.relaySessionID)
	if !ok {
		// The peer's transport expired underneath its binding; release the
		// binding so the session table reflects reality.
		b.ReleaseRelaySession(peer.relaySessionID)
		return false, messageID, nil
	}

	notification, err := protocol.NewNotification(protocol.NotifyPeerMessage, protocol.PeerMessage{
		MessageID: messageID,
		FromSide:  string(fromSide),
		FromAgent: fromAgent,
		Message:   payload,
		Metadata:  metadata,
		SentAt:    time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, messageID, errors.Wrap(err, "error encoding peer message")
	}
	buf, err := json.Marshal(notification)
	if err != nil {
		return false, messageID, errors.Wrap(err, "error encoding peer message")
	}
	target.Append(buf)
	return true, messageID, nil
}

// QueryPeer returns the peer's declared capability names without invoking
// anything on it.
func (b *Bridge) QueryPeer(sessionID string, fromSide Side) (capabilities []string, peerAgentID string, connected bool, err error) {
	if !fromSide.Valid() {
		return nil, "", false, errors.Wrapf(ErrInvalidSide, "%q", fromSide)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		return nil, "", false, errors.Wrapf(ErrSessionNotFound, "%s", sessionID)
	}
	peerAgentID = bs.agentFor(fromSide.Opposite())
	peer := bs.sides[fromSide.Opposite()]
	if peer == nil {
		return nil, peerAgentID, false, nil
	}
	return append([]string(nil), peer.capabilities...), peerAgentID, true, nil
}

// GetSession returns a snapshot of one bridge session.
func (b *Bridge) GetSession(sessionID string) (Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		return Info{}, errors.Wrapf(ErrSessionNotFound, "%s", sessionID)
	}
	return b.infoLocked(bs), nil
}

// ListSessions returns snapshots of every resident bridge session.
func (b *Bridge) ListSessions() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Info, 0, len(b.sessions))
	for _, bs := range b.sessions {
		out = append(out, b.infoLocked(bs))
	}
	return out
}

// DeleteSession removes a bridge session from the management surface,
// unbinding both sides regardless of connection state. This is an explicit
// operator action; disconnect-driven teardown stays two-phase.
func (b *Bridge) DeleteSession(sessionID string) error {
	b.mu.Lock()
	bs, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return errors.Wrapf(ErrSessionNotFound, "%s", sessionID)
	}
	for side, bound := range bs.sides {
		delete(b.bySession, bound.relaySessionID)
		delete(bs.sides, side)
	}
	delete(b.sessions, sessionID)
	b.mu.Unlock()

	b.logger.Info("bridge session %s deleted", sessionID)
	lifecycle.Emit(b.ctx, b.sink, lifecycle.Event{Type: lifecycle.BridgeSessionClosed, SessionID: sessionID})
	return nil
}

func (b *Bridge) infoLocked(bs *Session) Info {
	_, sideA := bs.sides[SideA]
	_, sideB := bs.sides[SideB]
	var metadata map[string]string
	if bs.Metadata != nil {
		metadata = make(map[string]string, len(bs.Metadata))
		for k, v := range bs.Metadata {
			metadata[k] = v
		}
	}
	return Info{
		ID:             bs.ID,
		Agent1ID:       bs.AgentA,
		Agent2ID:       bs.AgentB,
		State:          bs.state(),
		SideAConnected: sideA,
		SideBConnected: sideB,
		CreatedAt:      bs.CreatedAt,
		LastActivity:   bs.lastActivity,
		Metadata:       metadata,
	}
}
