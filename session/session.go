// Package session tracks the relay's active sessions: creation at handshake,
// activity touching, idle-timeout sweeping and idempotent teardown. Every
// session owns its resumable event log and at most one live push stream.
package session

import (
	"sync"
	"time"

	"github.com/agentuity/relay/eventlog"
)

// State of a session.
type State string

const (
	StateActive State = "ACTIVE"
	StateClosed State = "CLOSED"
)

// subscriberBuffer is the live channel depth. A subscriber that falls this far
// behind loses its live stream and must resume by replay.
const subscriberBuffer = 256

// ClientInfo identifies the client that performed the handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// Session is one bound client context. All fields below the mutex are guarded
// by it; ID, CreatedAt and Client are immutable after creation.
type Session struct {
	ID        string
	CreatedAt time.Time
	Client    ClientInfo
	Log       *eventlog.Log

	mu           sync.Mutex
	lastActivity time.Time
	state        State
	subscriber   chan eventlog.Event
	streamEpoch  uint64
}

// Touch resets the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent request against the
// session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Streaming returns true if a live push stream is currently attached.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriber != nil
}

// Append stores the payload in the session's event log and pushes it to the
// live stream if one is attached. If the subscriber's buffer is full the live
// stream is dropped; the event stays in the log and the client recovers it by
// reconnecting with its last seen id.
func (s *Session) Append(payload []byte) eventlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	event := s.Log.Append(payload)
	if s.subscriber != nil {
		select {
		case s.subscriber <- event:
		default:
			close(s.subscriber)
			s.subscriber = nil
		}
	}
	return event
}

// OpenStream attaches a live push stream. The replay snapshot and the live
// subscription are installed under one lock so no event appended in between
// is missed or duplicated. Opening a new stream detaches any previous one.
// The returned closer detaches the stream; it only closes its own epoch so a
// stale closer cannot tear down a newer stream.
func (s *Session) OpenStream(lastSeenID string) (replay []eventlog.Event, live <-chan eventlog.Event, closer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscriber != nil {
		close(s.subscriber)
	}
	replay = s.Log.ReplayFrom(lastSeenID)
	ch := make(chan eventlog.Event, subscriberBuffer)
	s.subscriber = ch
	s.streamEpoch++
	epoch := s.streamEpoch

	closer = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.streamEpoch == epoch && s.subscriber != nil {
			close(s.subscriber)
			s.subscriber = nil
		}
	}
	return replay, ch, closer
}

// close marks the session CLOSED and detaches any live stream. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.subscriber != nil {
		close(s.subscriber)
		s.subscriber = nil
	}
}
