package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/google/uuid"

	"github.com/agentuity/relay/eventlog"
	"github.com/agentuity/relay/lifecycle"
)

const (
	// DefaultIdleTimeout is how long a session may go untouched before the
	// sweep removes it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often the sweep runs.
	DefaultSweepInterval = 30 * time.Second
	// DefaultSweepBatchSize bounds how many expired sessions one sweep pass
	// removes while holding the lock, so a huge registry cannot stall the
	// request path.
	DefaultSweepBatchSize = 256
)

// RemoveReason states why a session left the registry.
type RemoveReason string

const (
	RemoveExpired    RemoveReason = "expired"
	RemoveTerminated RemoveReason = "terminated"
	RemoveShutdown   RemoveReason = "shutdown"
)

// Registry owns the session map and the idle-timeout sweep.
type Registry struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         logger.Logger
	sink           lifecycle.Sink
	idleTimeout    time.Duration
	sweepInterval  time.Duration
	sweepBatchSize int
	logCapacity    int

	mu       sync.Mutex
	sessions map[string]*Session

	wg   sync.WaitGroup
	once sync.Once

	// OnRemove, if set, is invoked after a session has been removed from the
	// map and closed. Wired by the router so the hub can flip the bound agent
	// to DISCONNECTED. Must not call back into the Registry synchronously
	// with blocking work; removal itself is already complete when it runs.
	OnRemove func(session *Session, reason RemoveReason)

	// OnStreamOpen, if set, is invoked by the transport after a push stream
	// has been attached to a session. The hub uses it to flush messages
	// queued while the recipient was offline.
	OnStreamOpen func(session *Session)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout overrides the idle timeout.
func WithIdleTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		if timeout > 0 {
			r.idleTimeout = timeout
		}
	}
}

// WithSweepInterval overrides how often the sweep runs.
func WithSweepInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		if interval > 0 {
			r.sweepInterval = interval
		}
	}
}

// WithSweepBatchSize overrides the per-pass removal bound.
func WithSweepBatchSize(size int) RegistryOption {
	return func(r *Registry) {
		if size > 0 {
			r.sweepBatchSize = size
		}
	}
}

// WithEventLogCapacity overrides the per-session event log capacity.
func WithEventLogCapacity(capacity int) RegistryOption {
	return func(r *Registry) {
		if capacity > 0 {
			r.logCapacity = capacity
		}
	}
}

// WithLifecycleSink sets the sink session lifecycle events are emitted to.
func WithLifecycleSink(sink lifecycle.Sink) RegistryOption {
	return func(r *Registry) {
		r.sink = sink
	}
}

// NewRegistry creates a registry and starts its sweep task. The sweep stops
// when ctx is cancelled or Shutdown is called.
func NewRegistry(ctx context.Context, log logger.Logger, opts ...RegistryOption) *Registry {
	registryCtx, cancel := context.WithCancel(ctx)
	r := &Registry{
		ctx:            registryCtx,
		cancel:         cancel,
		logger:         log.WithPrefix("[sessions]"),
		sink:           lifecycle.Discard,
		idleTimeout:    DefaultIdleTimeout,
		sweepInterval:  DefaultSweepInterval,
		sweepBatchSize: DefaultSweepBatchSize,
		logCapacity:    eventlog.DefaultCapacity,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.sweepLoop()
	return r
}

// Register allocates a new session with a fresh event log.
func (r *Registry) Register(client ClientInfo) *Session {
	now := time.Now()
	session := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		Client:    client,
		Log:       eventlog.New(eventlog.WithCapacity(r.logCapacity)),
	}
	session.lastActivity = now
	session.state = StateActive

	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()

	r.logger.Debug("session %s created for %s/%s", session.ID, client.Name, client.Version)
	lifecycle.Emit(r.ctx, r.sink, lifecycle.Event{Type: lifecycle.SessionCreated, SessionID: session.ID})
	return session
}

// Get returns the session and touches it. An unknown id is a normal expired
// outcome, reported by the second return value.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	session.Touch()
	return session, true
}

// Touch resets a session's idle clock. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		session.Touch()
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove takes the session out of the registry. The map is mutated before any
// close side effect runs, and a second Remove for the same id is a no-op, so
// a transport close that re-enters Remove cannot loop.
func (r *Registry) Remove(id string, reason RemoveReason) {
	r.mu.Lock()
	session, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	session.close()

	r.logger.Debug("session %s removed (%s)", id, reason)
	eventType := lifecycle.SessionTerminated
	if reason == RemoveExpired {
		eventType = lifecycle.SessionExpired
	}
	lifecycle.Emit(r.ctx, r.sink, lifecycle.Event{Type: eventType, SessionID: id})

	if r.OnRemove != nil {
		r.OnRemove(session, reason)
	}
}

// StreamOpened reports that a push stream was attached to the session.
func (r *Registry) StreamOpened(session *Session) {
	session.Touch()
	if r.OnStreamOpen != nil {
		r.OnStreamOpen(session)
	}
}

// Shutdown stops the sweep and removes every session. Safe to call more than
// once.
func (r *Registry) Shutdown() {
	r.once.Do(func() {
		r.cancel()
		r.wg.Wait()

		r.mu.Lock()
		ids := make([]string, 0, len(r.sessions))
		for id := range r.sessions {
			ids = append(ids, id)
		}
		r.mu.Unlock()
		for _, id := range ids {
			r.Remove(id, RemoveShutdown)
		}
	})
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep removes sessions idle past the timeout. Expired ids are collected
// first and removed in bounded batches; anything beyond the batch bound is
// picked up by the next tick.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.Lock()
	expired := make([]string, 0)
	for id, session := range r.sessions {
		if session.LastActivity().Before(cutoff) {
			expired = append(expired, id)
			if len(expired) >= r.sweepBatchSize {
				break
			}
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.Remove(id, RemoveExpired)
	}
	if len(expired) > 0 {
		r.logger.Debug("sweep removed %d expired sessions", len(expired))
	}
}
