// Package relayhttp implements the relay's streamable HTTP endpoint: POST for
// the request/response channel, GET for the SSE push stream with resumable
// replay, DELETE for explicit termination. A POST without a session header is
// a handshake and the response carries the newly assigned session id.
package relayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/go-common/logger"

	"github.com/agentuity/relay/auth"
	"github.com/agentuity/relay/protocol"
	"github.com/agentuity/relay/session"
	"github.com/agentuity/relay/transport"
)

const (
	// DefaultSessionHeaderName carries the session id on every stateful call.
	DefaultSessionHeaderName = "Relay-Session-Id"
	// ClientNameHeaderName and ClientVersionHeaderName identify the client at
	// handshake.
	ClientNameHeaderName    = "Relay-Client-Name"
	ClientVersionHeaderName = "Relay-Client-Version"
	// CapabilitiesHeaderName declares, comma separated, the capability names
	// a bridge side offers its peer.
	CapabilitiesHeaderName = "Relay-Capabilities"
	// LastEventIDHeaderName resumes the push stream after the given event.
	LastEventIDHeaderName = "Last-Event-ID"

	// DefaultSSERetryInterval is the reconnect hint sent to stream clients,
	// in milliseconds.
	DefaultSSERetryInterval = 3000

	maxBodyBytes         = 4 * 1024 * 1024
	shutdownGracePeriod  = 15 * time.Second
	defaultEndpointPath  = "/relay"
	bridgePathSubpattern = "/bridge/"
)

// HTTPTransport serves the relay protocol over HTTP.
type HTTPTransport struct {
	server        *http.Server
	mux           *http.ServeMux
	registry      *session.Registry
	handler       transport.Handler
	validator     auth.Validator
	logger        logger.Logger
	path          string
	sessionHeader string
	sseRetryMs    int
	closeOnce     sync.Once
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithSessionHeader overrides the session id header name.
func WithSessionHeader(headerName string) Option {
	return func(t *HTTPTransport) {
		t.sessionHeader = headerName
	}
}

// WithSSERetryInterval overrides the SSE reconnect hint in milliseconds.
func WithSSERetryInterval(retryMs int) Option {
	return func(t *HTTPTransport) {
		t.sseRetryMs = retryMs
	}
}

// WithServeMux mounts the endpoint on an existing mux instead of a private
// one, for callers that co-host other surfaces on the same listener.
func WithServeMux(mux *http.ServeMux) Option {
	return func(t *HTTPTransport) {
		t.mux = mux
	}
}

// WithAuthValidator sets the credential validator consulted on every call.
func WithAuthValidator(validator auth.Validator) Option {
	return func(t *HTTPTransport) {
		t.validator = validator
	}
}

// New creates the transport. The registry owns session lifecycle; the handler
// owns request semantics.
func New(addr string, path string, log logger.Logger, registry *session.Registry, handler transport.Handler, options ...Option) *HTTPTransport {
	if path == "" {
		path = defaultEndpointPath
	}
	t := &HTTPTransport{
		registry:      registry,
		handler:       handler,
		validator:     auth.AllowAll,
		logger:        log.WithPrefix("[http]"),
		path:          strings.TrimSuffix(path, "/"),
		sessionHeader: DefaultSessionHeaderName,
		sseRetryMs:    DefaultSSERetryInterval,
	}

	for _, option := range options {
		option(t)
	}

	if t.mux == nil {
		t.mux = http.NewServeMux()
	}
	t.mux.HandleFunc(t.path, t.handleHub)
	t.mux.HandleFunc(t.path+bridgePathSubpattern, t.handleBridgeSide)

	t.server = &http.Server{
		Addr:    addr,
		Handler: t.mux,
	}

	return t
}

// Path returns the hub endpoint path.
func (t *HTTPTransport) Path() string {
	return t.path
}

// ServeHTTP lets the transport be mounted inside httptest servers and larger
// handler trees.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mux.ServeHTTP(w, r)
}

// Start begins listening. The transport closes itself when ctx is cancelled.
func (t *HTTPTransport) Start(ctx context.Context) error {
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("server error: %s", err)
		}
	}()

	go func() {
		<-ctx.Done()
		t.Close()
	}()

	t.logger.Info("listening on %s%s", t.server.Addr, t.path)
	return nil
}

// Close shuts the server down and terminates every session. Idempotent.
func (t *HTTPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()

		err = t.server.Shutdown(ctx)
		t.registry.Shutdown()
	})
	return err
}

func (t *HTTPTransport) handleHub(w http.ResponseWriter, r *http.Request) {
	t.handle(w, r, transport.Scope{Kind: transport.EndpointHub})
}

// handleBridgeSide serves paths of the form <path>/bridge/{sessionID}/{side}.
func (t *HTTPTransport) handleBridgeSide(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, t.path+bridgePathSubpattern)
	bridgeSessionID, side, ok := strings.Cut(rest, "/")
	if !ok || bridgeSessionID == "" || strings.Contains(side, "/") {
		http.Error(w, "invalid bridge endpoint path", http.StatusNotFound)
		return
	}
	scope := transport.Scope{
		Kind:            transport.EndpointBridgeSide,
		BridgeSessionID: bridgeSessionID,
		Side:            side,
	}
	if declared := r.Header.Get(CapabilitiesHeaderName); declared != "" {
		for _, capability := range strings.Split(declared, ",") {
			if capability = strings.TrimSpace(capability); capability != "" {
				scope.Capabilities = append(scope.Capabilities, capability)
			}
		}
	}
	t.handle(w, r, scope)
}

func (t *HTTPTransport) handle(w http.ResponseWriter, r *http.Request, scope transport.Scope) {
	if _, err := t.validator.Validate(r.Context(), r.Header.Get("Authorization")); err != nil {
		t.writeMessage(w, protocol.NewError(nil, protocol.CodeUnauthorized, "unauthorized"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r, scope)
	case http.MethodGet:
		t.handleStream(w, r)
	case http.MethodDelete:
		t.handleTerminate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request, scope transport.Scope) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		t.writeMessage(w, protocol.NewError(nil, protocol.CodeBadRequest, "error reading request body"))
		return
	}

	var message protocol.Message
	if err := json.Unmarshal(body, &message); err != nil {
		t.writeMessage(w, protocol.NewError(nil, protocol.CodeParseError, "malformed JSON-RPC message"))
		return
	}

	sessionID := r.Header.Get(t.sessionHeader)
	var sess *session.Session
	if sessionID == "" {
		// Handshake: no session id means a new session.
		sess = t.registry.Register(session.ClientInfo{
			Name:    r.Header.Get(ClientNameHeaderName),
			Version: r.Header.Get(ClientVersionHeaderName),
		})
		if err := t.handler.SessionOpened(r.Context(), sess, scope); err != nil {
			t.registry.Remove(sess.ID, session.RemoveTerminated)
			t.writeMessage(w, t.handler.ErrorReply(message.ID, err))
			return
		}
		w.Header().Set(t.sessionHeader, sess.ID)
	} else {
		var ok bool
		sess, ok = t.registry.Get(sessionID)
		if !ok {
			t.writeMessage(w, protocol.NewSessionExpired(message.ID))
			return
		}
	}

	reply := t.handler.HandleMessage(r.Context(), sess, scope, &message)
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	t.writeMessage(w, reply)
}

func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(t.sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	sess, ok := t.registry.Get(sessionID)
	if !ok {
		http.Error(w, "session expired or not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "retry: %d\n\n", t.sseRetryMs)
	flusher.Flush()

	// Replay and live subscription are installed atomically, so nothing
	// appended in between is missed. Queued hub messages are flushed into the
	// live channel by the StreamOpened hook below.
	replay, live, closer := sess.OpenStream(r.Header.Get(LastEventIDHeaderName))
	defer closer()

	for _, event := range replay {
		t.writeEvent(w, event.ID.String(), event.Payload)
	}
	flusher.Flush()

	t.registry.StreamOpened(sess)

	for {
		select {
		case event, ok := <-live:
			if !ok {
				// Stream detached: the session was terminated, replaced by a
				// newer stream, or the subscriber fell too far behind.
				return
			}
			t.writeEvent(w, event.ID.String(), event.Payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (t *HTTPTransport) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(t.sessionHeader)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	// Remove is idempotent; terminating an unknown or already-removed
	// session succeeds.
	t.registry.Remove(sessionID, session.RemoveTerminated)
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) writeEvent(w io.Writer, id string, payload []byte) {
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", id, payload)
}

func (t *HTTPTransport) writeMessage(w http.ResponseWriter, message *protocol.Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(message); err != nil {
		t.logger.Error("error writing response: %s", err)
	}
}
