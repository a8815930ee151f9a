// Package sse implements the Server-Sent Events transport. Clients open a
// long-lived GET stream for server-push frames and POST JSON-RPC messages to
// the companion endpoint. Each stream is identified by the session id issued
// on connect.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/localserve/mcpd/config"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/transport"
	"github.com/localserve/mcpd/types"
)

const (
	ssePath     = "/sse"
	messagePath = "/message"

	// heartbeatInterval keeps idle streams alive through proxies.
	heartbeatInterval = 30 * time.Second

	// streamBuffer bounds the per-stream send queue. A full queue fails the
	// send rather than blocking the sender.
	streamBuffer = 64
)

// SessionHandler handles one posted message on behalf of the named session.
type SessionHandler func(sessionID string, message []byte) ([]byte, error)

// ConnectHandler observes a new stream. DisconnectHandler observes its end.
type (
	ConnectHandler    func(sessionID string, stream *Stream)
	DisconnectHandler func(sessionID string)
)

// Stream is one connected event stream. Send queues a frame for delivery as
// a data event; it never blocks.
type Stream struct {
	id     string
	ch     chan []byte
	closed atomic.Bool
}

// ID returns the session id issued when the stream connected.
func (s *Stream) ID() string { return s.id }

// Send implements the delivery contract used by the notification hub.
func (s *Stream) Send(message []byte) error {
	if s.closed.Load() {
		return errors.New("sse: stream is closed")
	}
	select {
	case s.ch <- message:
		return nil
	default:
		return fmt.Errorf("sse: stream %s send queue is full", s.id)
	}
}

// Transport serves event streams on GET /sse and accepts JSON-RPC messages
// on POST /message.
type Transport struct {
	transport.Base

	addr           string
	cors           config.CORS
	sessionHandler SessionHandler
	onConnect      ConnectHandler
	onDisconnect   DisconnectHandler

	mu      sync.RWMutex
	streams map[string]*Stream

	srv       *http.Server
	listener  net.Listener
	connected atomic.Bool
	logger    types.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger types.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithCORS applies the configured cross-origin policy.
func WithCORS(c config.CORS) Option {
	return func(t *Transport) { t.cors = c }
}

// WithSessionHandler installs the session-aware handler for posted messages.
func WithSessionHandler(h SessionHandler) Option {
	return func(t *Transport) { t.sessionHandler = h }
}

// WithConnectHandlers installs the stream lifecycle observers used to bind
// streams to notification subscriptions.
func WithConnectHandlers(connect ConnectHandler, disconnect DisconnectHandler) Option {
	return func(t *Transport) {
		t.onConnect = connect
		t.onDisconnect = disconnect
	}
}

// New creates an SSE transport listening on addr.
func New(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:    addr,
		streams: make(map[string]*Stream),
		logger:  types.NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize builds the router.
func (t *Transport) Initialize() error {
	r := chi.NewRouter()
	if len(t.cors.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: t.cors.AllowedOrigins,
			AllowedMethods: t.cors.AllowedMethods,
			AllowedHeaders: t.cors.AllowedHeaders,
			MaxAge:         t.cors.MaxAge,
		}))
	}
	r.Get(ssePath, t.handleStream)
	r.Post(messagePath, t.handleMessage)

	t.srv = &http.Server{
		Addr:              t.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start binds the listener and serves in the background.
func (t *Transport) Start() error {
	if t.srv == nil {
		if err := t.Initialize(); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("sse: failed to bind %s: %w", t.addr, err)
	}
	t.listener = ln
	t.connected.Store(true)
	t.logger.Info("sse transport listening on %s", ln.Addr())

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("sse transport serve failed: %v", err)
		}
		t.connected.Store(false)
	}()
	return nil
}

// Stop closes every stream and shuts the server down.
func (t *Transport) Stop() error {
	t.connected.Store(false)

	t.mu.Lock()
	for id, stream := range t.streams {
		stream.closed.Store(true)
		delete(t.streams, id)
	}
	t.mu.Unlock()

	if t.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.srv.Shutdown(ctx)
}

// Send broadcasts a frame to every connected stream.
func (t *Transport) Send(message []byte) error {
	t.mu.RLock()
	streams := make([]*Stream, 0, len(t.streams))
	for _, s := range t.streams {
		streams = append(streams, s)
	}
	t.mu.RUnlock()

	var firstErr error
	for _, s := range streams {
		if err := s.Send(message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendTo delivers a frame to one session's stream.
func (t *Transport) SendTo(sessionID string, message []byte) error {
	t.mu.RLock()
	stream, ok := t.streams[sessionID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("sse: no stream for session %s", sessionID)
	}
	return stream.Send(message)
}

// Receive implements transport.Transport.
func (t *Transport) Receive() ([]byte, error) {
	return nil, transport.ErrReceiveUnsupported
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	return t.connected.Load()
}

// ConnectionInfo implements transport.Transport.
func (t *Transport) ConnectionInfo() map[string]interface{} {
	t.mu.RLock()
	count := len(t.streams)
	t.mu.RUnlock()
	info := map[string]interface{}{
		"transport": "sse",
		"addr":      t.addr,
		"connected": t.IsConnected(),
		"streams":   count,
	}
	if t.listener != nil {
		info["addr"] = t.listener.Addr().String()
	}
	return info
}

// Addr returns the bound listener address, for tests using port 0.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// StreamCount reports the number of connected streams.
func (t *Transport) StreamCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.streams)
}

func (t *Transport) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.NewString()
	stream := &Stream{id: sessionID, ch: make(chan []byte, streamBuffer)}

	t.mu.Lock()
	t.streams[sessionID] = stream
	t.mu.Unlock()

	defer func() {
		stream.closed.Store(true)
		t.mu.Lock()
		delete(t.streams, sessionID)
		t.mu.Unlock()
		if t.onDisconnect != nil {
			t.onDisconnect(sessionID)
		}
		t.logger.Info("sse stream %s disconnected", sessionID)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The endpoint event tells the client where to post messages and which
	// session id to present.
	fmt.Fprintf(w, "event: endpoint\ndata: %s?session=%s\n\n", messagePath, sessionID)
	flusher.Flush()

	if t.onConnect != nil {
		t.onConnect(sessionID, stream)
	}
	t.logger.Info("sse stream %s connected from %s", sessionID, r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-stream.ch:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (t *Transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewParseError("failed to read body"))
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, protocol.NewParseError("invalid JSON"))
		return
	}

	var response []byte
	if t.sessionHandler != nil {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, protocol.NewInvalidRequest("missing session parameter"))
			return
		}
		response, err = t.sessionHandler(sessionID, body)
	} else {
		response, err = t.HandleMessage(body)
	}
	if err != nil {
		t.logger.Error("sse transport handler failed: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.NewInternal("request handling failed"))
		return
	}
	if len(response) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

func writeError(w http.ResponseWriter, status int, pe *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.NewErrorResponse(nil, pe.Code, pe.Message, pe.Data))
}

var _ transport.Transport = (*Transport)(nil)
