// Package httpx implements the request/response HTTP transport. Each POST
// carries one JSON-RPC message (single or batch) and receives the
// corresponding response synchronously. Ordering is per-connection only.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/localserve/mcpd/auth"
	"github.com/localserve/mcpd/config"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/transport"
	"github.com/localserve/mcpd/types"
)

// SessionHandler resolves the session before handling, keyed by the id the
// client presented. Falls back to the plain message handler when unset.
type SessionHandler func(sessionID string, message []byte) ([]byte, error)

// SessionHeader carries the client's session id on HTTP requests.
const SessionHeader = "X-MCP-Session-Id"

// Transport serves JSON-RPC over HTTP POST on /rpc.
type Transport struct {
	transport.Base

	addr           string
	cors           config.CORS
	apiKey         *auth.APIKeyValidator
	sessionHandler SessionHandler

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

// WithAPIKey enables the api-key auth hook on every request.
func WithAPIKey(key string) Option {
	return func(t *Transport) {
		if key != "" {
			t.apiKey = auth.NewAPIKeyValidator(key)
		}
	}
}

// WithSessionHandler installs the session-aware handler.
func WithSessionHandler(h SessionHandler) Option {
	return func(t *Transport) { t.sessionHandler = h }
}

// New creates an HTTP transport listening on addr.
func New(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:   addr,
		logger: types.NopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Initialize builds the router. The listener is bound in Start.
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
	if t.apiKey != nil {
		r.Use(t.requireAPIKey)
	}
	r.Post("/rpc", t.handleRPC)
	r.Get("/health", t.handleHealth)

	t.srv = &http.Server{
		Addr:              t.addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously: failure to bind at startup is fatal.
func (t *Transport) Start() error {
	if t.srv == nil {
		if err := t.Initialize(); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("httpx: failed to bind %s: %w", t.addr, err)
	}
	t.listener = ln
	t.connected.Store(true)
	t.logger.Info("http transport listening on %s", ln.Addr())

	go func() {
		if err := t.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("http transport serve failed: %v", err)
		}
		t.connected.Store(false)
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (t *Transport) Stop() error {
	t.connected.Store(false)
	if t.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.srv.Shutdown(ctx)
}

// Send is unused for the request/response transport: responses travel on the
// request they answer. Server-push uses SSE.
func (t *Transport) Send([]byte) error {
	return errors.New("httpx: send outside a request cycle is not supported, use SSE")
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
	info := map[string]interface{}{
		"transport": "http",
		"addr":      t.addr,
		"connected": t.IsConnected(),
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

func (t *Transport) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(auth.HeaderAPIKey)
		if key == "" {
			key = r.URL.Query().Get(auth.QueryAPIKey)
		}
		if err := t.apiKey.Validate(key); err != nil {
			writeError(w, http.StatusUnauthorized, protocol.NewUnauthorized(""))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Transport) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, protocol.NewParseError("failed to read body"))
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, protocol.NewParseError("invalid JSON"))
		return
	}

	response, err := t.handle(r, body)
	if err != nil {
		t.logger.Error("http transport handler failed: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.NewInternal("request handling failed"))
		return
	}
	if len(response) == 0 {
		// Notification-only message: acknowledge with no body.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}

func (t *Transport) handle(r *http.Request, body []byte) ([]byte, error) {
	if t.sessionHandler != nil {
		sessionID := r.Header.Get(SessionHeader)
		if sessionID == "" {
			// Fall back to the peer address so one client keeps one
			// session across requests.
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			sessionID = "http:" + host
		}
		return t.sessionHandler(sessionID, body)
	}
	return t.HandleMessage(body)
}

func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"connected": t.IsConnected(),
	})
}

func writeError(w http.ResponseWriter, status int, pe *protocol.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(protocol.NewErrorResponse(nil, pe.Code, pe.Message, pe.Data))
}

var _ transport.Transport = (*Transport)(nil)
