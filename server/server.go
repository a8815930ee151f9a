// Package server implements the MCP protocol handler: session lifecycle,
// method dispatch over the component registry, pagination, cancellation and
// the wiring between transports, the notification hub and the async
// pipeline.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/localserve/mcpd/async"
	"github.com/localserve/mcpd/auth"
	"github.com/localserve/mcpd/config"
	"github.com/localserve/mcpd/events"
	"github.com/localserve/mcpd/notifications"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/registry"
	"github.com/localserve/mcpd/transport"
	"github.com/localserve/mcpd/types"
)

// internalSessionID names the pre-initialized session async workers
// dispatch on.
const internalSessionID = "internal"

// Server is the dependency root: it owns the registry and sessions and
// dispatches decoded JSON-RPC traffic to MCP semantics.
type Server struct {
	cfg    config.Config
	logger types.Logger

	registry   *registry.Registry
	transports *transport.Manager
	hub        *notifications.Hub
	pipeline   *async.Pipeline
	bus        *events.Bus

	validator auth.TokenValidator
	checker   auth.PermissionChecker

	sessions     *sessionManager
	serverInfo   protocol.Implementation
	capabilities protocol.ServerCapabilities
	instructions string

	// inflight maps session|id to the cancel func of the running request.
	inflight sync.Map
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger types.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus attaches the lifecycle event bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithHub attaches the notification hub.
func WithHub(hub *notifications.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithPipeline attaches the async execution pipeline.
func WithPipeline(p *async.Pipeline) Option {
	return func(s *Server) { s.pipeline = p }
}

// WithTransportManager attaches the transport manager.
func WithTransportManager(m *transport.Manager) Option {
	return func(s *Server) { s.transports = m }
}

// WithTokenValidator installs the pluggable auth hook.
func WithTokenValidator(v auth.TokenValidator) Option {
	return func(s *Server) { s.validator = v }
}

// WithPermissionChecker installs the authorization hook.
func WithPermissionChecker(c auth.PermissionChecker) Option {
	return func(s *Server) { s.checker = c }
}

// WithInstructions sets the instructions string returned on initialize.
func WithInstructions(instructions string) Option {
	return func(s *Server) { s.instructions = instructions }
}

// WithCapabilities overrides the advertised server capabilities.
func WithCapabilities(caps protocol.ServerCapabilities) Option {
	return func(s *Server) { s.capabilities = caps }
}

// New creates a server from the configuration. The registry is created
// internally and reachable via Registry.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   types.NopLogger{},
		sessions: newSessionManager(),
		serverInfo: protocol.Implementation{
			Name:    cfg.ServerName,
			Version: cfg.ServerVersion,
		},
		capabilities: protocol.ServerCapabilities{
			Tools:     &protocol.ToolsCapability{ListChanged: true},
			Resources: &protocol.ResourcesCapability{Subscribe: true, ListChanged: true},
			Prompts:   &protocol.PromptsCapability{ListChanged: true},
			Logging:   &protocol.LoggingCapability{},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry = registry.New(s.bus, s.logger)

	// The internal session serves async workers; it skips the handshake.
	internal := s.sessions.getOrCreate(internalSessionID, "internal")
	internal.mu.Lock()
	internal.state = stateReady
	internal.protocolVersion = protocol.CurrentProtocolVersion
	internal.mu.Unlock()
	return s
}

// SetPipeline attaches the async pipeline after construction. The pipeline
// needs the server's Dispatch, so it is usually built second.
func (s *Server) SetPipeline(p *async.Pipeline) { s.pipeline = p }

// Registry returns the component registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Hub returns the notification hub, or nil when none is attached.
func (s *Server) Hub() *notifications.Hub { return s.hub }

// Pipeline returns the async pipeline, or nil when none is attached.
func (s *Server) Pipeline() *async.Pipeline { return s.pipeline }

// RegisterTool registers a tool and announces the list change.
func (s *Server) RegisterTool(meta registry.Metadata, component registry.Callable) error {
	if err := s.registry.Register(registry.KindTool, meta, component); err != nil {
		return err
	}
	s.announce(protocol.NotifyToolsListChanged)
	return nil
}

// RegisterResource registers a resource and announces the list change.
func (s *Server) RegisterResource(meta registry.Metadata, component registry.Readable) error {
	if err := s.registry.Register(registry.KindResource, meta, component); err != nil {
		return err
	}
	s.announce(protocol.NotifyResourcesListChanged)
	return nil
}

// RegisterPrompt registers a prompt and announces the list change.
func (s *Server) RegisterPrompt(meta registry.Metadata, component registry.Renderable) error {
	if err := s.registry.Register(registry.KindPrompt, meta, component); err != nil {
		return err
	}
	s.announce(protocol.NotifyPromptsListChanged)
	return nil
}

func (s *Server) announce(notifType string) {
	if s.hub == nil {
		return
	}
	if _, err := s.hub.Broadcast(context.Background(), notifType, struct{}{}, nil); err != nil {
		s.logger.Warn("failed to broadcast %s: %v", notifType, err)
	}
}

// Attach binds a transport to the server under the given name: inbound
// frames run through HandleMessage on a transport-wide session.
func (s *Server) Attach(name string, t transport.Transport) {
	t.SetMessageHandler(func(message []byte) ([]byte, error) {
		return s.HandleMessage(context.Background(), name, name, message)
	})
}

// SessionHandler returns the per-session entry point HTTP-style transports
// install, keyed by the session id the client presented.
func (s *Server) SessionHandler(transportName string) func(sessionID string, message []byte) ([]byte, error) {
	return func(sessionID string, message []byte) ([]byte, error) {
		return s.HandleMessage(context.Background(), transportName, sessionID, message)
	}
}

// HandleMessage decodes one inbound frame, dispatches every entry and
// returns the encoded response frame, or nil when nothing should be written
// (notification-only traffic).
func (s *Server) HandleMessage(ctx context.Context, transportName, sessionID string, data []byte) ([]byte, error) {
	msg, perr := protocol.DecodeMessage(data)
	if perr != nil {
		return protocol.EncodeResponse(protocol.NewErrorResponse(nil, perr.Code, perr.Message, perr.Data))
	}

	sess := s.sessions.getOrCreate(sessionID, transportName)

	responses := make([]*protocol.Response, 0, len(msg.Envelopes))
	for _, env := range msg.Envelopes {
		if env.Err != nil {
			responses = append(responses, protocol.NewErrorResponse(nil, env.Err.Code, env.Err.Message, env.Err.Data))
			continue
		}
		req := env.Request
		if req.IsNotification() {
			s.handleNotification(ctx, sess, req)
			continue
		}
		responses = append(responses, s.processRequest(ctx, sess, transportName, req))
	}
	return protocol.EncodeResponses(responses, msg.Batch)
}

// Dispatch executes one method on the internal session, for async workers.
func (s *Server) Dispatch(ctx context.Context, method string, params []byte) (interface{}, error) {
	sess, _ := s.sessions.get(internalSessionID)
	return s.dispatch(ctx, sess, &protocol.Request{
		JSONRPC: protocol.Version,
		ID:      internalSessionID,
		Method:  method,
		Params:  params,
	})
}

// processRequest runs one request end to end: state gating, deadline,
// cancellation registration, dispatch, panic recovery and event emission.
func (s *Server) processRequest(ctx context.Context, sess *Session, transportName string, req *protocol.Request) (resp *protocol.Response) {
	start := time.Now()
	s.emit(events.RequestReceived, req.Method)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling %s: %v", req.Method, r)
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, "internal error", nil)
		}
		if s.bus != nil {
			s.bus.Emit(events.RequestProcessed, events.RequestProcessedPayload{
				Method:    req.Method,
				Transport: transportName,
				Duration:  time.Since(start),
				Success:   resp != nil && resp.Error == nil,
			})
		}
	}()

	if perr := sess.accepts(req.Method); perr != nil {
		return protocol.NewErrorResponse(req.ID, perr.Code, perr.Message, perr.Data)
	}

	if s.cfg.Request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Request.Timeout)
		defer cancel()
	}

	// Track the in-flight request so $/cancelRequest can reach it.
	ctx, cancel := context.WithCancel(ctx)
	key := inflightKey(sess.ID(), req.ID)
	s.inflight.Store(key, cancel)
	defer func() {
		s.inflight.Delete(key)
		cancel()
	}()

	result, err := s.dispatch(ctx, sess, req)
	if err != nil {
		return protocol.ResponseFromError(req.ID, err)
	}
	return protocol.NewSuccessResponse(req.ID, result)
}

func (s *Server) handleNotification(ctx context.Context, sess *Session, req *protocol.Request) {
	switch req.Method {
	case protocol.MethodInitialized:
		sess.markReady()
		s.logger.Debug("session %s ready", sess.ID())
	case protocol.MethodCancelRequest:
		s.handleCancel(sess, req)
	default:
		// Unknown notifications are ignored: no id, no response.
		s.logger.Debug("ignoring notification %s", req.Method)
	}
	_ = ctx
}

func (s *Server) handleCancel(sess *Session, req *protocol.Request) {
	var params protocol.CancelParams
	if err := protocol.UnmarshalParams(req.Params, &params); err != nil {
		s.logger.Warn("malformed cancel request: %v", err)
		return
	}
	// Numeric ids decode as float64 here; normalize to the request id form.
	if f, ok := params.ID.(float64); ok {
		params.ID = int64(f)
	}
	key := inflightKey(sess.ID(), params.ID)
	if cancel, ok := s.inflight.Load(key); ok {
		cancel.(context.CancelFunc)()
		s.logger.Debug("cancelled request %v on session %s", params.ID, sess.ID())
	}
}

func inflightKey(sessionID string, id interface{}) string {
	return fmt.Sprintf("%s|%v", sessionID, id)
}

func (s *Server) emit(evt events.Event, payload interface{}) {
	if s.bus != nil {
		s.bus.Emit(evt, payload)
	}
}

// checkAuth enforces the component-level auth gate: components registered
// with AuthRequired need an authenticated principal on the context.
func (s *Server) checkAuth(ctx context.Context, meta registry.Metadata, method string) error {
	if !meta.AuthRequired {
		return nil
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return protocol.NewUnauthorized("")
	}
	if s.checker != nil {
		return s.checker.CheckPermission(ctx, principal, method, nil)
	}
	return nil
}
