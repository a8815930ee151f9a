package server

import (
	"sync"
	"time"

	"github.com/localserve/mcpd/protocol"
)

// sessionState tracks a session through its lifecycle. Only initialize is
// accepted while uninitialized; after shutdown only ping is.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateInitializing
	stateReady
	stateShuttingDown
)

func (s sessionState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Session is the per-client protocol state: lifecycle, negotiated version
// and capabilities, and the client's identity.
type Session struct {
	id        string
	transport string
	createdAt time.Time

	mu              sync.RWMutex
	state           sessionState
	protocolVersion string
	clientInfo      protocol.Implementation
	clientCaps      protocol.ClientCapabilities
	negotiated      protocol.ServerCapabilities
}

func newSession(id, transportName string) *Session {
	return &Session{
		id:        id,
		transport: transportName,
		createdAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Transport returns the name of the transport the session arrived on.
func (s *Session) Transport() string { return s.transport }

// State returns the current lifecycle state.
func (s *Session) State() sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ProtocolVersion returns the negotiated protocol version, empty before
// initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.protocolVersion
}

// ClientInfo returns the identity the client sent on initialize.
func (s *Session) ClientInfo() protocol.Implementation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientInfo
}

// beginInitialize moves uninitialized → initializing. Any other starting
// state fails: a second initialize is a protocol violation.
func (s *Session) beginInitialize() *protocol.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUninitialized {
		return protocol.NewInvalidRequest("session already initialized")
	}
	s.state = stateInitializing
	return nil
}

// completeInitialize records the negotiated handshake outcome. The session
// accepts normal traffic from here; the client's initialized notification
// confirms it as ready.
func (s *Session) completeInitialize(version string, info protocol.Implementation, clientCaps protocol.ClientCapabilities, negotiated protocol.ServerCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
	s.clientInfo = info
	s.clientCaps = clientCaps
	s.negotiated = negotiated
}

// abortInitialize rolls an initializing session back after a failed
// handshake so the client can retry.
func (s *Session) abortInitialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateInitializing {
		s.state = stateUninitialized
	}
}

// markReady handles the client's initialized notification.
func (s *Session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateInitializing {
		s.state = stateReady
	}
}

// shutdown moves the session to its terminal state.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateShuttingDown
}

// accepts reports whether the session's state admits the given method.
func (s *Session) accepts(method string) *protocol.Error {
	switch s.State() {
	case stateUninitialized:
		if method != protocol.MethodInitialize {
			return protocol.NewInvalidRequest("session is not initialized")
		}
	case stateShuttingDown:
		if method != protocol.MethodPing {
			return protocol.NewInvalidRequest("session is shutting down")
		}
	}
	return nil
}

// sessionManager owns the live sessions, one per client id.
type sessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionManager() *sessionManager {
	return &sessionManager{sessions: make(map[string]*Session)}
}

func (m *sessionManager) getOrCreate(id, transportName string) *Session {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		return sess
	}
	sess = newSession(id, transportName)
	m.sessions[id] = sess
	return sess
}

func (m *sessionManager) get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *sessionManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *sessionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
