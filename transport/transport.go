// Package transport defines the communication contract between the protocol
// handler and the byte-level drivers, plus the manager that owns driver
// instances.
package transport

import (
	"errors"
	"sync"
)

// MessageHandler receives one decoded frame and returns the encoded response
// frame to write back, or nil when nothing should be written.
type MessageHandler func(message []byte) ([]byte, error)

// Transport is the contract every driver implements.
type Transport interface {
	// Initialize prepares the transport without starting I/O.
	Initialize() error

	// Start begins accepting traffic. Start blocks for connection-oriented
	// drivers that own their accept loop (stdio); listener-based drivers
	// return once the listener is bound.
	Start() error

	// Stop shuts the transport down and releases its resources.
	Stop() error

	// Send writes one outbound frame. Concurrent callers are serialized.
	Send(message []byte) error

	// Receive blocks for the next inbound frame. Drivers that dispatch
	// through the message handler may return ErrReceiveUnsupported.
	Receive() ([]byte, error)

	// IsConnected reports whether the transport is ready to carry traffic.
	IsConnected() bool

	// ConnectionInfo describes the live connection for diagnostics.
	ConnectionInfo() map[string]interface{}

	// SetMessageHandler installs the handler invoked per inbound frame.
	SetMessageHandler(handler MessageHandler)
}

// ErrReceiveUnsupported is returned by drivers that push frames through the
// message handler instead of exposing a pull-based Receive.
var ErrReceiveUnsupported = errors.New("transport: receive not supported, use SetMessageHandler")

// Base provides the handler plumbing shared by the drivers.
type Base struct {
	mu      sync.RWMutex
	handler MessageHandler
}

// SetMessageHandler installs the message handler.
func (b *Base) SetMessageHandler(handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Handler returns the installed message handler, or nil.
func (b *Base) Handler() MessageHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

// HandleMessage runs the installed handler on one frame.
func (b *Base) HandleMessage(message []byte) ([]byte, error) {
	h := b.Handler()
	if h == nil {
		return nil, errors.New("transport: no message handler set")
	}
	return h(message)
}
