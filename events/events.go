// Package events implements the pluggable observer bus the runtime emits
// lifecycle events on. Emission is best-effort: a listener fault never aborts
// the operation that produced the event.
package events

import (
	"sync"
	"time"

	"github.com/localserve/mcpd/types"
)

// Event names the lifecycle points the runtime emits on.
type Event string

const (
	ComponentRegistered   Event = "component.registered"
	ComponentUnregistered Event = "component.unregistered"

	RequestReceived  Event = "request.received"
	RequestProcessed Event = "request.processed"

	ToolExecuted     Event = "tool.executed"
	ResourceAccessed Event = "resource.accessed"
	PromptGenerated  Event = "prompt.generated"

	NotificationBroadcast Event = "notification.broadcast"
	NotificationQueued    Event = "notification.queued"
	NotificationSent      Event = "notification.sent"
	NotificationDelivered Event = "notification.delivered"
	NotificationFailed    Event = "notification.failed"

	AsyncCompleted Event = "async.completed"
	AsyncFailed    Event = "async.failed"
)

// RequestProcessedPayload accompanies RequestProcessed. Success means the
// handler produced a result envelope; an error envelope counts as failure.
type RequestProcessedPayload struct {
	Method    string
	Transport string
	Duration  time.Duration
	Success   bool
}

// ComponentPayload accompanies ComponentRegistered/ComponentUnregistered.
type ComponentPayload struct {
	Kind string
	Name string
}

// DeliveryPayload accompanies the notification delivery events.
type DeliveryPayload struct {
	NotificationID string
	ClientID       string
	Type           string
	Error          string
}

// Listener observes emitted events.
type Listener func(evt Event, payload interface{})

type emission struct {
	evt     Event
	payload interface{}
}

// Bus fans events out to registered listeners. A disabled bus drops
// everything; an async bus offloads delivery to a background goroutine with a
// bounded buffer that drops on overflow rather than blocking emitters.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]Listener
	all       []Listener
	enabled   bool
	logger    types.Logger

	ch     chan emission
	closed chan struct{}
	once   sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger types.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithAsync delegates listener invocation to a background runner with the
// given buffer size.
func WithAsync(buffer int) Option {
	return func(b *Bus) {
		if buffer <= 0 {
			buffer = 256
		}
		b.ch = make(chan emission, buffer)
	}
}

// NewBus creates a bus. A bus created with enabled=false drops all emissions.
func NewBus(enabled bool, opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[Event][]Listener),
		enabled:   enabled,
		logger:    types.NopLogger{},
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.ch != nil {
		go b.run()
	}
	return b
}

// Subscribe registers a listener for one event.
func (b *Bus) Subscribe(evt Event, l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[evt] = append(b.listeners[evt], l)
}

// SubscribeAll registers a listener for every event.
func (b *Bus) SubscribeAll(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, l)
}

// Emit delivers the event to every listener. Synchronous buses invoke
// listeners inline with panic isolation; async buses enqueue and drop on a
// full buffer.
func (b *Bus) Emit(evt Event, payload interface{}) {
	if b == nil || !b.enabled {
		return
	}
	if b.ch != nil {
		select {
		case b.ch <- emission{evt: evt, payload: payload}:
		case <-b.closed:
		default:
			b.logger.Warn("event bus buffer full, dropping %s", evt)
		}
		return
	}
	b.dispatch(evt, payload)
}

// Close stops the background runner if one exists.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.closed) })
}

func (b *Bus) run() {
	for {
		select {
		case em := <-b.ch:
			b.dispatch(em.evt, em.payload)
		case <-b.closed:
			return
		}
	}
}

func (b *Bus) dispatch(evt Event, payload interface{}) {
	b.mu.RLock()
	targets := make([]Listener, 0, len(b.listeners[evt])+len(b.all))
	targets = append(targets, b.listeners[evt]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, l := range targets {
		b.invoke(l, evt, payload)
	}
}

func (b *Bus) invoke(l Listener, evt Event, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panic on %s: %v", evt, r)
		}
	}()
	l(evt, payload)
}
