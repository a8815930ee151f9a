package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/localserve/mcpd/config"
	"github.com/localserve/mcpd/events"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/queue"
	"github.com/localserve/mcpd/types"
)

// retryMultiplier grows the delay between delivery attempts.
const retryMultiplier = 3

// subscription binds one client's sink to its allow-list and filter, plus a
// bounded pending queue drained by a dedicated writer goroutine.
type subscription struct {
	clientID string
	sink     Sink
	types    []string

	mu     sync.RWMutex
	filter Filter

	pending chan *Record
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) matches(rec *Record) bool {
	if !typeAllowed(s.types, rec.Type) {
		return false
	}
	s.mu.RLock()
	filter := s.filter
	s.mu.RUnlock()
	return filter.Matches(rec)
}

func (s *subscription) setFilter(filter Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Hub routes notifications to subscribed clients. Delivery never blocks the
// caller: direct sends enter the subscription's bounded pending queue and
// queued sends enter the external work queue.
type Hub struct {
	cfg config.Notifications

	mu       sync.RWMutex
	subs     map[string]*subscription
	statuses map[string]*Status

	queue     queue.Queue
	queueName string

	bus    *events.Bus
	logger types.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger types.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBus attaches the lifecycle event bus.
func WithBus(bus *events.Bus) Option {
	return func(h *Hub) { h.bus = bus }
}

// WithQueue enables queue-backed delivery on the named queue. RunWorker must
// be started for queued records to drain.
func WithQueue(q queue.Queue, name string) Option {
	return func(h *Hub) {
		h.queue = q
		h.queueName = name
	}
}

// NewHub creates a hub with the given defaults.
func NewHub(cfg config.Notifications, opts ...Option) *Hub {
	if cfg.Tries <= 0 {
		cfg.Tries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}
	h := &Hub{
		cfg:      cfg,
		subs:     make(map[string]*subscription),
		statuses: make(map[string]*Status),
		logger:   types.NopLogger{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a client's sink under the given type allow-list and
// filter. An existing subscription for the same client is replaced; its
// undelivered pending notifications are discarded.
func (h *Hub) Subscribe(clientID string, sink Sink, notifTypes []string, filter Filter) error {
	if clientID == "" {
		return fmt.Errorf("notifications: client id is empty")
	}
	if sink == nil {
		return fmt.Errorf("notifications: sink is nil for client %s", clientID)
	}

	sub := &subscription{
		clientID: clientID,
		sink:     sink,
		types:    notifTypes,
		filter:   filter,
		pending:  make(chan *Record, h.cfg.Buffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.subs[clientID]; ok {
		prev.stop()
	}
	h.subs[clientID] = sub
	h.mu.Unlock()

	go h.writer(sub)
	h.logger.Debug("client %s subscribed, types=%v", clientID, notifTypes)
	return nil
}

// Unsubscribe removes a client's subscription. Unknown clients are a no-op.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	sub, ok := h.subs[clientID]
	if ok {
		delete(h.subs, clientID)
	}
	h.mu.Unlock()
	if ok {
		sub.stop()
		h.logger.Debug("client %s unsubscribed", clientID)
	}
}

// UpdateFilter replaces a client's filter in place.
func (h *Hub) UpdateFilter(clientID string, filter Filter) error {
	h.mu.RLock()
	sub, ok := h.subs[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notifications: client %s is not subscribed", clientID)
	}
	sub.setFilter(filter)
	return nil
}

// ActiveSubscriptions returns the subscribed client ids, sorted.
func (h *Hub) ActiveSubscriptions() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Notify sends one notification to one client and returns the tracking id.
// The client's allow-list and filter still apply; a filtered-out
// notification is dropped without a tracking record and returns an empty id.
func (h *Hub) Notify(ctx context.Context, clientID, typ string, params interface{}, opts *Options) (string, error) {
	h.mu.RLock()
	sub, ok := h.subs[clientID]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("notifications: client %s is not subscribed", clientID)
	}

	rec, err := h.newRecord(clientID, typ, params, opts)
	if err != nil {
		return "", err
	}
	if !sub.matches(rec) {
		return "", nil
	}
	h.track(rec)

	if rec.Options.Queue && h.queue != nil {
		return rec.ID, h.enqueue(ctx, rec)
	}
	h.push(sub, rec)
	return rec.ID, nil
}

// Broadcast sends a notification to every subscription whose allow-list and
// filter match. All deliveries share the returned notification id; one
// subscriber's failure does not affect the others.
func (h *Hub) Broadcast(ctx context.Context, typ string, params interface{}, opts *Options) (string, error) {
	base, err := h.newRecord("", typ, params, opts)
	if err != nil {
		return "", err
	}

	// Snapshot under the read guard, deliver outside it.
	h.mu.RLock()
	targets := make([]*subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		rec := *base
		rec.ClientID = sub.clientID
		if !sub.matches(&rec) {
			continue
		}
		h.track(&rec)
		if rec.Options.Queue && h.queue != nil {
			if err := h.enqueue(ctx, &rec); err != nil {
				h.logger.Warn("broadcast enqueue for %s failed: %v", sub.clientID, err)
			}
			continue
		}
		h.push(sub, &rec)
	}

	if h.bus != nil {
		h.bus.Emit(events.NotificationBroadcast, events.DeliveryPayload{NotificationID: base.ID, Type: typ})
	}
	return base.ID, nil
}

// DeliveryStatus returns every tracked delivery of a notification, sorted by
// client id. A broadcast yields one entry per targeted subscriber.
func (h *Hub) DeliveryStatus(id string) []Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Status
	for _, st := range h.statuses {
		if st.ID == id {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Close stops every subscription writer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		sub.stop()
		delete(h.subs, id)
	}
}

// RunWorker drains the external queue until the context ends. Records whose
// client disconnected between enqueue and dequeue are marked failed.
func (h *Hub) RunWorker(ctx context.Context) {
	if h.queue == nil {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := h.queue.Dequeue(ctx, h.queueName)
		if err != nil {
			if err == queue.ErrEmpty || ctx.Err() != nil {
				continue
			}
			h.logger.Error("notification worker dequeue failed: %v", err)
			continue
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			h.logger.Error("notification worker got malformed record: %v", err)
			continue
		}

		h.mu.RLock()
		sub, ok := h.subs[rec.ClientID]
		h.mu.RUnlock()
		if !ok {
			h.setState(&rec, StateFailed, 0, "client disconnected")
			h.emit(events.NotificationFailed, &rec, "client disconnected")
			continue
		}
		h.deliver(sub, &rec)
	}
}

func (h *Hub) newRecord(clientID, typ string, params interface{}, opts *Options) (*Record, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("notifications: failed to marshal params: %w", err)
	}

	o := Options{Priority: h.cfg.Priority, Tries: h.cfg.Tries, Backoff: h.cfg.Backoff}
	if opts != nil {
		if opts.Priority != "" {
			o.Priority = opts.Priority
		}
		if opts.Tries > 0 {
			o.Tries = opts.Tries
		}
		if opts.Backoff > 0 {
			o.Backoff = opts.Backoff
		}
		o.Queue = opts.Queue
	}

	return &Record{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Type:      typ,
		Params:    raw,
		Timestamp: time.Now().UTC(),
		Options:   o,
	}, nil
}

func (h *Hub) enqueue(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("notifications: failed to marshal record: %w", err)
	}
	if err := h.queue.Enqueue(ctx, h.queueName, payload); err != nil {
		h.setState(rec, StateFailed, 0, err.Error())
		return fmt.Errorf("notifications: failed to enqueue: %w", err)
	}
	h.emit(events.NotificationQueued, rec, "")
	return nil
}

// push enqueues a record on a subscription's pending buffer. A full buffer
// drops the oldest pending record so recent notifications win.
func (h *Hub) push(sub *subscription, rec *Record) {
	for {
		select {
		case sub.pending <- rec:
			return
		default:
		}
		select {
		case dropped := <-sub.pending:
			h.setState(dropped, StateFailed, 0, "dropped: pending buffer overflow")
			h.emit(events.NotificationFailed, dropped, "dropped: pending buffer overflow")
		default:
		}
	}
}

func (h *Hub) writer(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case rec := <-sub.pending:
			h.deliver(sub, rec)
		}
	}
}

// deliver attempts the sink send with exponential retry until the record's
// try budget is spent. DeliverSync exposes it for the queue worker path.
func (h *Hub) deliver(sub *subscription, rec *Record) {
	frame, err := json.Marshal(protocol.NewNotification(protocol.NotificationMethod(rec.Type), rec.Params))
	if err != nil {
		h.setState(rec, StateFailed, 0, err.Error())
		return
	}

	h.setState(rec, StateSent, 0, "")
	h.emit(events.NotificationSent, rec, "")

	attempts := 0
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = rec.Options.Backoff
	expo.Multiplier = retryMultiplier

	operation := func() (struct{}, error) {
		attempts++
		return struct{}{}, sub.sink.Send(frame)
	}
	_, err = backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(rec.Options.Tries)),
	)
	if err != nil {
		h.setState(rec, StateFailed, attempts, err.Error())
		h.emit(events.NotificationFailed, rec, err.Error())
		h.logger.Warn("delivery of %s to %s failed after %d attempts: %v", rec.ID, sub.clientID, attempts, err)
		return
	}
	h.setState(rec, StateDelivered, attempts, "")
	h.emit(events.NotificationDelivered, rec, "")
}

// DeliverSync delivers one record to its client inline, with the usual retry
// budget. Used by external workers that already dequeued the record.
func (h *Hub) DeliverSync(rec *Record) error {
	h.mu.RLock()
	sub, ok := h.subs[rec.ClientID]
	h.mu.RUnlock()
	if !ok {
		h.setState(rec, StateFailed, 0, "client disconnected")
		return fmt.Errorf("notifications: client %s is not subscribed", rec.ClientID)
	}
	h.deliver(sub, rec)
	return nil
}

func statusKey(id, clientID string) string {
	return id + "|" + clientID
}

func (h *Hub) track(rec *Record) {
	now := time.Now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(now)
	h.statuses[statusKey(rec.ID, rec.ClientID)] = &Status{
		ID:        rec.ID,
		ClientID:  rec.ClientID,
		Type:      rec.Type,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (h *Hub) setState(rec *Record, state State, attempts int, lastError string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.statuses[statusKey(rec.ID, rec.ClientID)]
	if !ok {
		return
	}
	st.State = state
	if attempts > 0 {
		st.Attempts = attempts
	}
	st.LastError = lastError
	st.UpdatedAt = time.Now().UTC()
}

// pruneLocked drops status records older than the retention window. Called
// with h.mu held.
func (h *Hub) pruneLocked(now time.Time) {
	cutoff := now.Add(-h.cfg.ResultTTL)
	for key, st := range h.statuses {
		if st.UpdatedAt.Before(cutoff) {
			delete(h.statuses, key)
		}
	}
}

func (h *Hub) emit(evt events.Event, rec *Record, errMsg string) {
	if h.bus == nil {
		return
	}
	h.bus.Emit(evt, events.DeliveryPayload{
		NotificationID: rec.ID,
		ClientID:       rec.ClientID,
		Type:           rec.Type,
		Error:          errMsg,
	})
}
