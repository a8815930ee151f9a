// Package notifications implements the delivery hub for server-initiated
// notifications: subscription management with type allow-lists and
// path-equality filters, direct and broadcast delivery, optional
// queue-backed delivery, and per-delivery tracking.
package notifications

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

// Sink is the delivery target bound to a subscription. Connected transports
// and SSE streams both satisfy it.
type Sink interface {
	Send(message []byte) error
}

// Options controls delivery of a single notification. Zero-valued fields
// fall back to the hub defaults.
type Options struct {
	// Priority is advisory metadata carried on the record; filters can
	// match it as options.priority.
	Priority string `json:"priority,omitempty"`
	// Tries is the maximum number of delivery attempts.
	Tries int `json:"tries,omitempty"`
	// Backoff is the delay before the first retry; later retries grow it.
	Backoff time.Duration `json:"backoff,omitempty"`
	// Queue routes delivery through the external work queue.
	Queue bool `json:"queue,omitempty"`
}

// Record is one notification instance. A broadcast shares one record id
// across every targeted subscriber; retries reuse it. Queued delivery
// marshals the record onto the work queue and the worker rebuilds the wire
// frame from it.
type Record struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"client_id,omitempty"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Options   Options         `json:"options"`
}

// object returns the record as a generic map for filter path resolution.
func (r *Record) object() (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Filter maps dotted paths on the serialized notification object to
// expected values, e.g. {"options.priority": "high"}. A record passes only
// when every path resolves to its expected value.
type Filter map[string]interface{}

// Matches evaluates the filter against a record. An empty filter passes.
func (f Filter) Matches(rec *Record) bool {
	if len(f) == 0 {
		return true
	}
	obj, err := rec.object()
	if err != nil {
		return false
	}
	for path, want := range f {
		got, ok := lookupPath(obj, path)
		if !ok || !valueEquals(got, want) {
			return false
		}
	}
	return true
}

// typeAllowed reports whether a notification type passes a subscription's
// allow-list. An empty list receives every type.
func typeAllowed(types []string, typ string) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == typ {
			return true
		}
	}
	return false
}

func lookupPath(obj map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = obj
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// valueEquals compares a resolved value against an expected one through a
// JSON round-trip so typed expectations (int vs float64) compare cleanly.
func valueEquals(got, want interface{}) bool {
	normalize := func(v interface{}) interface{} {
		raw, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return v
		}
		return out
	}
	return reflect.DeepEqual(normalize(got), normalize(want))
}

// State tracks one delivery through its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateSent      State = "sent"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// Status is the tracked delivery state of one notification for one client.
type Status struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the delivery reached an end state.
func (s Status) Terminal() bool {
	return s.State == StateDelivered || s.State == StateFailed
}
