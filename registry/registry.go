// Package registry keeps the server's three component maps — tools,
// resources and prompts — together with per-component metadata.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/yosida95/uritemplate/v3"

	"github.com/localserve/mcpd/events"
	"github.com/localserve/mcpd/protocol"
	"github.com/localserve/mcpd/types"
)

// Kind discriminates the three component namespaces.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Callable is the contract the protocol handler invokes for 'tools/call'.
type Callable interface {
	Call(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error)
}

// Readable is the contract the protocol handler invokes for 'resources/read'.
// vars holds URI template variables extracted from the concrete URI.
type Readable interface {
	Read(ctx context.Context, uri string, vars map[string]string) (*protocol.ReadResourceResult, error)
}

// Subscribable is optionally implemented by resources that want to observe
// 'resources/subscribe' calls targeting them.
type Subscribable interface {
	Subscribe(uri string) error
}

// Renderable is the contract the protocol handler invokes for 'prompts/get'.
type Renderable interface {
	Render(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)
}

// Metadata carries everything a registered component exposes besides its
// behavior.
type Metadata struct {
	Name        string
	Description string
	// InputSchema applies to tools.
	InputSchema protocol.InputSchema
	// Arguments applies to prompts.
	Arguments []protocol.PromptArgument
	// URITemplate and MimeType apply to resources. URITemplate may be a
	// concrete URI; templates use RFC 6570 braces.
	URITemplate string
	MimeType    string
	// AuthRequired gates the component behind the server's auth hook.
	AuthRequired bool
	// Middleware names middleware the host wired around the component.
	Middleware []string
	// Extra is opaque host metadata.
	Extra map[string]interface{}
}

type entry struct {
	meta      Metadata
	component interface{}
	template  *uritemplate.Template
}

// RegistrationError reports a rejected registration.
type RegistrationError struct {
	Kind   Kind
	Name   string
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("cannot register %s %q: %s", e.Kind, e.Name, e.Reason)
}

// NotFoundError reports a missing component.
type NotFoundError struct {
	Kind Kind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// Registry is safe for concurrent use: registration serializes against the
// read-heavy lookup and list paths, and List returns stable snapshots.
type Registry struct {
	mu     sync.RWMutex
	kinds  map[Kind]map[string]*entry
	bus    *events.Bus
	logger types.Logger
}

// New creates an empty registry. bus may be nil when events are disabled.
func New(bus *events.Bus, logger types.Logger) *Registry {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Registry{
		kinds: map[Kind]map[string]*entry{
			KindTool:     {},
			KindResource: {},
			KindPrompt:   {},
		},
		bus:    bus,
		logger: logger,
	}
}

// Register adds a component under (kind, name). A duplicate name fails with
// *RegistrationError; use Replace to overwrite.
func (r *Registry) Register(kind Kind, meta Metadata, component interface{}) error {
	return r.register(kind, meta, component, false)
}

// Replace registers a component, overwriting any existing one of the same
// kind and name.
func (r *Registry) Replace(kind Kind, meta Metadata, component interface{}) error {
	return r.register(kind, meta, component, true)
}

func (r *Registry) register(kind Kind, meta Metadata, component interface{}, force bool) error {
	if meta.Name == "" {
		return &RegistrationError{Kind: kind, Name: meta.Name, Reason: "name is empty"}
	}
	if err := checkContract(kind, component); err != nil {
		return err
	}

	e := &entry{meta: meta, component: component}
	if kind == KindResource && meta.URITemplate != "" {
		tmpl, err := uritemplate.New(meta.URITemplate)
		if err != nil {
			return &RegistrationError{Kind: kind, Name: meta.Name, Reason: fmt.Sprintf("invalid URI template: %v", err)}
		}
		e.template = tmpl
	}

	r.mu.Lock()
	if _, exists := r.kinds[kind][meta.Name]; exists && !force {
		r.mu.Unlock()
		return &RegistrationError{Kind: kind, Name: meta.Name, Reason: "already registered"}
	}
	r.kinds[kind][meta.Name] = e
	r.mu.Unlock()

	r.logger.Debug("registered %s: %s", kind, meta.Name)
	r.bus.Emit(events.ComponentRegistered, events.ComponentPayload{Kind: string(kind), Name: meta.Name})
	return nil
}

func checkContract(kind Kind, component interface{}) error {
	var ok bool
	switch kind {
	case KindTool:
		_, ok = component.(Callable)
	case KindResource:
		_, ok = component.(Readable)
	case KindPrompt:
		_, ok = component.(Renderable)
	default:
		return &RegistrationError{Kind: kind, Reason: "unknown kind"}
	}
	if !ok {
		return &RegistrationError{Kind: kind, Reason: fmt.Sprintf("component %T does not satisfy the %s contract", component, kind)}
	}
	return nil
}

// Unregister removes a component. A missing component fails with
// *NotFoundError.
func (r *Registry) Unregister(kind Kind, name string) error {
	r.mu.Lock()
	if _, exists := r.kinds[kind][name]; !exists {
		r.mu.Unlock()
		return &NotFoundError{Kind: kind, Name: name}
	}
	delete(r.kinds[kind], name)
	r.mu.Unlock()

	r.logger.Debug("unregistered %s: %s", kind, name)
	r.bus.Emit(events.ComponentUnregistered, events.ComponentPayload{Kind: string(kind), Name: name})
	return nil
}

// Has reports whether (kind, name) is registered.
func (r *Registry) Has(kind Kind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind][name]
	return ok
}

// Get returns the component and metadata registered under (kind, name).
func (r *Registry) Get(kind Kind, name string) (interface{}, Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.kinds[kind][name]
	if !ok {
		return nil, Metadata{}, false
	}
	return e.component, e.meta, true
}

// List returns a snapshot of the metadata of every component of a kind,
// sorted by name ascending. Concurrent mutation never affects a returned
// snapshot.
func (r *Registry) List(kind Kind) []Metadata {
	r.mu.RLock()
	metas := make([]Metadata, 0, len(r.kinds[kind]))
	for _, e := range r.kinds[kind] {
		metas = append(metas, e.meta)
	}
	r.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas
}

// Count returns the number of registered components of a kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kinds[kind])
}

// MatchResource resolves a concrete URI against registered resources: first
// by exact URI, then by URI template, extracting template variables.
func (r *Registry) MatchResource(uri string) (Readable, Metadata, map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.kinds[KindResource] {
		if e.meta.URITemplate == uri {
			return e.component.(Readable), e.meta, nil, true
		}
	}
	for _, e := range r.kinds[KindResource] {
		if e.template == nil {
			continue
		}
		values := e.template.Match(uri)
		if values == nil {
			continue
		}
		vars := make(map[string]string)
		for _, name := range e.template.Varnames() {
			v := values.Get(name)
			if v.Valid() && v.T == uritemplate.ValueTypeString {
				vars[name] = v.String()
			}
		}
		return e.component.(Readable), e.meta, vars, true
	}
	return nil, Metadata{}, nil, false
}
