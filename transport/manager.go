package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/localserve/mcpd/types"
)

// Factory builds a fresh transport instance for a named driver.
type Factory func() (Transport, error)

// Manager keeps the named driver registry and the cached instance per
// driver, resolves the default transport, and fans lifecycle calls out.
type Manager struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Transport
	def       string
	logger    types.Logger
}

// NewManager creates an empty manager.
func NewManager(logger types.Logger) *Manager {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Manager{
		factories: make(map[string]Factory),
		instances: make(map[string]Transport),
		logger:    logger,
	}
}

// Register adds a named driver. Nil factories, empty names and duplicates
// are rejected.
func (m *Manager) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("transport name is empty")
	}
	if factory == nil {
		return fmt.Errorf("transport factory for %q is nil", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[name]; exists {
		return fmt.Errorf("transport %q already registered", name)
	}
	m.factories[name] = factory
	return nil
}

// SetDefault selects the driver returned by Default.
func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.factories[name]; !exists {
		return fmt.Errorf("unknown transport %q", name)
	}
	m.def = name
	return nil
}

// Get returns the cached instance for a driver, building and initializing it
// on first use.
func (m *Manager) Get(name string) (Transport, error) {
	m.mu.RLock()
	if t, ok := m.instances[name]; ok {
		m.mu.RUnlock()
		return t, nil
	}
	factory, ok := m.factories[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport %q", name)
	}

	t, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to build transport %q: %w", name, err)
	}
	if t == nil {
		return nil, fmt.Errorf("transport factory %q returned nil", name)
	}
	if err := t.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize transport %q: %w", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have raced us; keep the first instance.
	if existing, ok := m.instances[name]; ok {
		return existing, nil
	}
	m.instances[name] = t
	return t, nil
}

// Default resolves the selected default transport.
func (m *Manager) Default() (Transport, error) {
	m.mu.RLock()
	name := m.def
	m.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no default transport selected")
	}
	return m.Get(name)
}

// Names returns the registered driver names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every instantiated transport. Failure to bind any
// transport is fatal to the caller and aborts the remaining starts.
func (m *Manager) StartAll() error {
	for _, name := range m.instantiated() {
		t, err := m.Get(name)
		if err != nil {
			return err
		}
		m.logger.Info("starting transport %s", name)
		if err := t.Start(); err != nil {
			return fmt.Errorf("failed to start transport %q: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every instantiated transport, returning the first error
// after attempting them all.
func (m *Manager) StopAll() error {
	var firstErr error
	for _, name := range m.instantiated() {
		t, err := m.Get(name)
		if err != nil {
			continue
		}
		m.logger.Info("stopping transport %s", name)
		if err := t.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop transport %q: %w", name, err)
		}
	}
	return firstErr
}

// Health reports the connection state of every instantiated transport.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health := make(map[string]bool, len(m.instances))
	for name, t := range m.instances {
		health[name] = t.IsConnected()
	}
	return health
}

func (m *Manager) instantiated() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
