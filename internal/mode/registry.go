package mode

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh, unconnected Mode from the session's backend config.
type Factory func(cfg Config) (Mode, error)

// Registry selects a Mode variant by name once per session.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds a Mode for name. Unknown names wrap ErrUnsupportedMode.
func (r *Registry) New(name string, cfg Config) (Mode, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, name)
	}
	return f(cfg)
}

// Names returns the registered mode names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
