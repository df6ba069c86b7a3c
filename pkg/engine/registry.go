package engine

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an engine from its kind-specific configuration.
type Factory func(cfg map[string]any) (Engine, error)

// Registry maps engine kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// RegisterFactory registers a factory for a kind, replacing any previous one.
func (r *Registry) RegisterFactory(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// New builds an engine of the given kind.
func (r *Registry) New(kind string, cfg map[string]any) (Engine, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown engine kind: %s", kind)
	}

	eng, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine %s: %w", kind, err)
	}
	return eng, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
