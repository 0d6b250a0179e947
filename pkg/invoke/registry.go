package invoke

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Registry maps adapter names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	name := a.Describe().Name
	if name == "" {
		return fmt.Errorf("register adapter: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("register adapter: %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(adapters ...Adapter) {
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			panic(err)
		}
	}
}

// Get looks up an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// List returns every descriptor sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.adapters))
	for _, name := range slices.Sorted(maps.Keys(r.adapters)) {
		out = append(out, r.adapters[name].Describe())
	}
	return out
}
