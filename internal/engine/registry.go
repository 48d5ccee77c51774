package engine

import (
	"slices"
	"sync"
)

// Registry stores workflow definitions by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*Definition),
	}
}

// Register validates and stores a copy of def. A definition with the same
// name is replaced and keeps its list position. On validation failure the
// registry is left unchanged.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	stored := def.clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[stored.Name]; !exists {
		r.order = append(r.order, stored.Name)
	}
	r.defs[stored.Name] = stored
	return nil
}

// Unregister removes the named definition and reports whether it existed.
// Runs already in flight keep the definition they started with.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[name]; !exists {
		return false
	}
	delete(r.defs, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return true
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (*Definition, bool) {
	def, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return def.clone(), true
}

// List returns copies of all definitions in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name].clone())
	}
	return out
}

// lookup returns the stored definition itself. Stored definitions are never
// mutated, so runs may hold on to it without locking.
func (r *Registry) lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}
