package tools

import (
	"fmt"
	"sync"
)

// Registry maps tool ids to definitions. Reader-heavy: lookups take a read
// lock; register/remove/clear are rare.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Definition
	order []string
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Definition)}
}

// Register stores an immutable copy of the definition with inferred
// capability tags appended. Fails on duplicate ids and on strict tools
// without an input schema. The caller's definition is not mutated.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("tool definition requires an id")
	}
	if def.Invoke == nil {
		return fmt.Errorf("tool %q has no invoker", def.ID)
	}
	if def.Strict && def.InputSchema == nil {
		return fmt.Errorf("strict tool %q requires an input schema", def.ID)
	}

	stored := def.clone()
	stored.Capabilities = mergeCapabilities(stored.Capabilities, InferCapabilities(stored))

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[stored.ID]; exists {
		return fmt.Errorf("tool %q already registered", stored.ID)
	}
	r.items[stored.ID] = stored
	r.order = append(r.order, stored.ID)
	return nil
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.items[id]
	return def, ok
}

// List returns all definitions in registration order.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.items[id])
	}
	return out
}

// ListMissing returns the subset of ids not present in the registry, in
// input order.
func (r *Registry) ListMissing(ids []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	for _, id := range ids {
		if _, ok := r.items[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Normalize resolves ids to definitions in the given order, silently
// skipping unknown ids.
func (r *Registry) Normalize(ids []string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(ids))
	for _, id := range ids {
		if def, ok := r.items[id]; ok {
			out = append(out, def)
		}
	}
	return out
}

// FilterByNames returns registered definitions whose id or display name is
// in names, preserving registration order.
func (r *Registry) FilterByNames(names []string) []*Definition {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Definition
	for _, id := range r.order {
		def := r.items[id]
		if wanted[def.ID] || wanted[def.Name] {
			out = append(out, def)
		}
	}
	return out
}

// Remove deletes the tool if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return
	}
	delete(r.items, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]*Definition)
	r.order = nil
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Capabilities resolves a tool id to its capability tags as strings, for
// use as a policy gate lookup.
func (r *Registry) Capabilities(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.items[id]
	if !ok {
		return nil
	}
	out := make([]string, len(def.Capabilities))
	for i, c := range def.Capabilities {
		out[i] = string(c)
	}
	return out
}
