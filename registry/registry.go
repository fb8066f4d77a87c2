// Package registry provides the global element-type registry for procflow.
// It maps BPMN element types to the behaviour factory that runs them and
// to the metadata used by graph validation and the CLI.
package registry

import (
	"sync"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/core"
)

// Element categories.
const (
	CategoryEvent      = "event"
	CategoryGateway    = "gateway"
	CategoryTask       = "task"
	CategorySubProcess = "subprocess"
	CategoryArtifact   = "artifact"
)

// ElementTypeDef describes a registered element type.
type ElementTypeDef struct {
	Type        core.ElementType `json:"type"`
	Category    string           `json:"category"`
	DisplayName string           `json:"display_name"`
	Description string           `json:"description"`

	// Definitions lists the event definition types the element accepts.
	Definitions []core.ElementType `json:"definitions,omitempty"`

	// Scope marks elements that own child elements.
	Scope bool `json:"scope,omitempty"`

	// Placeholder marks elements that are part of the graph but never run.
	Placeholder bool `json:"placeholder,omitempty"`

	Factory activity.Factory `json:"-"`
}

// Accepts reports whether the element accepts the event definition type.
func (d ElementTypeDef) Accepts(definition core.ElementType) bool {
	for _, t := range d.Definitions {
		if t == definition {
			return true
		}
	}
	return false
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and auto-registers all built-in element types.
func Global() *Registry {
	globalOnce.Do(func() {
		global = newRegistry()
		registerBuiltins(global)
	})
	return global
}

// New returns a registry holding the built-in element types. Callers may
// register their own behaviours without touching the global registry.
func New() *Registry {
	r := newRegistry()
	registerBuiltins(r)
	return r
}

// Registry holds all known element types.
type Registry struct {
	mu    sync.RWMutex
	types map[core.ElementType]ElementTypeDef
	order []core.ElementType // preserves registration order
}

func newRegistry() *Registry {
	return &Registry{
		types: make(map[core.ElementType]ElementTypeDef),
	}
}

// Register adds an element type definition. If a type with the same name
// already exists it is overwritten.
func (r *Registry) Register(def ElementTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns an element type definition by type name.
func (r *Registry) Get(typ core.ElementType) (ElementTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typ]
	return def, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typ core.ElementType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typ]
	return ok
}

// Factory returns the behaviour factory of a type, nil for placeholders
// and unknown types.
func (r *Registry) Factory(typ core.ElementType) activity.Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[typ].Factory
}

// All returns all registered element types in registration order.
func (r *Registry) All() []ElementTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ElementTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}
