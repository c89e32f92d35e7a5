package core

import (
	"fmt"
	"sort"

	"polygene/pkg/composite"
	"polygene/pkg/entity"
)

// Plugin contributes entity types and composite assemblies to a Runtime.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	entities   map[string]entity.Descriptor
	assemblies []func(*composite.Assembler)
}

// NewPluginRegistry constructs an empty plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{entities: make(map[string]entity.Descriptor)}
}

// RegisterEntity declares an entity type. Each type may be registered once.
func (r *PluginRegistry) RegisterEntity(d entity.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, exists := r.entities[d.Type]; exists {
		return fmt.Errorf("entity type %s already registered", d.Type)
	}
	r.entities[d.Type] = d
	return nil
}

// RegisterAssembly adds a function that declares capabilities and composites
// on the runtime's assembler at activation.
func (r *PluginRegistry) RegisterAssembly(fn func(*composite.Assembler)) {
	if fn == nil {
		return
	}
	r.assemblies = append(r.assemblies, fn)
}

// Entities returns the registered descriptors sorted by type name.
func (r *PluginRegistry) Entities() []entity.Descriptor {
	out := make([]entity.Descriptor, 0, len(r.entities))
	for _, d := range r.entities {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// merge moves other's contributions into r, failing on a duplicate type.
func (r *PluginRegistry) merge(other *PluginRegistry) error {
	for name := range other.entities {
		if _, exists := r.entities[name]; exists {
			return fmt.Errorf("entity type %s already registered", name)
		}
	}
	for name, d := range other.entities {
		r.entities[name] = d
	}
	r.assemblies = append(r.assemblies, other.assemblies...)
	return nil
}

// PluginMetadata describes an installed plugin.
type PluginMetadata struct {
	Name     string
	Version  string
	Entities []string
}
