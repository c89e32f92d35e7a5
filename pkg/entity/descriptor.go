package entity

import (
	"fmt"
	"sort"
	"strings"
)

// Status tracks the lifecycle of an entity state within one unit of work.
type Status int

const (
	// StatusNew marks state created in the current unit of work.
	StatusNew Status = iota
	// StatusLoaded marks state read from a backend and not yet mutated.
	StatusLoaded
	// StatusUpdated marks loaded state mutated at least once.
	StatusUpdated
	// StatusRemoved marks state scheduled for removal. It is terminal.
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusLoaded:
		return "LOADED"
	case StatusUpdated:
		return "UPDATED"
	case StatusRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ValueKind enumerates the property value shapes a serializer must round-trip.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindBool   ValueKind = "bool"
	KindTime   ValueKind = "time"
	// KindValue holds any JSON-compatible value (maps, slices, scalars).
	KindValue ValueKind = "value"
)

// ParseValueKind resolves a kind name; unknown names are rejected.
func ParseValueKind(name string) (ValueKind, error) {
	switch k := ValueKind(strings.ToLower(strings.TrimSpace(name))); k {
	case KindString, KindInt, KindFloat, KindBool, KindTime, KindValue:
		return k, nil
	default:
		return "", fmt.Errorf("unknown value kind %q", name)
	}
}

// PropertyDescriptor declares one property of an entity type.
type PropertyDescriptor struct {
	Name    string
	Kind    ValueKind
	Initial any
}

// Descriptor declares the state shape of an entity type.
type Descriptor struct {
	Type              string
	Properties        []PropertyDescriptor
	Associations      []string
	ManyAssociations  []string
	NamedAssociations []string
}

// Property returns the named property descriptor.
func (d Descriptor) Property(name string) (PropertyDescriptor, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

// KindOf returns the declared kind for a property, falling back to KindValue
// for names the descriptor does not declare.
func (d Descriptor) KindOf(name string) ValueKind {
	if p, ok := d.Property(name); ok && p.Kind != "" {
		return p.Kind
	}
	return KindValue
}

// HasAssociation reports whether name is a declared single association.
func (d Descriptor) HasAssociation(name string) bool { return contains(d.Associations, name) }

// HasManyAssociation reports whether name is a declared many-association.
func (d Descriptor) HasManyAssociation(name string) bool { return contains(d.ManyAssociations, name) }

// HasNamedAssociation reports whether name is a declared named association.
func (d Descriptor) HasNamedAssociation(name string) bool {
	return contains(d.NamedAssociations, name)
}

// Validate checks the descriptor for empty or duplicate names.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("entity descriptor: type name required")
	}
	seen := make(map[string]struct{})
	check := func(kind, name string) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("entity descriptor %s: empty %s name", d.Type, kind)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("entity descriptor %s: duplicate state name %q", d.Type, name)
		}
		seen[name] = struct{}{}
		return nil
	}
	for _, p := range d.Properties {
		if err := check("property", p.Name); err != nil {
			return err
		}
		if p.Kind != "" {
			if _, err := ParseValueKind(string(p.Kind)); err != nil {
				return fmt.Errorf("entity descriptor %s: property %s: %w", d.Type, p.Name, err)
			}
		}
		if p.Initial != nil {
			if _, err := NormalizeValue(d.KindOf(p.Name), p.Initial); err != nil {
				return &InvalidValueError{Type: d.Type, Property: p.Name, Kind: d.KindOf(p.Name), Value: p.Initial, Reason: err.Error()}
			}
		}
	}
	for _, groups := range [][]string{d.Associations, d.ManyAssociations, d.NamedAssociations} {
		for _, name := range groups {
			if err := check("association", name); err != nil {
				return err
			}
		}
	}
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Module is the set of entity types known to one application module, together
// with the application version recorded alongside persisted state.
type Module struct {
	name    string
	version string
	types   map[string]Descriptor
}

// NewModule validates and registers the supplied descriptors.
func NewModule(name, version string, descriptors ...Descriptor) (*Module, error) {
	m := &Module{name: name, version: version, types: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.types[d.Type]; dup {
			return nil, fmt.Errorf("module %s: entity type %s registered twice", name, d.Type)
		}
		m.types[d.Type] = d
	}
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Version returns the application version stamped on persisted state.
func (m *Module) Version() string { return m.version }

// Descriptor looks up an entity type.
func (m *Module) Descriptor(typeName string) (Descriptor, bool) {
	if m == nil {
		return Descriptor{}, false
	}
	d, ok := m.types[typeName]
	return d, ok
}

// MustDescriptor looks up an entity type or returns NoSuchEntityTypeError.
func (m *Module) MustDescriptor(typeName string) (Descriptor, error) {
	d, ok := m.Descriptor(typeName)
	if !ok {
		name := ""
		if m != nil {
			name = m.name
		}
		return Descriptor{}, &NoSuchEntityTypeError{Type: typeName, Module: name}
	}
	return d, nil
}

// Types lists the registered entity type names in sorted order.
func (m *Module) Types() []string {
	out := make([]string, 0, len(m.types))
	for t := range m.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
