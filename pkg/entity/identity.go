// Package entity defines the entity-state data model, the error taxonomy, and the
// storage SPI that every backend implements. Application code manipulates
// entity state through a unit of work; backends only ever see State values
// handed to them through StoreSPI.
package entity

import (
	"fmt"
	"strings"
)

// Identity uniquely names an entity within a module. It never changes once assigned.
type Identity string

// String implements fmt.Stringer.
func (id Identity) String() string { return string(id) }

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool { return id == "" }

// Version is an opaque token written by a backend on every successful commit.
// The empty version belongs to state that has never been persisted.
type Version string

// String implements fmt.Stringer.
func (v Version) String() string { return string(v) }

// Reference points at an entity by identity. A reference obtained from a unit of
// work may carry the already resolved state, which saves a lookup when the
// reference is resolved through the same unit.
type Reference struct {
	Identity Identity
	state    *State
}

// NewReference returns an unresolved reference to id.
func NewReference(id Identity) Reference { return Reference{Identity: id} }

// ReferenceTo returns a reference pre-resolved to the given state.
func ReferenceTo(s *State) Reference {
	if s == nil {
		return Reference{}
	}
	return Reference{Identity: s.Identity(), state: s}
}

// ParseReference parses the textual form produced by Reference.String.
func ParseReference(text string) (Reference, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("parse reference: empty identity")
	}
	return NewReference(Identity(trimmed)), nil
}

// State returns the pre-resolved state when present.
func (r Reference) State() (*State, bool) { return r.state, r.state != nil }

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool { return r.Identity.IsZero() }

// String implements fmt.Stringer.
func (r Reference) String() string { return string(r.Identity) }
