package entity

import (
	"time"
)

// NamedReference is one entry of a named association.
type NamedReference struct {
	Name     string
	Identity Identity
}

// Snapshot is a detached, deep-copied view of entity state used by backends
// for encoding and decoding.
type Snapshot struct {
	Identity          Identity
	Type              string
	Version           Version
	LastModified      time.Time
	Properties        map[string]any
	Associations      map[string]Identity
	ManyAssociations  map[string][]Identity
	NamedAssociations map[string][]NamedReference
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Properties = make(map[string]any, len(s.Properties))
	for k, v := range s.Properties {
		out.Properties[k] = CloneValue(v)
	}
	out.Associations = make(map[string]Identity, len(s.Associations))
	for k, v := range s.Associations {
		out.Associations[k] = v
	}
	out.ManyAssociations = make(map[string][]Identity, len(s.ManyAssociations))
	for k, v := range s.ManyAssociations {
		out.ManyAssociations[k] = append([]Identity(nil), v...)
	}
	out.NamedAssociations = make(map[string][]NamedReference, len(s.NamedAssociations))
	for k, v := range s.NamedAssociations {
		out.NamedAssociations[k] = append([]NamedReference(nil), v...)
	}
	return out
}

// State is the mutable, in-transaction representation of one entity. A State is
// owned by a single unit of work and is not safe for concurrent use.
type State struct {
	descriptor Descriptor
	status     Status
	data       Snapshot
}

// NewState returns NEW state for id with the descriptor's initial property values.
func NewState(id Identity, d Descriptor, now time.Time) *State {
	s := &State{descriptor: d, status: StatusNew}
	s.data = Snapshot{
		Identity:     id,
		Type:         d.Type,
		LastModified: now,
	}.Clone()
	for _, p := range d.Properties {
		if p.Initial == nil {
			continue
		}
		if v, err := NormalizeValue(d.KindOf(p.Name), p.Initial); err == nil {
			s.data.Properties[p.Name] = v
		}
	}
	return s
}

// FromSnapshot rebuilds LOADED state from a decoded snapshot.
func FromSnapshot(snap Snapshot, d Descriptor) *State {
	data := snap.Clone()
	if data.Type == "" {
		data.Type = d.Type
	}
	return &State{descriptor: d, status: StatusLoaded, data: data}
}

// Identity returns the entity identity.
func (s *State) Identity() Identity { return s.data.Identity }

// Type returns the entity type name.
func (s *State) Type() string { return s.data.Type }

// Version returns the version this state was loaded with.
func (s *State) Version() Version { return s.data.Version }

// LastModified returns the last persisted modification time.
func (s *State) LastModified() time.Time { return s.data.LastModified }

// Status returns the lifecycle status.
func (s *State) Status() Status { return s.status }

// Descriptor returns the entity type descriptor.
func (s *State) Descriptor() Descriptor { return s.descriptor }

// Snapshot returns a deep copy of the state data.
func (s *State) Snapshot() Snapshot { return s.data.Clone() }

// Property returns a copy of the named property value.
func (s *State) Property(name string) (any, bool) {
	v, ok := s.data.Properties[name]
	if !ok {
		return nil, false
	}
	return CloneValue(v), true
}

// PropertyNames lists the properties holding a value.
func (s *State) PropertyNames() []string {
	out := make([]string, 0, len(s.data.Properties))
	for k := range s.data.Properties {
		out = append(out, k)
	}
	return out
}

// SetProperty assigns a declared property. A nil value clears it. The value is
// normalized to the property kind (any Go integer becomes int64 for KindInt);
// a value that does not fit is rejected with InvalidValueError.
func (s *State) SetProperty(name string, value any) error {
	if err := s.mutable("set property"); err != nil {
		return err
	}
	p, ok := s.descriptor.Property(name)
	if !ok {
		return &UnknownStateError{Type: s.data.Type, Kind: "property", Name: name}
	}
	if value == nil {
		delete(s.data.Properties, name)
	} else {
		kind := s.descriptor.KindOf(p.Name)
		v, err := NormalizeValue(kind, value)
		if err != nil {
			return &InvalidValueError{Type: s.data.Type, Property: name, Kind: kind, Value: value, Reason: err.Error()}
		}
		s.data.Properties[name] = v
	}
	s.markUpdated()
	return nil
}

// Association returns the identity held by a single association.
func (s *State) Association(name string) (Identity, bool) {
	id, ok := s.data.Associations[name]
	return id, ok && id != ""
}

// SetAssociation points a single association at id. The zero identity clears it.
func (s *State) SetAssociation(name string, id Identity) error {
	if err := s.mutable("set association"); err != nil {
		return err
	}
	if !s.descriptor.HasAssociation(name) {
		return &UnknownStateError{Type: s.data.Type, Kind: "association", Name: name}
	}
	if id.IsZero() {
		delete(s.data.Associations, name)
	} else {
		s.data.Associations[name] = id
	}
	s.markUpdated()
	return nil
}

// ManyAssociation returns a copy of the ordered identities of a many-association.
func (s *State) ManyAssociation(name string) []Identity {
	return append([]Identity(nil), s.data.ManyAssociations[name]...)
}

// AddManyAssociation inserts id at index, appending when index is out of range.
// It reports false when id is already present.
func (s *State) AddManyAssociation(name string, index int, id Identity) (bool, error) {
	if err := s.mutable("add to many-association"); err != nil {
		return false, err
	}
	if !s.descriptor.HasManyAssociation(name) {
		return false, &UnknownStateError{Type: s.data.Type, Kind: "many-association", Name: name}
	}
	ids := s.data.ManyAssociations[name]
	for _, existing := range ids {
		if existing == id {
			return false, nil
		}
	}
	if index < 0 || index >= len(ids) {
		ids = append(ids, id)
	} else {
		ids = append(ids[:index], append([]Identity{id}, ids[index:]...)...)
	}
	s.data.ManyAssociations[name] = ids
	s.markUpdated()
	return true, nil
}

// RemoveManyAssociation drops id from a many-association, reporting whether it was present.
func (s *State) RemoveManyAssociation(name string, id Identity) (bool, error) {
	if err := s.mutable("remove from many-association"); err != nil {
		return false, err
	}
	if !s.descriptor.HasManyAssociation(name) {
		return false, &UnknownStateError{Type: s.data.Type, Kind: "many-association", Name: name}
	}
	ids := s.data.ManyAssociations[name]
	for i, existing := range ids {
		if existing == id {
			s.data.ManyAssociations[name] = append(ids[:i:i], ids[i+1:]...)
			s.markUpdated()
			return true, nil
		}
	}
	return false, nil
}

// NamedAssociation returns a copy of the ordered entries of a named association.
func (s *State) NamedAssociation(name string) []NamedReference {
	return append([]NamedReference(nil), s.data.NamedAssociations[name]...)
}

// NamedAssociationGet returns the identity stored under key.
func (s *State) NamedAssociationGet(name, key string) (Identity, bool) {
	for _, ref := range s.data.NamedAssociations[name] {
		if ref.Name == key {
			return ref.Identity, true
		}
	}
	return "", false
}

// PutNamedAssociation stores id under key. An existing key keeps its position.
func (s *State) PutNamedAssociation(name, key string, id Identity) error {
	if err := s.mutable("put named association"); err != nil {
		return err
	}
	if !s.descriptor.HasNamedAssociation(name) {
		return &UnknownStateError{Type: s.data.Type, Kind: "named association", Name: name}
	}
	refs := s.data.NamedAssociations[name]
	for i := range refs {
		if refs[i].Name == key {
			refs[i].Identity = id
			s.markUpdated()
			return nil
		}
	}
	s.data.NamedAssociations[name] = append(refs, NamedReference{Name: key, Identity: id})
	s.markUpdated()
	return nil
}

// RemoveNamedAssociation drops key, reporting whether it was present.
func (s *State) RemoveNamedAssociation(name, key string) (bool, error) {
	if err := s.mutable("remove named association"); err != nil {
		return false, err
	}
	if !s.descriptor.HasNamedAssociation(name) {
		return false, &UnknownStateError{Type: s.data.Type, Kind: "named association", Name: name}
	}
	refs := s.data.NamedAssociations[name]
	for i := range refs {
		if refs[i].Name == key {
			s.data.NamedAssociations[name] = append(refs[:i:i], refs[i+1:]...)
			s.markUpdated()
			return true, nil
		}
	}
	return false, nil
}

// Remove marks the state REMOVED.
func (s *State) Remove() { s.status = StatusRemoved }

// MarkPersisted turns NEW or UPDATED state back into LOADED state at version,
// as written by an intermediate commit of its unit of work.
func (s *State) MarkPersisted(version Version, modified time.Time) {
	if s.status == StatusRemoved {
		return
	}
	s.status = StatusLoaded
	s.data.Version = version
	s.data.LastModified = modified
}

func (s *State) mutable(op string) error {
	if s.status == StatusRemoved {
		return &IllegalStateError{Op: op, State: "entity " + string(s.data.Identity) + " is removed"}
	}
	return nil
}

func (s *State) markUpdated() {
	if s.status == StatusLoaded {
		s.status = StatusUpdated
	}
}

// CloneValue deep-copies maps and slices produced by value deserialization so
// that callers never share mutable containers with stored state.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
