package unitofwork

import (
	"context"

	"polygene/pkg/entity"
)

// EntityBuilder stages the initial state of a new entity. Values set on the
// builder are copied onto the state created by the store in NewInstance.
type EntityBuilder struct {
	uow        *UnitOfWork
	descriptor entity.Descriptor
	identity   entity.Identity
	prototype  *entity.State
	built      bool
}

// WithIdentity fixes the identity instead of generating one.
func (b *EntityBuilder) WithIdentity(id entity.Identity) *EntityBuilder {
	b.identity = id
	return b
}

// Prototype exposes the staged state for direct inspection.
func (b *EntityBuilder) Prototype() *entity.State { return b.prototype }

// SetProperty stages a property value.
func (b *EntityBuilder) SetProperty(name string, value any) error {
	return b.prototype.SetProperty(name, value)
}

// SetAssociation stages a single association.
func (b *EntityBuilder) SetAssociation(name string, id entity.Identity) error {
	return b.prototype.SetAssociation(name, id)
}

// AddManyAssociation appends to a many-association.
func (b *EntityBuilder) AddManyAssociation(name string, id entity.Identity) error {
	_, err := b.prototype.AddManyAssociation(name, -1, id)
	return err
}

// PutNamedAssociation stages an entry of a named association.
func (b *EntityBuilder) PutNamedAssociation(name, key string, id entity.Identity) error {
	return b.prototype.PutNamedAssociation(name, key, id)
}

// NewInstance registers the entity with the unit of work as NEW.
func (b *EntityBuilder) NewInstance(ctx context.Context) (*entity.State, error) {
	u := b.uow
	if err := u.checkOpen("create entity"); err != nil {
		return nil, err
	}
	if b.built {
		return nil, &entity.IllegalStateError{Op: "build entity", State: "builder already used"}
	}
	id := b.identity
	if id.IsZero() {
		id = entity.Identity(u.factory.newID())
	}
	if existing, ok := u.cache[id]; ok && existing.Status() != entity.StatusRemoved {
		return nil, &entity.AlreadyExistsError{Identity: id}
	}
	s, err := u.factory.store.NewEntityState(ctx, u, id, b.descriptor)
	if err != nil {
		return nil, err
	}
	if err := copyState(b.prototype.Snapshot(), s); err != nil {
		return nil, err
	}
	b.built = true
	u.track(s)
	u.created[id] = struct{}{}
	return s, nil
}

func copyState(src entity.Snapshot, dst *entity.State) error {
	for name, v := range src.Properties {
		if err := dst.SetProperty(name, v); err != nil {
			return err
		}
	}
	for name, id := range src.Associations {
		if err := dst.SetAssociation(name, id); err != nil {
			return err
		}
	}
	for name, ids := range src.ManyAssociations {
		for _, id := range ids {
			if _, err := dst.AddManyAssociation(name, -1, id); err != nil {
				return err
			}
		}
	}
	for name, refs := range src.NamedAssociations {
		for _, ref := range refs {
			if err := dst.PutNamedAssociation(name, ref.Name, ref.Identity); err != nil {
				return err
			}
		}
	}
	return nil
}
