// Package concurrency provides the optimistic concurrency guard that wraps any
// entity.StoreSPI.
package concurrency

import (
	"context"
	"errors"
	"fmt"

	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

// Option configures a Guard.
type Option func(*Guard)

// WithLogger records detected conflicts.
func WithLogger(logger observe.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Guard rejects batches containing UPDATED or REMOVED state whose stored
// version no longer matches the version it was loaded with. NEW state is never
// checked. All other calls pass straight to the wrapped store.
type Guard struct {
	next   entity.StoreSPI
	logger observe.Logger
}

var _ entity.StoreSPI = (*Guard)(nil)

// NewGuard wraps store.
func NewGuard(store entity.StoreSPI, opts ...Option) *Guard {
	g := &Guard{next: store, logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Unwrap returns the guarded store.
func (g *Guard) Unwrap() entity.StoreSPI { return g.next }

// NewEntityState implements entity.StoreSPI.
func (g *Guard) NewEntityState(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity, d entity.Descriptor) (*entity.State, error) {
	return g.next.NewEntityState(ctx, uow, id, d)
}

// EntityStateOf implements entity.StoreSPI.
func (g *Guard) EntityStateOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (*entity.State, error) {
	return g.next.EntityStateOf(ctx, uow, id)
}

// VersionOf implements entity.StoreSPI.
func (g *Guard) VersionOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (entity.Version, error) {
	return g.next.VersionOf(ctx, uow, id)
}

// EntityStates implements entity.StoreSPI.
func (g *Guard) EntityStates(ctx context.Context, module *entity.Module) (entity.StateIterator, error) {
	return g.next.EntityStates(ctx, module)
}

// ApplyChanges checks every UPDATED and REMOVED state before delegating. A
// single mismatch aborts the whole batch with ConcurrentModificationError.
func (g *Guard) ApplyChanges(ctx context.Context, uow entity.StoreUnitOfWork, states []*entity.State) (entity.Committer, error) {
	var conflicts []entity.Identity
	for _, s := range states {
		if s.Status() != entity.StatusUpdated && s.Status() != entity.StatusRemoved {
			continue
		}
		current, err := g.next.VersionOf(ctx, uow, s.Identity())
		switch {
		case errors.Is(err, entity.ErrNoSuchEntity):
			conflicts = append(conflicts, s.Identity())
		case err != nil:
			return nil, fmt.Errorf("check version of %s: %w", s.Identity(), err)
		case current != s.Version():
			conflicts = append(conflicts, s.Identity())
		}
	}
	if len(conflicts) > 0 {
		g.logger.Warn("concurrent modification detected",
			"unit_of_work", uow.ID(),
			"usecase", uow.Usecase(),
			"entities", conflicts)
		return nil, &entity.ConcurrentModificationError{Identities: conflicts}
	}
	return g.next.ApplyChanges(ctx, uow, states)
}
