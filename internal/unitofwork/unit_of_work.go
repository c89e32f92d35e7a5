package unitofwork

import (
	"context"
	"errors"
	"fmt"
	"time"

	"polygene/pkg/entity"
)

// Status is the lifecycle phase of a unit of work.
type Status int

const (
	StatusOpen Status = iota
	StatusCompleting
	StatusCommitted
	StatusDiscarded
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleting:
		return "completing"
	case StatusCommitted:
		return "committed"
	case StatusDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// CompletionStatus tells after-completion callbacks how the unit ended.
type CompletionStatus int

const (
	Completed CompletionStatus = iota
	Discarded
)

func (c CompletionStatus) String() string {
	if c == Completed {
		return "completed"
	}
	return "discarded"
}

// Callback observes the completion of a unit of work. A BeforeCompletion error
// aborts the completion; AfterCompletion runs once the unit is closed.
type Callback interface {
	BeforeCompletion(ctx context.Context, uow *UnitOfWork) error
	AfterCompletion(uow *UnitOfWork, status CompletionStatus)
}

// CallbackFuncs adapts two optional functions into a Callback.
type CallbackFuncs struct {
	Before func(ctx context.Context, uow *UnitOfWork) error
	After  func(uow *UnitOfWork, status CompletionStatus)
}

// BeforeCompletion implements Callback.
func (c *CallbackFuncs) BeforeCompletion(ctx context.Context, uow *UnitOfWork) error {
	if c.Before == nil {
		return nil
	}
	return c.Before(ctx, uow)
}

// AfterCompletion implements Callback.
func (c *CallbackFuncs) AfterCompletion(uow *UnitOfWork, status CompletionStatus) {
	if c.After != nil {
		c.After(uow, status)
	}
}

// UnitOfWork caches every entity it touches and commits the changed ones in a
// single batch. It is not safe for concurrent use.
type UnitOfWork struct {
	factory   *Factory
	id        string
	usecase   string
	now       time.Time
	status    Status
	cache     map[entity.Identity]*entity.State
	order     []entity.Identity
	created   map[entity.Identity]struct{}
	callbacks []Callback
}

var _ entity.StoreUnitOfWork = (*UnitOfWork)(nil)

// ID implements entity.StoreUnitOfWork.
func (u *UnitOfWork) ID() string { return u.id }

// Usecase implements entity.StoreUnitOfWork.
func (u *UnitOfWork) Usecase() string { return u.usecase }

// CurrentTime implements entity.StoreUnitOfWork. It is fixed at creation.
func (u *UnitOfWork) CurrentTime() time.Time { return u.now }

// Module implements entity.StoreUnitOfWork.
func (u *UnitOfWork) Module() *entity.Module { return u.factory.module }

// Status returns the lifecycle phase.
func (u *UnitOfWork) Status() Status { return u.status }

// IsOpen reports whether the unit still accepts operations.
func (u *UnitOfWork) IsOpen() bool { return u.status == StatusOpen }

// AddCallback registers a completion callback.
func (u *UnitOfWork) AddCallback(cb Callback) {
	if cb != nil {
		u.callbacks = append(u.callbacks, cb)
	}
}

// RemoveCallback unregisters a completion callback.
func (u *UnitOfWork) RemoveCallback(cb Callback) {
	for i, existing := range u.callbacks {
		if existing == cb {
			u.callbacks = append(u.callbacks[:i:i], u.callbacks[i+1:]...)
			return
		}
	}
}

func (u *UnitOfWork) checkOpen(op string) error {
	if u.status != StatusOpen {
		return &entity.IllegalStateError{Op: op, State: "unit of work " + u.id + " is " + u.status.String()}
	}
	return nil
}

func (u *UnitOfWork) track(s *entity.State) {
	if _, ok := u.cache[s.Identity()]; !ok {
		u.order = append(u.order, s.Identity())
	}
	u.cache[s.Identity()] = s
}

// NewEntityBuilder starts building an entity of the given type.
func (u *UnitOfWork) NewEntityBuilder(_ context.Context, typeName string) (*EntityBuilder, error) {
	if err := u.checkOpen("create entity"); err != nil {
		return nil, err
	}
	d, err := u.factory.module.MustDescriptor(typeName)
	if err != nil {
		return nil, err
	}
	return &EntityBuilder{uow: u, descriptor: d, prototype: entity.NewState("", d, u.now)}, nil
}

// Get returns the state for id, loading it from the store on first access.
func (u *UnitOfWork) Get(ctx context.Context, id entity.Identity) (*entity.State, error) {
	if err := u.checkOpen("get entity"); err != nil {
		return nil, err
	}
	if s, ok := u.cache[id]; ok {
		if s.Status() == entity.StatusRemoved {
			return nil, &entity.NoSuchEntityError{Identity: id, Type: s.Type(), Usecase: u.usecase}
		}
		return s, nil
	}
	s, err := u.factory.store.EntityStateOf(ctx, u, id)
	if err != nil {
		return nil, err
	}
	u.track(s)
	return s, nil
}

// GetOfType is Get restricted to one entity type. An unknown type fails with
// NoSuchEntityTypeError; an entity of another type is reported as missing.
func (u *UnitOfWork) GetOfType(ctx context.Context, typeName string, id entity.Identity) (*entity.State, error) {
	if err := u.checkOpen("get entity"); err != nil {
		return nil, err
	}
	if _, err := u.factory.module.MustDescriptor(typeName); err != nil {
		return nil, err
	}
	s, err := u.Get(ctx, id)
	if err != nil {
		var missing *entity.NoSuchEntityError
		if errors.As(err, &missing) && missing.Type == "" {
			missing.Type = typeName
		}
		return nil, err
	}
	if s.Type() != typeName {
		return nil, &entity.NoSuchEntityError{Identity: id, Type: typeName, Usecase: u.usecase}
	}
	return s, nil
}

// Reference returns a reference to state, pre-resolved for this unit.
func (u *UnitOfWork) Reference(s *entity.State) entity.Reference { return entity.ReferenceTo(s) }

// Resolve returns the state a reference points at. A pre-resolved state is
// used only when it is the one cached by this unit.
func (u *UnitOfWork) Resolve(ctx context.Context, ref entity.Reference) (*entity.State, error) {
	if ref.IsZero() {
		return nil, errors.New("resolve: empty reference")
	}
	if s, ok := ref.State(); ok && u.cache[ref.Identity] == s && s.Status() != entity.StatusRemoved {
		if err := u.checkOpen("resolve reference"); err != nil {
			return nil, err
		}
		return s, nil
	}
	return u.Get(ctx, ref.Identity)
}

// Remove marks the entity REMOVED.
func (u *UnitOfWork) Remove(ctx context.Context, id entity.Identity) error {
	s, err := u.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Remove()
	return nil
}

// Complete commits every NEW, UPDATED, and REMOVED state as one batch. Any
// failure discards the unit and is returned to the caller.
func (u *UnitOfWork) Complete(ctx context.Context) (err error) {
	if err := u.checkOpen("complete"); err != nil {
		return err
	}
	u.status = StatusCompleting
	ctx, span := u.factory.tracer.Start(ctx, "uow.complete")
	start := time.Now()
	defer func() {
		span.End(err)
		u.factory.metrics.Observe(ctx, "uow.complete", err == nil, time.Since(start))
	}()

	for _, cb := range u.callbacks {
		if cbErr := cb.BeforeCompletion(ctx, u); cbErr != nil {
			u.abort("before completion callback failed", cbErr)
			return fmt.Errorf("before completion: %w", cbErr)
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		u.abort("context done", ctxErr)
		return ctxErr
	}

	batch := u.batch()
	if len(batch) > 0 {
		committer, applyErr := u.factory.store.ApplyChanges(ctx, u, batch)
		if applyErr != nil {
			u.abort("apply changes failed", applyErr)
			return applyErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			committer.Cancel()
			u.abort("context done", ctxErr)
			return ctxErr
		}
		if commitErr := committer.Commit(ctx); commitErr != nil {
			committer.Cancel()
			u.abort("commit failed", commitErr)
			return commitErr
		}
	}
	u.status = StatusCommitted
	u.factory.logger.Debug("unit of work committed", "unit_of_work", u.id, "usecase", u.usecase, "changes", len(batch))
	u.afterCompletion(Completed)
	return nil
}

// Apply commits the pending changes as one batch and keeps the unit open.
// Applied states become LOADED at this unit's version; removed entities leave
// the cache. Completion callbacks do not run. On failure nothing is written
// and the unit stays open with its changes pending.
func (u *UnitOfWork) Apply(ctx context.Context) (err error) {
	if err := u.checkOpen("apply"); err != nil {
		return err
	}
	ctx, span := u.factory.tracer.Start(ctx, "uow.apply")
	start := time.Now()
	defer func() {
		span.End(err)
		u.factory.metrics.Observe(ctx, "uow.apply", err == nil, time.Since(start))
	}()
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := u.batch()
	if len(batch) > 0 {
		committer, err := u.factory.store.ApplyChanges(ctx, u, batch)
		if err != nil {
			return err
		}
		if err := committer.Commit(ctx); err != nil {
			committer.Cancel()
			return err
		}
	}
	u.rebase()
	u.factory.logger.Debug("unit of work applied", "unit_of_work", u.id, "usecase", u.usecase, "changes", len(batch))
	return nil
}

// rebase makes the cache match the store after an applied batch.
func (u *UnitOfWork) rebase() {
	order := u.order[:0]
	for _, id := range u.order {
		s := u.cache[id]
		if s.Status() == entity.StatusRemoved {
			delete(u.cache, id)
			delete(u.created, id)
			continue
		}
		if s.Status() != entity.StatusLoaded {
			s.MarkPersisted(entity.Version(u.id), u.now)
		}
		delete(u.created, id)
		order = append(order, id)
	}
	u.order = order
}

// Discard abandons all changes. Discarding a discarded unit is a no-op;
// discarding a committed unit fails with IllegalStateError.
func (u *UnitOfWork) Discard() error {
	switch u.status {
	case StatusDiscarded:
		return nil
	case StatusOpen:
		u.factory.metrics.Observe(context.Background(), "uow.discard", true, 0)
		u.abort("discarded", nil)
		return nil
	default:
		return &entity.IllegalStateError{Op: "discard", State: "unit of work " + u.id + " is " + u.status.String()}
	}
}

// batch returns the states to hand to the store in first-touched order. Entities
// created and removed within this unit never reach the store.
func (u *UnitOfWork) batch() []*entity.State {
	var out []*entity.State
	for _, id := range u.order {
		s := u.cache[id]
		switch s.Status() {
		case entity.StatusLoaded:
			continue
		case entity.StatusRemoved:
			if _, isNew := u.created[id]; isNew {
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func (u *UnitOfWork) abort(reason string, cause error) {
	u.status = StatusDiscarded
	if cause != nil {
		u.factory.logger.Warn("unit of work discarded", "unit_of_work", u.id, "usecase", u.usecase, "reason", reason, "error", cause)
	} else {
		u.factory.logger.Debug("unit of work discarded", "unit_of_work", u.id, "usecase", u.usecase)
	}
	u.afterCompletion(Discarded)
}

func (u *UnitOfWork) afterCompletion(status CompletionStatus) {
	for _, cb := range u.callbacks {
		cb.AfterCompletion(u, status)
	}
}
