package entity

import (
	"context"
	"time"
)

// StoreUnitOfWork is the backend-facing view of a unit of work.
type StoreUnitOfWork interface {
	// ID is unique per unit of work and becomes the version token of every
	// state it commits.
	ID() string
	Usecase() string
	CurrentTime() time.Time
	Module() *Module
}

// StoreSPI is implemented by every storage backend.
type StoreSPI interface {
	// NewEntityState returns fresh NEW state. The backend does not persist it
	// until ApplyChanges.
	NewEntityState(ctx context.Context, uow StoreUnitOfWork, id Identity, d Descriptor) (*State, error)
	// EntityStateOf loads LOADED state or fails with NoSuchEntityError or
	// NoSuchEntityTypeError.
	EntityStateOf(ctx context.Context, uow StoreUnitOfWork, id Identity) (*State, error)
	// VersionOf returns the currently stored version without loading state.
	VersionOf(ctx context.Context, uow StoreUnitOfWork, id Identity) (Version, error)
	// ApplyChanges validates and stages the batch. Nothing is durable before
	// Committer.Commit, and a failed Commit leaves the store unchanged.
	ApplyChanges(ctx context.Context, uow StoreUnitOfWork, states []*State) (Committer, error)
	// EntityStates enumerates every stored entity lazily. Each call restarts
	// the enumeration.
	EntityStates(ctx context.Context, module *Module) (StateIterator, error)
}

// Committer finishes a batch staged by ApplyChanges. Exactly one of Commit or
// Cancel is called.
type Committer interface {
	Commit(ctx context.Context) error
	Cancel()
}

// StateIterator walks stored entities. Close releases backend resources and is
// safe to call more than once.
type StateIterator interface {
	Next() bool
	State() *State
	Err() error
	Close() error
}

// ValueSerializer converts property values to and from their textual form.
type ValueSerializer interface {
	Serialize(value any) (string, error)
	Deserialize(module *Module, kind ValueKind, text string) (any, error)
}

// StaticUnitOfWork is a fixed StoreUnitOfWork for tools and tests that talk to
// a backend without a full unit of work.
type StaticUnitOfWork struct {
	Identity string
	Name     string
	Now      time.Time
	Mod      *Module
}

// ID implements StoreUnitOfWork.
func (u StaticUnitOfWork) ID() string { return u.Identity }

// Usecase implements StoreUnitOfWork.
func (u StaticUnitOfWork) Usecase() string { return u.Name }

// CurrentTime implements StoreUnitOfWork.
func (u StaticUnitOfWork) CurrentTime() time.Time { return u.Now }

// Module implements StoreUnitOfWork.
func (u StaticUnitOfWork) Module() *Module { return u.Mod }

// SliceIterator iterates over an already materialised slice of states.
type SliceIterator struct {
	states []*State
	pos    int
	err    error
}

// NewSliceIterator returns an iterator over states. A non-nil err is reported
// by Err after the states are exhausted.
func NewSliceIterator(states []*State, err error) *SliceIterator {
	return &SliceIterator{states: states, pos: -1, err: err}
}

// Next implements StateIterator.
func (it *SliceIterator) Next() bool {
	if it.pos+1 >= len(it.states) {
		it.pos = len(it.states)
		return false
	}
	it.pos++
	return true
}

// State implements StateIterator.
func (it *SliceIterator) State() *State {
	if it.pos < 0 || it.pos >= len(it.states) {
		return nil
	}
	return it.states[it.pos]
}

// Err implements StateIterator.
func (it *SliceIterator) Err() error { return it.err }

// Close implements StateIterator.
func (it *SliceIterator) Close() error {
	it.states = nil
	return nil
}

// Collect drains an iterator and closes it.
func Collect(it StateIterator) ([]*State, error) {
	defer func() { _ = it.Close() }()
	var out []*State
	for it.Next() {
		out = append(out, it.State())
	}
	return out, it.Err()
}

// FuncIterator adapts a pull function into a StateIterator. pull returns
// (nil, false, nil) when exhausted.
type FuncIterator struct {
	pull   func() (*State, bool, error)
	close  func() error
	cur    *State
	err    error
	done   bool
	closed bool
}

// NewFuncIterator builds a FuncIterator. closeFn may be nil.
func NewFuncIterator(pull func() (*State, bool, error), closeFn func() error) *FuncIterator {
	return &FuncIterator{pull: pull, close: closeFn}
}

// Next implements StateIterator.
func (it *FuncIterator) Next() bool {
	if it.done || it.closed {
		return false
	}
	s, ok, err := it.pull()
	if err != nil {
		it.err = err
	}
	if err != nil || !ok {
		it.done = true
		it.cur = nil
		return false
	}
	it.cur = s
	return true
}

// State implements StateIterator.
func (it *FuncIterator) State() *State { return it.cur }

// Err implements StateIterator.
func (it *FuncIterator) Err() error { return it.err }

// Close implements StateIterator.
func (it *FuncIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.cur = nil
	if it.close != nil {
		return it.close()
	}
	return nil
}

// Load resolves the snapshot type against module and returns LOADED state.
func Load(module *Module, snap Snapshot) (*State, error) {
	d, err := module.MustDescriptor(snap.Type)
	if err != nil {
		return nil, err
	}
	return FromSnapshot(snap, d), nil
}

// Change is one staged write derived from a state passed to ApplyChanges.
type Change struct {
	Status Status
	// Expected is the version the state was loaded with; empty for NEW state.
	Expected Version
	// Snapshot carries the committing unit's identity as version and its
	// current time as last-modified.
	Snapshot Snapshot
}

// Identity returns the identity of the changed entity.
func (c Change) Identity() Identity { return c.Snapshot.Identity }

// Changes converts a batch into staged writes. LOADED state is skipped.
func Changes(uow StoreUnitOfWork, states []*State) []Change {
	out := make([]Change, 0, len(states))
	for _, s := range states {
		switch s.Status() {
		case StatusNew, StatusUpdated, StatusRemoved:
		default:
			continue
		}
		snap := s.Snapshot()
		expected := snap.Version
		if s.Status() == StatusNew {
			expected = ""
		}
		snap.Version = Version(uow.ID())
		snap.LastModified = uow.CurrentTime()
		out = append(out, Change{Status: s.Status(), Expected: expected, Snapshot: snap})
	}
	return out
}
