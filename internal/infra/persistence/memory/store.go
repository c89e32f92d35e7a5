// Package memory provides the in-memory reference implementation of the entity
// store SPI, used by tests and ephemeral environments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

// Compile-time contract assertion ensuring memory.Store adheres to the storage SPI.
var _ entity.StoreSPI = (*Store)(nil)

const backendName = "memory"

// Option configures the store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger observe.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store keeps one snapshot per identity. Reads take the read lock; a commit
// validates and applies its whole batch under the write lock.
type Store struct {
	mu       sync.RWMutex
	entities map[entity.Identity]entity.Snapshot
	logger   observe.Logger
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{entities: make(map[entity.Identity]entity.Snapshot), logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExportState clones every stored snapshot.
func (s *Store) ExportState() map[entity.Identity]entity.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[entity.Identity]entity.Snapshot, len(s.entities))
	for id, snap := range s.entities {
		out[id] = snap.Clone()
	}
	return out
}

// ImportState replaces the store contents.
func (s *Store) ImportState(state map[entity.Identity]entity.Snapshot) {
	next := make(map[entity.Identity]entity.Snapshot, len(state))
	for id, snap := range state {
		next[id] = snap.Clone()
	}
	s.mu.Lock()
	s.entities = next
	s.mu.Unlock()
}

// NewEntityState implements entity.StoreSPI.
func (s *Store) NewEntityState(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity, d entity.Descriptor) (*entity.State, error) {
	return entity.NewState(id, d, uow.CurrentTime()), nil
}

// EntityStateOf implements entity.StoreSPI.
func (s *Store) EntityStateOf(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (*entity.State, error) {
	s.mu.RLock()
	snap, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &entity.NoSuchEntityError{Identity: id, Usecase: uow.Usecase()}
	}
	return entity.Load(uow.Module(), snap)
}

// VersionOf implements entity.StoreSPI.
func (s *Store) VersionOf(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (entity.Version, error) {
	s.mu.RLock()
	snap, ok := s.entities[id]
	s.mu.RUnlock()
	if !ok {
		return "", &entity.NoSuchEntityError{Identity: id, Usecase: uow.Usecase()}
	}
	return snap.Version, nil
}

// ApplyChanges implements entity.StoreSPI. Nothing is written until Commit.
func (s *Store) ApplyChanges(_ context.Context, uow entity.StoreUnitOfWork, states []*entity.State) (entity.Committer, error) {
	return &committer{store: s, uow: uow.ID(), changes: entity.Changes(uow, states)}, nil
}

// EntityStates implements entity.StoreSPI. The identities are captured when the
// enumeration starts; each state is loaded when the iterator reaches it.
func (s *Store) EntityStates(_ context.Context, module *entity.Module) (entity.StateIterator, error) {
	s.mu.RLock()
	ids := make([]entity.Identity, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pos := 0
	return entity.NewFuncIterator(func() (*entity.State, bool, error) {
		for pos < len(ids) {
			id := ids[pos]
			pos++
			s.mu.RLock()
			snap, ok := s.entities[id]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			st, err := entity.Load(module, snap)
			if err != nil {
				return nil, false, err
			}
			return st, true, nil
		}
		return nil, false, nil
	}, nil), nil
}

type committer struct {
	store   *Store
	uow     string
	changes []entity.Change
	done    bool
}

func (c *committer) Commit(ctx context.Context) error {
	if c.done {
		return entity.NewStoreError(backendName, "commit", errors.New("batch already finished"))
	}
	c.done = true
	if err := ctx.Err(); err != nil {
		return entity.NewStoreError(backendName, "commit", err)
	}
	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := validate(s.entities, c.changes); err != nil {
		return err
	}
	for _, ch := range c.changes {
		if ch.Status == entity.StatusRemoved {
			delete(s.entities, ch.Identity())
			continue
		}
		s.entities[ch.Identity()] = ch.Snapshot.Clone()
	}
	s.logger.Debug("memory store commit", "unit_of_work", c.uow, "changes", len(c.changes))
	return nil
}

func (c *committer) Cancel() { c.done = true }

// validate checks the whole batch against current contents so that a commit
// either applies every change or none.
func validate(current map[entity.Identity]entity.Snapshot, changes []entity.Change) error {
	var conflicts []entity.Identity
	for _, ch := range changes {
		existing, ok := current[ch.Identity()]
		switch ch.Status {
		case entity.StatusNew:
			if ok {
				return &entity.AlreadyExistsError{Identity: ch.Identity()}
			}
		default:
			if !ok || existing.Version != ch.Expected {
				conflicts = append(conflicts, ch.Identity())
			}
		}
	}
	if len(conflicts) > 0 {
		return &entity.ConcurrentModificationError{Identities: conflicts}
	}
	return nil
}
