// Package mapstore keeps one JSON document per entity in a blob store. Any
// core.Store driver (memory, filesystem, S3) can hold the documents.
package mapstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"

	"polygene/internal/blob/core"
	"polygene/internal/infra/persistence/document"
	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

const (
	backendName   = "mapstore"
	defaultPrefix = "entities/"
	docSuffix     = ".json"
	contentType   = "application/json"
)

var _ entity.StoreSPI = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger observe.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPrefix sets the key prefix under which documents are written.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements entity.StoreSPI over a blob store.
type Store struct {
	blobs      core.Store
	serializer entity.ValueSerializer
	logger     observe.Logger
	prefix     string
	mu         sync.Mutex
}

// New returns a document store writing through blobs.
func New(blobs core.Store, serializer entity.ValueSerializer, opts ...Option) *Store {
	s := &Store{blobs: blobs, serializer: serializer, logger: observe.NopLogger(), prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the blob key of an entity document. The identity is path
// escaped, with dots escaped too, so it always maps to one flat key that no
// blob driver rejects.
func (s *Store) Key(id entity.Identity) string {
	return s.prefix + escapeIdentity(id) + docSuffix
}

func escapeIdentity(id entity.Identity) string {
	return strings.ReplaceAll(url.PathEscape(string(id)), ".", "%2E")
}

// identityOf reverses Key for a listed blob key.
func (s *Store) identityOf(key string) (entity.Identity, bool) {
	name := strings.TrimPrefix(key, s.prefix)
	if !strings.HasSuffix(name, docSuffix) || strings.Contains(name, "/") {
		return "", false
	}
	raw, err := url.PathUnescape(strings.TrimSuffix(name, docSuffix))
	if err != nil || raw == "" {
		return "", false
	}
	return entity.Identity(raw), true
}

func (s *Store) read(ctx context.Context, id entity.Identity) ([]byte, error) {
	_, rc, err := s.blobs.Get(ctx, s.Key(id))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, &entity.NoSuchEntityError{Identity: id}
		}
		return nil, entity.NewStoreError(backendName, "read", err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, entity.NewStoreError(backendName, "read", err)
	}
	return raw, nil
}

func (s *Store) fetch(ctx context.Context, id entity.Identity) (document.Document, []byte, error) {
	raw, err := s.read(ctx, id)
	if err != nil {
		return document.Document{}, nil, err
	}
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document.Document{}, nil, entity.NewStoreError(backendName, "decode", fmt.Errorf("%s: %w", id, err))
	}
	return doc, raw, nil
}

// NewEntityState implements entity.StoreSPI.
func (s *Store) NewEntityState(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity, d entity.Descriptor) (*entity.State, error) {
	return entity.NewState(id, d, uow.CurrentTime()), nil
}

// EntityStateOf implements entity.StoreSPI.
func (s *Store) EntityStateOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (*entity.State, error) {
	doc, _, err := s.fetch(ctx, id)
	if err != nil {
		var missing *entity.NoSuchEntityError
		if errors.As(err, &missing) {
			missing.Usecase = uow.Usecase()
		}
		return nil, err
	}
	return s.decode(uow.Module(), doc)
}

func (s *Store) decode(module *entity.Module, doc document.Document) (*entity.State, error) {
	st, err := document.Decode(s.serializer, module, doc)
	if err != nil && !errors.Is(err, entity.ErrNoSuchEntityType) {
		return nil, entity.NewStoreError(backendName, "decode "+doc.Identity, err)
	}
	return st, err
}

// VersionOf implements entity.StoreSPI.
func (s *Store) VersionOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (entity.Version, error) {
	doc, _, err := s.fetch(ctx, id)
	if err != nil {
		var missing *entity.NoSuchEntityError
		if errors.As(err, &missing) {
			missing.Usecase = uow.Usecase()
		}
		return "", err
	}
	return entity.Version(doc.Version), nil
}

// ApplyChanges implements entity.StoreSPI. Documents are encoded up front.
func (s *Store) ApplyChanges(_ context.Context, uow entity.StoreUnitOfWork, states []*entity.State) (entity.Committer, error) {
	changes := entity.Changes(uow, states)
	appVersion := ""
	if m := uow.Module(); m != nil {
		appVersion = m.Version()
	}
	payloads := make([][]byte, len(changes))
	for i, ch := range changes {
		if ch.Status == entity.StatusRemoved {
			continue
		}
		doc, err := document.Encode(s.serializer, ch.Snapshot, appVersion)
		if err != nil {
			return nil, entity.NewStoreError(backendName, "encode", err)
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, entity.NewStoreError(backendName, "encode", err)
		}
		payloads[i] = payload
	}
	return &committer{store: s, uow: uow.ID(), changes: changes, payloads: payloads}, nil
}

// EntityStates implements entity.StoreSPI. Keys are listed once; documents are
// fetched as the iterator advances.
func (s *Store) EntityStates(ctx context.Context, module *entity.Module) (entity.StateIterator, error) {
	infos, err := s.blobs.List(ctx, s.prefix)
	if err != nil {
		return nil, entity.NewStoreError(backendName, "list", err)
	}
	var ids []entity.Identity
	for _, info := range infos {
		id, ok := s.identityOf(info.Key)
		if !ok {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	pos := 0
	return entity.NewFuncIterator(func() (*entity.State, bool, error) {
		for pos < len(ids) {
			id := ids[pos]
			pos++
			doc, _, err := s.fetch(ctx, id)
			if errors.Is(err, entity.ErrNoSuchEntity) {
				continue
			}
			if err != nil {
				return nil, false, err
			}
			st, err := s.decode(module, doc)
			if err != nil {
				return nil, false, err
			}
			return st, true, nil
		}
		return nil, false, nil
	}, nil), nil
}

type committer struct {
	store    *Store
	uow      string
	changes  []entity.Change
	payloads [][]byte
	done     bool
}

// prior is the document an entity had before the commit touched it; nil
// means the entity did not exist.
type prior struct {
	id  entity.Identity
	raw []byte
}

// Commit validates every change against the stored documents, then writes
// them in order. If a write fails, the documents already written are
// restored.
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

	priors := make([]prior, len(c.changes))
	var conflicts []entity.Identity
	for i, ch := range c.changes {
		doc, raw, err := s.fetch(ctx, ch.Identity())
		exists := err == nil
		if err != nil && !errors.Is(err, entity.ErrNoSuchEntity) {
			return err
		}
		priors[i] = prior{id: ch.Identity(), raw: raw}
		if ch.Status == entity.StatusNew {
			if exists {
				return &entity.AlreadyExistsError{Identity: ch.Identity()}
			}
			continue
		}
		if !exists || entity.Version(doc.Version) != ch.Expected {
			conflicts = append(conflicts, ch.Identity())
		}
	}
	if len(conflicts) > 0 {
		return &entity.ConcurrentModificationError{Identities: conflicts}
	}

	for i, ch := range c.changes {
		var err error
		if ch.Status == entity.StatusRemoved {
			_, err = s.blobs.Delete(ctx, s.Key(ch.Identity()))
		} else {
			_, err = s.blobs.Put(ctx, s.Key(ch.Identity()), bytes.NewReader(c.payloads[i]), core.PutOptions{ContentType: contentType})
		}
		if err != nil {
			s.compensate(priors[:i])
			return entity.NewStoreError(backendName, "write "+string(ch.Identity()), err)
		}
	}
	s.logger.Debug("mapstore commit", "unit_of_work", c.uow, "changes", len(c.changes), "driver", string(s.blobs.Driver()))
	return nil
}

func (c *committer) Cancel() { c.done = true }

// compensate restores documents in reverse order. It uses a fresh context so
// that a cancelled commit still rolls back.
func (s *Store) compensate(written []prior) {
	ctx := context.Background()
	for i := len(written) - 1; i >= 0; i-- {
		p := written[i]
		var err error
		if p.raw == nil {
			_, err = s.blobs.Delete(ctx, s.Key(p.id))
		} else {
			_, err = s.blobs.Put(ctx, s.Key(p.id), bytes.NewReader(p.raw), core.PutOptions{ContentType: contentType})
		}
		if err != nil {
			s.logger.Error("mapstore compensation failed", "identity", string(p.id), "error", err)
		}
	}
}
