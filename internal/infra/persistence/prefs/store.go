// Package prefs stores entities in a hierarchical preferences tree, one node
// per entity, persisted as a YAML file. The file is reloaded periodically so
// that external edits become visible.
package prefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

const (
	backendName     = "prefs"
	defaultPath     = "polygene-prefs.yaml"
	defaultInterval = 60 * time.Second
)

var _ entity.StoreSPI = (*Store)(nil)

// node is the preferences node of one entity. Property values hold serialized
// text; many-associations are newline-joined identities and named
// associations alternate name and identity lines.
type node struct {
	Type              string            `yaml:"type"`
	Version           string            `yaml:"version"`
	AppVersion        string            `yaml:"app_version,omitempty"`
	Modified          int64             `yaml:"modified"`
	Properties        map[string]string `yaml:"properties,omitempty"`
	Associations      map[string]string `yaml:"associations,omitempty"`
	ManyAssociations  map[string]string `yaml:"manyassociations,omitempty"`
	NamedAssociations map[string]string `yaml:"namedassociations,omitempty"`
}

type document struct {
	Entities map[string]node `yaml:"entities"`
}

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

// WithReloadInterval sets how often the file is re-read. Zero disables the
// background reload.
func WithReloadInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// Store implements entity.StoreSPI over a YAML preferences file.
type Store struct {
	path       string
	serializer entity.ValueSerializer
	logger     observe.Logger
	interval   time.Duration

	mu   sync.RWMutex
	root map[string]node

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewStore loads the tree at path (an absent file is an empty tree) and starts
// the reload loop.
func NewStore(path string, serializer entity.ValueSerializer, opts ...Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	s := &Store{
		path:       path,
		serializer: serializer,
		logger:     observe.NopLogger(),
		interval:   defaultInterval,
		root:       map[string]node{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	if s.interval > 0 {
		s.wg.Add(1)
		go s.reloadLoop(ctx)
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Close stops the reload loop.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.wg.Wait()
	})
	return nil
}

func (s *Store) reloadLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				s.logger.Warn("prefs reload failed", "path", s.path, "error", err)
			}
		}
	}
}

// Reload replaces the in-memory tree with the file contents.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.root = map[string]node{}
		return nil
	}
	if err != nil {
		return entity.NewStoreError(backendName, "reload", err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return entity.NewStoreError(backendName, "reload", fmt.Errorf("decode %s: %w", s.path, err))
	}
	if doc.Entities == nil {
		doc.Entities = map[string]node{}
	}
	s.root = doc.Entities
	return nil
}

// write persists root atomically through a temp file in the same directory.
func (s *Store) write(root map[string]node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(document{Entities: root}); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".prefs-*.yaml")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

// NewEntityState implements entity.StoreSPI.
func (s *Store) NewEntityState(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity, d entity.Descriptor) (*entity.State, error) {
	return entity.NewState(id, d, uow.CurrentTime()), nil
}

// EntityStateOf implements entity.StoreSPI.
func (s *Store) EntityStateOf(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (*entity.State, error) {
	s.mu.RLock()
	n, ok := s.root[string(id)]
	s.mu.RUnlock()
	if !ok {
		return nil, &entity.NoSuchEntityError{Identity: id, Usecase: uow.Usecase()}
	}
	return s.decode(uow.Module(), id, n)
}

// VersionOf implements entity.StoreSPI.
func (s *Store) VersionOf(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (entity.Version, error) {
	s.mu.RLock()
	n, ok := s.root[string(id)]
	s.mu.RUnlock()
	if !ok {
		return "", &entity.NoSuchEntityError{Identity: id, Usecase: uow.Usecase()}
	}
	return entity.Version(n.Version), nil
}

// ApplyChanges implements entity.StoreSPI.
func (s *Store) ApplyChanges(_ context.Context, uow entity.StoreUnitOfWork, states []*entity.State) (entity.Committer, error) {
	changes := entity.Changes(uow, states)
	appVersion := ""
	if m := uow.Module(); m != nil {
		appVersion = m.Version()
	}
	nodes := make([]node, len(changes))
	for i, ch := range changes {
		if ch.Status == entity.StatusRemoved {
			continue
		}
		n, err := s.encode(ch.Snapshot, appVersion)
		if err != nil {
			return nil, entity.NewStoreError(backendName, "encode", err)
		}
		nodes[i] = n
	}
	return &committer{store: s, uow: uow.ID(), changes: changes, nodes: nodes}, nil
}

// EntityStates implements entity.StoreSPI over the identities present when
// the enumeration starts.
func (s *Store) EntityStates(_ context.Context, module *entity.Module) (entity.StateIterator, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.root))
	for id := range s.root {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	pos := 0
	return entity.NewFuncIterator(func() (*entity.State, bool, error) {
		for pos < len(ids) {
			id := ids[pos]
			pos++
			s.mu.RLock()
			n, ok := s.root[id]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			st, err := s.decode(module, entity.Identity(id), n)
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
	nodes   []node
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

	var conflicts []entity.Identity
	for _, ch := range c.changes {
		existing, ok := s.root[string(ch.Identity())]
		if ch.Status == entity.StatusNew {
			if ok {
				return &entity.AlreadyExistsError{Identity: ch.Identity()}
			}
			continue
		}
		if !ok || entity.Version(existing.Version) != ch.Expected {
			conflicts = append(conflicts, ch.Identity())
		}
	}
	if len(conflicts) > 0 {
		return &entity.ConcurrentModificationError{Identities: conflicts}
	}

	next := make(map[string]node, len(s.root)+len(c.changes))
	for id, n := range s.root {
		next[id] = n
	}
	for i, ch := range c.changes {
		if ch.Status == entity.StatusRemoved {
			delete(next, string(ch.Identity()))
			continue
		}
		next[string(ch.Identity())] = c.nodes[i]
	}
	if err := s.write(next); err != nil {
		return entity.NewStoreError(backendName, "write", err)
	}
	s.root = next
	s.logger.Debug("prefs store commit", "unit_of_work", c.uow, "changes", len(c.changes))
	return nil
}

func (c *committer) Cancel() { c.done = true }

func (s *Store) encode(snap entity.Snapshot, appVersion string) (node, error) {
	n := node{
		Type:       snap.Type,
		Version:    string(snap.Version),
		AppVersion: appVersion,
		Modified:   snap.LastModified.UnixMilli(),
	}
	for name, v := range snap.Properties {
		text, err := s.serializer.Serialize(v)
		if err != nil {
			return node{}, fmt.Errorf("property %s: %w", name, err)
		}
		if n.Properties == nil {
			n.Properties = map[string]string{}
		}
		n.Properties[name] = text
	}
	for name, id := range snap.Associations {
		if n.Associations == nil {
			n.Associations = map[string]string{}
		}
		n.Associations[name] = string(id)
	}
	for name, ids := range snap.ManyAssociations {
		lines := make([]string, len(ids))
		for i, id := range ids {
			lines[i] = string(id)
		}
		if n.ManyAssociations == nil {
			n.ManyAssociations = map[string]string{}
		}
		n.ManyAssociations[name] = strings.Join(lines, "\n")
	}
	for name, refs := range snap.NamedAssociations {
		lines := make([]string, 0, 2*len(refs))
		for _, ref := range refs {
			lines = append(lines, ref.Name, string(ref.Identity))
		}
		if n.NamedAssociations == nil {
			n.NamedAssociations = map[string]string{}
		}
		n.NamedAssociations[name] = strings.Join(lines, "\n")
	}
	return n, nil
}

func (s *Store) decode(module *entity.Module, id entity.Identity, n node) (*entity.State, error) {
	d, err := module.MustDescriptor(n.Type)
	if err != nil {
		return nil, err
	}
	snap := entity.Snapshot{
		Identity:     id,
		Type:         n.Type,
		Version:      entity.Version(n.Version),
		LastModified: time.UnixMilli(n.Modified).UTC(),
	}
	for name, text := range n.Properties {
		v, err := s.serializer.Deserialize(module, d.KindOf(name), text)
		if err != nil {
			return nil, entity.NewStoreError(backendName, "decode "+name, err)
		}
		if snap.Properties == nil {
			snap.Properties = map[string]any{}
		}
		snap.Properties[name] = v
	}
	for name, ref := range n.Associations {
		if ref == "" {
			continue
		}
		if snap.Associations == nil {
			snap.Associations = map[string]entity.Identity{}
		}
		snap.Associations[name] = entity.Identity(ref)
	}
	for name, joined := range n.ManyAssociations {
		for _, line := range splitLines(joined) {
			if snap.ManyAssociations == nil {
				snap.ManyAssociations = map[string][]entity.Identity{}
			}
			snap.ManyAssociations[name] = append(snap.ManyAssociations[name], entity.Identity(line))
		}
	}
	for name, joined := range n.NamedAssociations {
		lines := splitLines(joined)
		if len(lines)%2 != 0 {
			return nil, entity.NewStoreError(backendName, "decode "+name,
				fmt.Errorf("named association of %s has an odd number of lines (%d)", id, len(lines)))
		}
		for i := 0; i < len(lines); i += 2 {
			if snap.NamedAssociations == nil {
				snap.NamedAssociations = map[string][]entity.NamedReference{}
			}
			snap.NamedAssociations[name] = append(snap.NamedAssociations[name],
				entity.NamedReference{Name: lines[i], Identity: entity.Identity(lines[i+1])})
		}
	}
	return entity.FromSnapshot(snap, d), nil
}

func splitLines(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\n")
}
