// Package sqlstore encodes entity state relationally: one row per entity plus
// rows for its properties and associations. Dialect packages (sqlite,
// postgres) open the database and hand it to New.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"polygene/pkg/entity"
	"polygene/pkg/observe"
)

var _ entity.StoreSPI = (*Store)(nil)

// Dialect describes the differences between SQL engines that matter here.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// ReadTx opens the transaction an entity is loaded in. SQLite
	// transactions already read from one snapshot, so nil is enough there.
	ReadTx *sql.TxOptions
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{
		Name:     "postgres",
		Numbered: true,
		ReadTx:   &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	}
)

// Schema holds the DDL applied by Migrate.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		identity TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		version TEXT NOT NULL,
		app_version TEXT NOT NULL,
		modified BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entity_properties (
		identity TEXT NOT NULL,
		name TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (identity, name)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_associations (
		identity TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		label TEXT NOT NULL,
		reference TEXT NOT NULL,
		PRIMARY KEY (identity, kind, name, position)
	)`,
}

const (
	kindOne   = "one"
	kindMany  = "many"
	kindNamed = "named"
)

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

// Store implements entity.StoreSPI on a database/sql handle.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	serializer entity.ValueSerializer
	logger     observe.Logger
	// commits from this process are serialized; the conditional writes
	// protect against other processes.
	mu sync.Mutex
}

// New wraps db. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect, serializer entity.ValueSerializer, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, serializer: serializer, logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return entity.NewStoreError(s.dialect.Name, "migrate", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites '?' placeholders for numbered dialects.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewEntityState implements entity.StoreSPI.
func (s *Store) NewEntityState(_ context.Context, uow entity.StoreUnitOfWork, id entity.Identity, d entity.Descriptor) (*entity.State, error) {
	return entity.NewState(id, d, uow.CurrentTime()), nil
}

// EntityStateOf implements entity.StoreSPI.
func (s *Store) EntityStateOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (*entity.State, error) {
	snap, err := s.loadSnapshot(ctx, uow.Module(), id)
	if err != nil {
		var missing *entity.NoSuchEntityError
		if errors.As(err, &missing) {
			missing.Usecase = uow.Usecase()
		}
		return nil, err
	}
	return entity.Load(uow.Module(), snap)
}

// VersionOf implements entity.StoreSPI.
func (s *Store) VersionOf(ctx context.Context, uow entity.StoreUnitOfWork, id entity.Identity) (entity.Version, error) {
	var version string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT version FROM entities WHERE identity = ?`), string(id)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &entity.NoSuchEntityError{Identity: id, Usecase: uow.Usecase()}
	}
	if err != nil {
		return "", entity.NewStoreError(s.dialect.Name, "version", err)
	}
	return entity.Version(version), nil
}

// ApplyChanges implements entity.StoreSPI. Values are serialized now so that
// encoding failures surface before Commit.
func (s *Store) ApplyChanges(_ context.Context, uow entity.StoreUnitOfWork, states []*entity.State) (entity.Committer, error) {
	changes := entity.Changes(uow, states)
	rows := make([]encoded, 0, len(changes))
	for _, ch := range changes {
		enc, err := s.encode(ch.Snapshot)
		if err != nil {
			return nil, entity.NewStoreError(s.dialect.Name, "encode", err)
		}
		rows = append(rows, enc)
	}
	appVersion := ""
	if m := uow.Module(); m != nil {
		appVersion = m.Version()
	}
	return &committer{store: s, uow: uow.ID(), appVersion: appVersion, changes: changes, rows: rows}, nil
}

// EntityStates implements entity.StoreSPI. Identities are read up front and
// each entity is loaded as the iterator reaches it.
func (s *Store) EntityStates(ctx context.Context, module *entity.Module) (entity.StateIterator, error) {
	ids, err := s.identities(ctx)
	if err != nil {
		return nil, err
	}
	pos := 0
	return entity.NewFuncIterator(func() (*entity.State, bool, error) {
		for pos < len(ids) {
			id := ids[pos]
			pos++
			snap, err := s.loadSnapshot(ctx, module, id)
			if errors.Is(err, entity.ErrNoSuchEntity) {
				continue
			}
			if err != nil {
				return nil, false, err
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

func (s *Store) identities(ctx context.Context) ([]entity.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM entities ORDER BY identity`)
	if err != nil {
		return nil, entity.NewStoreError(s.dialect.Name, "list", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []entity.Identity
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, entity.NewStoreError(s.dialect.Name, "list", err)
		}
		ids = append(ids, entity.Identity(id))
	}
	if err := rows.Err(); err != nil {
		return nil, entity.NewStoreError(s.dialect.Name, "list", err)
	}
	return ids, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// loadSnapshot reads the entity row, its properties and its associations in
// one transaction, so a concurrent commit is seen entirely or not at all.
func (s *Store) loadSnapshot(ctx context.Context, module *entity.Module, id entity.Identity) (entity.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.ReadTx)
	if err != nil {
		return entity.Snapshot{}, entity.NewStoreError(s.dialect.Name, "load", err)
	}
	defer func() { _ = tx.Rollback() }()
	return s.load(ctx, tx, module, id)
}

func (s *Store) load(ctx context.Context, q querier, module *entity.Module, id entity.Identity) (entity.Snapshot, error) {
	var (
		typeName, version string
		modified          int64
	)
	err := q.QueryRowContext(ctx, s.rebind(`SELECT type, version, modified FROM entities WHERE identity = ?`), string(id)).
		Scan(&typeName, &version, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Snapshot{}, &entity.NoSuchEntityError{Identity: id}
	}
	if err != nil {
		return entity.Snapshot{}, entity.NewStoreError(s.dialect.Name, "load", err)
	}
	d, err := module.MustDescriptor(typeName)
	if err != nil {
		return entity.Snapshot{}, err
	}
	snap := entity.Snapshot{
		Identity:     id,
		Type:         typeName,
		Version:      entity.Version(version),
		LastModified: time.UnixMilli(modified).UTC(),
	}
	if err := s.loadProperties(ctx, q, module, d, &snap); err != nil {
		return entity.Snapshot{}, err
	}
	if err := s.loadAssociations(ctx, q, &snap); err != nil {
		return entity.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) loadProperties(ctx context.Context, q querier, module *entity.Module, d entity.Descriptor, snap *entity.Snapshot) error {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT name, value FROM entity_properties WHERE identity = ?`), string(snap.Identity))
	if err != nil {
		return entity.NewStoreError(s.dialect.Name, "load properties", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name, text string
		if err := rows.Scan(&name, &text); err != nil {
			return entity.NewStoreError(s.dialect.Name, "load properties", err)
		}
		v, err := s.serializer.Deserialize(module, d.KindOf(name), text)
		if err != nil {
			return entity.NewStoreError(s.dialect.Name, "decode "+name, err)
		}
		if snap.Properties == nil {
			snap.Properties = make(map[string]any)
		}
		snap.Properties[name] = v
	}
	if err := rows.Err(); err != nil {
		return entity.NewStoreError(s.dialect.Name, "load properties", err)
	}
	return nil
}

func (s *Store) loadAssociations(ctx context.Context, q querier, snap *entity.Snapshot) error {
	rows, err := q.QueryContext(ctx, s.rebind(
		`SELECT kind, name, label, reference FROM entity_associations WHERE identity = ? ORDER BY kind, name, position`),
		string(snap.Identity))
	if err != nil {
		return entity.NewStoreError(s.dialect.Name, "load associations", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var kind, name, label, ref string
		if err := rows.Scan(&kind, &name, &label, &ref); err != nil {
			return entity.NewStoreError(s.dialect.Name, "load associations", err)
		}
		target := entity.Identity(ref)
		switch kind {
		case kindOne:
			if snap.Associations == nil {
				snap.Associations = make(map[string]entity.Identity)
			}
			snap.Associations[name] = target
		case kindMany:
			if snap.ManyAssociations == nil {
				snap.ManyAssociations = make(map[string][]entity.Identity)
			}
			snap.ManyAssociations[name] = append(snap.ManyAssociations[name], target)
		case kindNamed:
			if snap.NamedAssociations == nil {
				snap.NamedAssociations = make(map[string][]entity.NamedReference)
			}
			snap.NamedAssociations[name] = append(snap.NamedAssociations[name], entity.NamedReference{Name: label, Identity: target})
		default:
			return entity.NewStoreError(s.dialect.Name, "load associations", fmt.Errorf("unknown association kind %q", kind))
		}
	}
	if err := rows.Err(); err != nil {
		return entity.NewStoreError(s.dialect.Name, "load associations", err)
	}
	return nil
}
