// Package postgres provides the Postgres entity store. It opens the database
// through the pgx database/sql driver and applies the relational schema on
// startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"polygene/internal/infra/persistence/sqlstore"
	"polygene/pkg/entity"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/polygene?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a sqlstore.Store bound to a Postgres database.
type Store struct {
	*sqlstore.Store
}

// NewStore opens the database at dsn (falls back to defaultDSN), verifies the
// connection, and ensures the schema exists.
func NewStore(ctx context.Context, dsn string, serializer entity.ValueSerializer, opts ...sqlstore.Option) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{Store: sqlstore.New(db, sqlstore.Postgres, serializer, opts...)}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Reset truncates every entity table. Intended for test databases.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.DB().ExecContext(ctx, `TRUNCATE TABLE entity_associations, entity_properties, entities`); err != nil {
		return entity.NewStoreError("postgres", "reset", err)
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
