// Package sqlite provides the SQLite entity store over the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"polygene/internal/infra/persistence/sqlstore"
	"polygene/pkg/entity"
)

const defaultPath = "polygene.db"

// Store is a sqlstore.Store bound to a SQLite file.
type Store struct {
	*sqlstore.Store
	path string
}

// NewStore opens (creating if needed) the database at path and applies the
// schema. An empty path uses polygene.db in the working directory.
func NewStore(ctx context.Context, path string, serializer entity.ValueSerializer, opts ...sqlstore.Option) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer connection; readers queue behind it instead of failing busy.
	db.SetMaxOpenConns(1)
	s := &Store{Store: sqlstore.New(db, sqlstore.SQLite, serializer, opts...), path: path}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
