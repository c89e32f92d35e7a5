package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"polygene/internal/infra/persistence/storetest"
	"polygene/internal/serialization"
	"polygene/pkg/entity"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), path, serialization.JSON{})
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entity.StoreSPI {
		return openStore(t, filepath.Join(t.TempDir(), "state.db"))
	})
}

func TestSQLiteStorePersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store := openStore(t, path)
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	m := storetest.Module(t)
	u := storetest.UnitOfWork(m, "u1", 0)
	ada := storetest.NewPerson(t, store, u, "ada")
	storetest.Commit(t, store, u, ada)
	_ = store.Close()

	reloaded := openStore(t, path)
	got, err := reloaded.EntityStateOf(context.Background(), storetest.UnitOfWork(m, "u2", 0), "ada")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Version() != "u1" {
		t.Fatalf("expected version u1, got %s", got.Version())
	}
	if !got.LastModified().Equal(storetest.Epoch) {
		t.Fatalf("expected millisecond timestamp to survive, got %v", got.LastModified())
	}
}

func TestSQLiteStoreAppliesSchema(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "state.db"))
	for _, table := range []string{"entities", "entity_properties", "entity_associations"} {
		var name string
		if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&name); err != nil {
			t.Fatalf("lookup %s table: %v", table, err)
		}
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate must be repeatable: %v", err)
	}
}
