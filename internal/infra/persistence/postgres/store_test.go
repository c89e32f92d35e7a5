package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"strings"
	"testing"

	"polygene/internal/infra/persistence/postgres/testutil"
	"polygene/internal/infra/persistence/storetest"
	"polygene/internal/serialization"
	"polygene/pkg/entity"
)

func stubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("expected driver %s, got %s", defaultDriver, driverName)
		}
		return db, nil
	})
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "", serialization.JSON{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, conn
}

func TestNewStoreAppliesSchema(t *testing.T) {
	_, conn := stubStore(t)
	for _, table := range []string{"entities", "entity_properties", "entity_associations"} {
		if len(conn.ExecContaining("CREATE TABLE IF NOT EXISTS "+table+" ")) != 1 {
			t.Fatalf("expected DDL for %s, got %v", table, conn.Execs)
		}
	}
}

func TestNewStoreFailures(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		setup func(*testutil.StubConn)
		want  string
	}{
		{name: "ping", setup: func(c *testutil.StubConn) { c.FailPing = true }, want: "ping postgres"},
		{name: "migrate", setup: func(c *testutil.StubConn) { c.FailExec = true }, want: "migrate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, conn := testutil.NewStubDB()
			tc.setup(conn)
			restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
			defer restore()
			if _, err := NewStore(ctx, "ignored", serialization.JSON{}); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q failure, got %v", tc.want, err)
			}
		})
	}

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("no driver") })
	defer restore()
	if _, err := NewStore(ctx, "", serialization.JSON{}); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open failure, got %v", err)
	}
}

func TestCommitUsesNumberedPlaceholders(t *testing.T) {
	store, conn := stubStore(t)
	m := storetest.Module(t)
	u := storetest.UnitOfWork(m, "u1", 0)
	ada := storetest.NewPerson(t, store, u, "ada")
	storetest.Commit(t, store, u, ada)

	inserts := conn.ExecContaining("INSERT INTO entities ")
	if len(inserts) != 1 {
		t.Fatalf("expected one entity insert, got %v", inserts)
	}
	if !strings.Contains(inserts[0].Query, "$5") || strings.Contains(inserts[0].Query, "?") {
		t.Fatalf("expected numbered placeholders, got %s", inserts[0].Query)
	}
	if inserts[0].Args[0] != "ada" || inserts[0].Args[2] != "u1" || inserts[0].Args[3] != "1.0.0" {
		t.Fatalf("unexpected insert args %v", inserts[0].Args)
	}
	if len(conn.ExecContaining("INSERT INTO entity_properties")) == 0 {
		t.Fatalf("expected property rows")
	}
	if conn.Commits != 1 {
		t.Fatalf("expected one commit, got %d", conn.Commits)
	}
}

func TestConditionalUpdateMissIsConflict(t *testing.T) {
	store, conn := stubStore(t)
	m := storetest.Module(t)
	d := storetest.PersonDescriptor()
	stale := entity.FromSnapshot(entity.Snapshot{Identity: "ada", Type: "Person", Version: "old"}, d)
	_ = stale.SetProperty("name", "Ada")
	conn.Affected = 0
	err := storetest.TryCommit(store, storetest.UnitOfWork(m, "u2", 0), stale)
	if !errors.Is(err, entity.ErrConcurrentModification) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conn.Commits != 0 || conn.Rollbacks == 0 {
		t.Fatalf("conflicting batch must roll back, commits=%d rollbacks=%d", conn.Commits, conn.Rollbacks)
	}
	update := conn.ExecContaining("UPDATE entities")
	if len(update) != 1 || update[0].Args[len(update[0].Args)-1] != "old" {
		t.Fatalf("update must be conditioned on the expected version, got %v", update)
	}
}

func TestEntityStatesReadsIdentities(t *testing.T) {
	store, conn := stubStore(t)
	m := storetest.Module(t)
	conn.Rows["select identity from entities"] = [][]driver.Value{{"ada"}}
	conn.Rows["select type, version, modified from entities"] = [][]driver.Value{{"Person", "u1", storetest.Epoch.UnixMilli()}}
	conn.Rows["select name, value from entity_properties"] = [][]driver.Value{{"name", `"Ada"`}}
	it, err := store.EntityStates(context.Background(), m)
	if err != nil {
		t.Fatalf("EntityStates: %v", err)
	}
	states, err := entity.Collect(it)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(states) != 1 || states[0].Identity() != "ada" {
		t.Fatalf("unexpected states %v", states)
	}
	if name, _ := states[0].Property("name"); name != "Ada" {
		t.Fatalf("unexpected name %v", name)
	}
}

// TestPostgresStoreContract runs against a real database when
// POLYGENE_TEST_POSTGRES_DSN is set.
func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("POLYGENE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLYGENE_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) entity.StoreSPI {
		ctx := context.Background()
		store, err := NewStore(ctx, dsn, serialization.JSON{})
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		if err := store.Reset(ctx); err != nil {
			t.Fatalf("reset: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestEntityStateOfReadsInOneSnapshot(t *testing.T) {
	store, conn := stubStore(t)
	m := storetest.Module(t)
	conn.Rows["select type, version, modified from entities"] = [][]driver.Value{{"Person", "u1", storetest.Epoch.UnixMilli()}}
	conn.Rows["select name, value from entity_properties"] = [][]driver.Value{{"name", `"Ada"`}}
	begun := len(conn.TxOptions)

	if _, err := store.EntityStateOf(context.Background(), storetest.UnitOfWork(m, "reader", 0), "ada"); err != nil {
		t.Fatalf("EntityStateOf: %v", err)
	}
	if len(conn.TxOptions) != begun+1 {
		t.Fatalf("expected one read transaction, got %d", len(conn.TxOptions)-begun)
	}
	opts := conn.TxOptions[begun]
	if !opts.ReadOnly || opts.Isolation != driver.IsolationLevel(sql.LevelRepeatableRead) {
		t.Fatalf("expected read-only repeatable read, got %+v", opts)
	}
	if conn.Commits != 0 || conn.Rollbacks != 1 {
		t.Fatalf("read transaction must be rolled back, commits=%d rollbacks=%d", conn.Commits, conn.Rollbacks)
	}

	conn.FailBegin = true
	if _, err := store.EntityStateOf(context.Background(), storetest.UnitOfWork(m, "reader", 0), "ada"); !errors.Is(err, entity.ErrStoreFailure) {
		t.Fatalf("expected store failure when the read transaction cannot begin, got %v", err)
	}
}
