package mapstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"polygene/internal/blob/core"
	"polygene/internal/infra/blob/fs"
	"polygene/internal/infra/blob/memory"
	"polygene/internal/infra/blob/s3"
	"polygene/internal/infra/persistence/document"
	"polygene/internal/infra/persistence/storetest"
	"polygene/internal/serialization"
	"polygene/pkg/entity"
)

func TestMapStoreContractMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entity.StoreSPI {
		return New(memory.New(), serialization.JSON{})
	})
}

func TestMapStoreContractFilesystem(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entity.StoreSPI {
		blobs, err := fs.New(t.TempDir())
		if err != nil {
			t.Fatalf("fs.New: %v", err)
		}
		return New(blobs, serialization.JSON{})
	})
}

func TestMapStoreContractS3(t *testing.T) {
	storetest.Run(t, func(t *testing.T) entity.StoreSPI {
		return New(s3.NewMockForTests(), serialization.JSON{}, WithPrefix("polygene/"))
	})
}

func TestMapStoreDocumentLayout(t *testing.T) {
	ctx := context.Background()
	blobs := memory.New()
	store := New(blobs, serialization.JSON{}, WithPrefix("docs/"))
	m := storetest.Module(t)
	u := storetest.UnitOfWork(m, "u1", 0)
	storetest.Commit(t, store, u, storetest.NewPerson(t, store, u, "ada"))

	if store.Key("ada") != "docs/ada.json" {
		t.Fatalf("unexpected key %q", store.Key("ada"))
	}
	info, rc, err := blobs.Get(ctx, "docs/ada.json")
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	defer func() { _ = rc.Close() }()
	if info.ContentType != contentType {
		t.Fatalf("unexpected content type %q", info.ContentType)
	}
	raw, _ := io.ReadAll(rc)
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Identity != "ada" || doc.Version != "u1" || doc.AppVersion != "1.0.0" || doc.Modified != storetest.Epoch.UnixMilli() {
		t.Fatalf("unexpected document %+v", doc)
	}
}

func TestMapStoreSkipsForeignKeys(t *testing.T) {
	ctx := context.Background()
	blobs := memory.New()
	if _, err := blobs.Put(ctx, "entities/readme.txt", strings.NewReader("not an entity"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	store := New(blobs, serialization.JSON{})
	it, err := store.EntityStates(ctx, storetest.Module(t))
	if err != nil {
		t.Fatalf("EntityStates: %v", err)
	}
	states, err := entity.Collect(it)
	if err != nil || len(states) != 0 {
		t.Fatalf("expected no states, got %d %v", len(states), err)
	}
}

func TestMapStoreCorruptDocument(t *testing.T) {
	ctx := context.Background()
	blobs := memory.New()
	if _, err := blobs.Put(ctx, "entities/bad.json", strings.NewReader("{"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	store := New(blobs, serialization.JSON{})
	_, err := store.EntityStateOf(ctx, storetest.UnitOfWork(storetest.Module(t), "u1", 0), "bad")
	if !errors.Is(err, entity.ErrStoreFailure) {
		t.Fatalf("expected store failure, got %v", err)
	}
}

// failingBlobs fails the nth Put after it is armed.
type failingBlobs struct {
	core.Store
	armed  bool
	failAt int
	puts   int
}

func (f *failingBlobs) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if f.armed {
		f.puts++
		if f.puts == f.failAt {
			return core.Info{}, errors.New("disk full")
		}
	}
	return f.Store.Put(ctx, key, r, opts)
}

func TestMapStoreCompensatesPartialWrite(t *testing.T) {
	ctx := context.Background()
	blobs := &failingBlobs{Store: memory.New(), failAt: 3}
	store := New(blobs, serialization.JSON{})
	m := storetest.Module(t)
	u1 := storetest.UnitOfWork(m, "u1", 0)
	storetest.Commit(t, store, u1, storetest.NewPerson(t, store, u1, "ada"))

	u2 := storetest.UnitOfWork(m, "u2", 0)
	ada, err := store.EntityStateOf(ctx, u2, "ada")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := ada.SetProperty("name", "changed"); err != nil {
		t.Fatalf("set: %v", err)
	}
	grace := storetest.NewPerson(t, store, u2, "grace")
	alan := storetest.NewPerson(t, store, u2, "alan")

	blobs.armed = true
	err = storetest.TryCommit(store, u2, ada, grace, alan)
	if !errors.Is(err, entity.ErrStoreFailure) {
		t.Fatalf("expected store failure, got %v", err)
	}
	blobs.armed = false

	check := storetest.UnitOfWork(m, "check", 0)
	got, err := store.EntityStateOf(ctx, check, "ada")
	if err != nil {
		t.Fatalf("reload ada: %v", err)
	}
	if v, _ := got.Property("name"); v == "changed" || got.Version() != "u1" {
		t.Fatalf("ada must be restored, got %v at %q", v, got.Version())
	}
	for _, id := range []entity.Identity{"grace", "alan"} {
		if _, err := store.EntityStateOf(ctx, check, id); !errors.Is(err, entity.ErrNoSuchEntity) {
			t.Fatalf("%s must not exist after compensation, got %v", id, err)
		}
	}
}

func TestMapStoreEscapesIdentities(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	blobs, err := fs.New(root)
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	store := New(blobs, serialization.JSON{})
	m := storetest.Module(t)
	ids := []entity.Identity{"a..b", "dept/42", "100%"}

	check := storetest.UnitOfWork(m, "check", 0)
	for _, id := range ids {
		if _, err := store.EntityStateOf(ctx, check, id); !errors.Is(err, entity.ErrNoSuchEntity) {
			t.Fatalf("absent %q: expected NoSuchEntity, got %v", id, err)
		}
	}

	u1 := storetest.UnitOfWork(m, "u1", 0)
	var states []*entity.State
	for _, id := range ids {
		states = append(states, storetest.NewPerson(t, store, u1, id))
	}
	storetest.Commit(t, store, u1, states...)

	if key := store.Key("dept/42"); key != "entities/dept%2F42.json" {
		t.Fatalf("unexpected key %q", key)
	}
	if key := store.Key("a..b"); key != "entities/a%2E%2Eb.json" {
		t.Fatalf("unexpected key %q", key)
	}
	infos, err := blobs.List(ctx, "entities/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, info := range infos {
		if strings.Count(info.Key, "/") != 1 {
			t.Fatalf("document %q must not be nested", info.Key)
		}
	}

	for _, id := range ids {
		got, err := store.EntityStateOf(ctx, check, id)
		if err != nil || got.Identity() != id {
			t.Fatalf("load %q: %v", id, err)
		}
	}
	it, err := store.EntityStates(ctx, m)
	if err != nil {
		t.Fatalf("EntityStates: %v", err)
	}
	listed, err := entity.Collect(it)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	seen := make(map[entity.Identity]bool)
	for _, s := range listed {
		seen[s.Identity()] = true
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("%q missing from enumeration %v", id, seen)
		}
	}
}
