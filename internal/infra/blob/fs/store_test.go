package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"polygene/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func readAll(t *testing.T, store *Store, key string) string {
	t.Helper()
	_, rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(b)
}

func TestStorePutGetHeadListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	info, err := store.Put(ctx, "alpha/test.txt", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "text/plain", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "alpha/test.txt" || info.Size != 5 || info.Metadata["k"] != "v" {
		t.Fatalf("unexpected info %+v", info)
	}
	h, err := store.Head(ctx, "alpha/test.txt")
	if err != nil || h.ETag != info.ETag {
		t.Fatalf("head: %v %+v", err, h)
	}
	if got := readAll(t, store, "alpha/test.txt"); got != "hello" {
		t.Fatalf("unexpected body %q", got)
	}
	list, err := store.List(ctx, "alpha/")
	if err != nil || len(list) != 1 || list[0].Key != "alpha/test.txt" {
		t.Fatalf("unexpected list %v %+v", err, list)
	}
	ok, err := store.Delete(ctx, "alpha/test.txt")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "alpha/test.txt")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, err := store.Head(ctx, "alpha/test.txt"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "alpha/test.txt"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	first, err := store.Put(ctx, "k1.txt", bytes.NewReader([]byte("hi")), core.PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("put1: %v", err)
	}
	second, err := store.Put(ctx, "k1.txt", bytes.NewReader([]byte("again")), core.PutOptions{})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if first.ETag == second.ETag || second.Size != 5 || second.ContentType != "" {
		t.Fatalf("expected replaced blob, got %+v", second)
	}
	if got := readAll(t, store, "k1.txt"); got != "again" {
		t.Fatalf("unexpected body %q", got)
	}
	leftovers, _ := filepath.Glob(filepath.Join(store.Root(), ".tmp-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStorePutCopyError(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "bad.bin", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	if _, err := store.Head(context.Background(), "bad.bin"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("failed put must not leave a blob, got %v", err)
	}
}

func TestStoreListSkipsOtherPrefixesAndCorruptMeta(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for i := 0; i < 3; i++ {
		k := "folder/f" + strconv.Itoa(i) + ".txt"
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte("data")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if _, err := store.Put(ctx, "elsewhere/x", bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := store.List(ctx, "folder/")
	if err != nil || len(list) != 3 || list[0].Key > list[2].Key {
		t.Fatalf("list: %v %+v", err, list)
	}

	_, metaPath, _ := store.pathFor("folder/f0.txt")
	if err := os.WriteFile(metaPath, []byte("{"), 0o600); err != nil {
		t.Fatalf("corrupt meta: %v", err)
	}
	if _, err := store.List(ctx, "folder/"); err == nil {
		t.Fatalf("expected list error on corrupt meta")
	}
	if _, err := store.Head(ctx, "folder/f0.txt"); err == nil {
		t.Fatalf("expected head error on corrupt meta")
	}
}

func TestSanitizeKeyErrors(t *testing.T) {
	for _, c := range []string{"", "../escape", "/abs", "a/../b", "x.meta"} {
		if _, err := sanitizeKey(c); err == nil {
			t.Fatalf("expected error for key %q", c)
		}
	}
	if k, err := sanitizeKey("a//b/./c"); err != nil || k != "a/b/c" {
		t.Fatalf("expected cleaned key, got %q %v", k, err)
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(filePath); err == nil {
		t.Fatalf("expected error when root is file")
	}
	if store := newTempStore(t); store.Driver() != core.DriverFilesystem {
		t.Fatalf("expected fs driver")
	}
}
