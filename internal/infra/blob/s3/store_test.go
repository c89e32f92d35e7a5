package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"testing"

	"polygene/internal/blob/core"
)

func newPagedStore(t *testing.T, pageSize int) *Store {
	t.Helper()
	transport := newMockTransport()
	transport.pageSize = pageSize
	store, err := New(context.Background(), Config{
		Bucket:          "paged",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected driver or bucket")
	}
	info, err := store.Put(ctx, "docs/a.json", bytes.NewReader([]byte(`{"a":1}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"owner": "test"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "docs/a.json", bytes.NewReader([]byte(`{"a":2}`)), core.PutOptions{}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	_, rc, err := store.Get(ctx, "docs/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"a":2}` {
		t.Fatalf("expected overwritten body, got %q", body)
	}
	list, err := store.List(ctx, "docs/")
	if err != nil || len(list) != 1 || list[0].Key != "docs/a.json" {
		t.Fatalf("list: %v %+v", err, list)
	}
	ok, err := store.Delete(ctx, "docs/a.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "docs/a.json")
	if err != nil || ok {
		t.Fatalf("second delete should report false, got %v %v", ok, err)
	}
}

func TestMockStoreMissingObjects(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
}

func TestListFollowsContinuationTokens(t *testing.T) {
	ctx := context.Background()
	store := newPagedStore(t, 2)
	for i := 0; i < 5; i++ {
		key := "p/" + strconv.Itoa(i)
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := store.List(ctx, "p/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 5 || list[0].Key != "p/0" || list[4].Key != "p/4" {
		t.Fatalf("expected all pages, got %+v", list)
	}
}

func TestDecodeChunked(t *testing.T) {
	body, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(body) != "hello" {
		t.Fatalf("expected decoded chunk, got %q %v", body, ok)
	}
	if _, ok := decodeChunked([]byte(`{"plain":true}`)); ok {
		t.Fatalf("plain body must not decode")
	}
}

// TestRealBucket runs against a real bucket when POLYGENE_TEST_S3_BUCKET is set.
func TestRealBucket(t *testing.T) {
	bucket := os.Getenv("POLYGENE_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("POLYGENE_TEST_S3_BUCKET not set")
	}
	ctx := context.Background()
	store, err := New(ctx, Config{
		Bucket:    bucket,
		Region:    os.Getenv("POLYGENE_TEST_S3_REGION"),
		Endpoint:  os.Getenv("POLYGENE_TEST_S3_ENDPOINT"),
		PathStyle: os.Getenv("POLYGENE_TEST_S3_ENDPOINT") != "",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := "polygene-test/probe"
	if _, err := store.Put(ctx, key, bytes.NewReader([]byte("probe")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	t.Cleanup(func() { _, _ = store.Delete(ctx, key) })
	if _, err := store.Head(ctx, key); err != nil {
		t.Fatalf("head: %v", err)
	}
}
