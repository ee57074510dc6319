package s3

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/filed/internal/storage"
)

func setupFakeS3(t *testing.T, prefix string) (*httptest.Server, Config) {
	t.Helper()
	backend := s3mem.New()
	fs := gofakes3.New(backend)
	server := httptest.NewServer(fs.Server())
	t.Cleanup(server.Close)
	bucket := "filed-test"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	os.Setenv("AWS_ACCESS_KEY_ID", "test")
	os.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       true,
		ForcePathStyle: true,
	}
	return server, cfg
}

func TestS3Lifecycle(t *testing.T) {
	_, cfg := setupFakeS3(t, "")
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	if _, err := store.Read(ctx, "missing.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Write(ctx, "a.txt", "alpha"); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := store.Read(ctx, "a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "alpha" {
		t.Fatalf("expected %q, got %q", "alpha", content)
	}
	if err := store.Remove(ctx, "a.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, "a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestS3ListHonoursPrefix(t *testing.T) {
	_, cfg := setupFakeS3(t, "store")
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	for name, content := range map[string]string{"a.txt": "a", "b.txt": "b"} {
		if err := store.Write(ctx, name, content); err != nil {
			t.Fatalf("write %q: %v", name, err)
		}
	}
	names, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("unexpected listing: %v", names)
	}

	ok, err := store.BucketExists(ctx)
	if err != nil {
		t.Fatalf("bucket exists: %v", err)
	}
	if !ok {
		t.Fatal("expected bucket to exist")
	}
}
