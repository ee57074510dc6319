package disk

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/filed/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestDiskWriteReadRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Write(ctx, "notes.txt", "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := store.Read(ctx, "notes.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if content != "hello" {
		t.Fatalf("expected %q, got %q", "hello", content)
	}

	if err := store.Write(ctx, "notes.txt", "updated"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	content, err = store.Read(ctx, "notes.txt")
	if err != nil {
		t.Fatalf("read after overwrite: %v", err)
	}
	if content != "updated" {
		t.Fatalf("expected %q, got %q", "updated", content)
	}

	if err := store.Remove(ctx, "notes.txt"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Read(ctx, "notes.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if err := store.Remove(ctx, "notes.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double remove, got %v", err)
	}
}

func TestDiskListSkipsNonRegularEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Write(ctx, "a.txt", "a"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Write(ctx, "b.txt", "b"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Mkdir(filepath.Join(store.Dir(), "subdir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	names, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 files, got %v", names)
	}
}

func TestDiskRejectsTraversalNames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, name := range []string{"", ".", "..", "../escape", "a/b", "a\\b"} {
		if err := store.Write(ctx, name, "x"); !errors.Is(err, storage.ErrInvalidName) {
			t.Fatalf("write %q: expected ErrInvalidName, got %v", name, err)
		}
		if _, err := store.Read(ctx, name); !errors.Is(err, storage.ErrInvalidName) {
			t.Fatalf("read %q: expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestDiskWriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.Write(ctx, "a.txt", "payload"); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.txt" {
		t.Fatalf("expected only a.txt in store, got %v", entries)
	}
}
