package client_test

import (
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/filed/api"
	"pkt.systems/filed/client"
)

func TestMirrorWorkspaceLifecycle(t *testing.T) {
	root := t.TempDir()
	m := client.NewMirror(root, nil)

	if err := m.Start("alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Dir() != filepath.Join(root, "alice") {
		t.Fatalf("dir = %q", m.Dir())
	}

	if err := m.Save("notes.txt", "v1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(m.Path("notes.txt"))
	if err != nil || string(data) != "v1" {
		t.Fatalf("saved copy = %q, %v", data, err)
	}
	if !m.Tracks("notes.txt") {
		t.Fatal("saved file not tracked")
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "alice")); !os.IsNotExist(err) {
		t.Fatalf("workspace not removed: %v", err)
	}
}

func TestMirrorStartWipesLeftovers(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "alice", "old.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := client.NewMirror(root, nil)
	if err := m.Start("alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived start: %v", err)
	}
}

func TestMirrorTempEditCycle(t *testing.T) {
	m := client.NewMirror(t.TempDir(), nil)
	if err := m.Start("alice"); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.OpenTemp("notes.txt", "v1"); err != nil {
		t.Fatalf("open temp: %v", err)
	}
	want := filepath.Join(m.Dir(), "notes_temp.txt")
	if m.TempPath("notes.txt") != want {
		t.Fatalf("temp path = %q, want %q", m.TempPath("notes.txt"), want)
	}

	// Simulate the user editing the scratch copy.
	if err := os.WriteFile(want, []byte("v2"), 0o644); err != nil {
		t.Fatalf("edit temp: %v", err)
	}
	got, err := m.ReadTemp("notes.txt")
	if err != nil || got != "v2" {
		t.Fatalf("read temp = %q, %v", got, err)
	}

	if err := m.DiscardTemp("notes.txt"); err != nil {
		t.Fatalf("discard temp: %v", err)
	}
	if _, err := os.Stat(want); !os.IsNotExist(err) {
		t.Fatalf("temp survived discard: %v", err)
	}
	// Discard is idempotent.
	if err := m.DiscardTemp("notes.txt"); err != nil {
		t.Fatalf("second discard: %v", err)
	}
}

func TestMirrorTempNameWithoutExtension(t *testing.T) {
	m := client.NewMirror(t.TempDir(), nil)
	if err := m.Start("alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := filepath.Join(m.Dir(), "Makefile_temp")
	if m.TempPath("Makefile") != want {
		t.Fatalf("temp path = %q, want %q", m.TempPath("Makefile"), want)
	}
}

func TestMirrorApplyNotifications(t *testing.T) {
	m := client.NewMirror(t.TempDir(), nil)
	if err := m.Start("bob"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Save("notes.txt", "v1"); err != nil {
		t.Fatalf("save: %v", err)
	}

	m.Apply(client.Notification{
		Type:  api.EventFileUpdated,
		Event: api.Event{File: "notes.txt", User: "alice", Content: "v2"},
	})
	data, err := os.ReadFile(m.Path("notes.txt"))
	if err != nil || string(data) != "v2" {
		t.Fatalf("updated copy = %q, %v", data, err)
	}

	// Updates for files this workspace never saw are ignored.
	m.Apply(client.Notification{
		Type:  api.EventFileUpdated,
		Event: api.Event{File: "other.txt", Content: "x"},
	})
	if _, err := os.Stat(m.Path("other.txt")); !os.IsNotExist(err) {
		t.Fatalf("untracked file materialized: %v", err)
	}

	m.Apply(client.Notification{
		Type:  api.EventFileDeleted,
		Event: api.Event{File: "notes.txt"},
	})
	if m.Tracks("notes.txt") {
		t.Fatal("deleted file still tracked")
	}
	if _, err := os.Stat(m.Path("notes.txt")); !os.IsNotExist(err) {
		t.Fatalf("deleted copy survived: %v", err)
	}
}
