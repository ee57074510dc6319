// Package disk implements the filesystem content backend. The store
// directory is the durable source of truth for file bytes: the authority
// seeds its registry from it at startup and every ADD/UPDATE/DELETE lands
// here before the result is acknowledged.
package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/filed/internal/storage"
)

// Config controls the disk backend.
type Config struct {
	// Dir is the store directory. Created when missing.
	Dir string
}

// Store persists files as plain regular files under a single directory.
type Store struct {
	dir string
}

// New creates the store directory when missing and returns the backend.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("disk: store directory is required")
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve %q: %w", cfg.Dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create store directory: %w", err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute store directory, for the fsnotify watcher.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("disk: list store: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (s *Store) Read(_ context.Context, name string) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("disk: read %q: %w", name, err)
	}
	return string(data), nil
}

// Write lands content atomically: a temp file in the store directory is
// renamed over the target so readers never observe a half-written file.
func (s *Store) Write(_ context.Context, name, content string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".filed-*")
	if err != nil {
		return fmt.Errorf("disk: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("disk: write %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("disk: rename into place: %w", err)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove %q: %w", name, err)
	}
	return nil
}

func (s *Store) Close() error { return nil }
