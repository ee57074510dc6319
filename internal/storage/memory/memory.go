// Package memory implements an in-memory content backend for tests and
// development.
package memory

import (
	"context"
	"sync"

	"pkt.systems/filed/internal/storage"
)

// Store keeps file content in a map.
type Store struct {
	mu    sync.RWMutex
	files map[string]string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{files: make(map[string]string)}
}

// Seed pre-populates the store, for tests that need files present at boot.
func (s *Store) Seed(files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, content := range files {
		s.files[name] = content
	}
}

func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	return names, nil
}

func (s *Store) Read(_ context.Context, name string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[name]
	if !ok {
		return "", storage.ErrNotFound
	}
	return content, nil
}

func (s *Store) Write(_ context.Context, name, content string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = content
	return nil
}

func (s *Store) Remove(_ context.Context, name string) error {
	if err := storage.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[name]; !ok {
		return storage.ErrNotFound
	}
	delete(s.files, name)
	return nil
}

func (s *Store) Close() error { return nil }
