package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/logutil"
)

// Mirror keeps a local working copy of the files a user views or edits. Each
// user gets a directory under the mirror root; viewed files are saved there,
// and locked files additionally get an editable scratch copy named
// <stem>_temp<ext> whose content is sent on update. The directory is wiped
// when the session ends.
type Mirror struct {
	root   string
	logger pslog.Logger

	mu      sync.Mutex
	dir     string
	tracked map[string]struct{}
}

// NewMirror creates a mirror rooted at dir. No filesystem activity happens
// until Start.
func NewMirror(root string, logger pslog.Logger) *Mirror {
	return &Mirror{
		root:    root,
		logger:  logutil.Ensure(logger),
		tracked: make(map[string]struct{}),
	}
}

// Start prepares a fresh workspace directory for username, discarding any
// leftovers from a previous session under the same name.
func (m *Mirror) Start(username string) error {
	if username == "" {
		return fmt.Errorf("mirror: username is required")
	}
	dir := filepath.Join(m.root, username)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("mirror: reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mirror: create workspace: %w", err)
	}
	m.mu.Lock()
	m.dir = dir
	m.tracked = make(map[string]struct{})
	m.mu.Unlock()
	m.logger.Debug("mirror.start", "dir", dir)
	return nil
}

// Dir returns the active workspace directory, or empty before Start.
func (m *Mirror) Dir() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dir
}

// Path returns the workspace location of a tracked file.
func (m *Mirror) Path(file string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filepath.Join(m.dir, file)
}

// TempPath returns the editable scratch location for file: notes.txt becomes
// notes_temp.txt.
func (m *Mirror) TempPath(file string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filepath.Join(m.dir, tempName(file))
}

func tempName(file string) string {
	ext := filepath.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	return stem + "_temp" + ext
}

// Save stores the server copy of file in the workspace and starts tracking it.
func (m *Mirror) Save(file, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir == "" {
		return fmt.Errorf("mirror: not started")
	}
	if err := os.WriteFile(filepath.Join(m.dir, file), []byte(content), 0o644); err != nil {
		return fmt.Errorf("mirror: save %s: %w", file, err)
	}
	m.tracked[file] = struct{}{}
	return nil
}

// OpenTemp creates the editable scratch copy for a locked file, seeded with
// the current content.
func (m *Mirror) OpenTemp(file, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dir == "" {
		return fmt.Errorf("mirror: not started")
	}
	if err := os.WriteFile(filepath.Join(m.dir, tempName(file)), []byte(content), 0o644); err != nil {
		return fmt.Errorf("mirror: open temp for %s: %w", file, err)
	}
	return nil
}

// ReadTemp returns the scratch copy's current content, the material for an
// update.
func (m *Mirror) ReadTemp(file string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(m.dir, tempName(file)))
	if err != nil {
		return "", fmt.Errorf("mirror: read temp for %s: %w", file, err)
	}
	return string(data), nil
}

// DiscardTemp removes the scratch copy after a release.
func (m *Mirror) DiscardTemp(file string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(filepath.Join(m.dir, tempName(file))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mirror: discard temp for %s: %w", file, err)
	}
	return nil
}

// Forget drops file from the workspace entirely, saved copy and scratch copy
// both.
func (m *Mirror) Forget(file string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, file)
	if m.dir == "" {
		return nil
	}
	for _, p := range []string{filepath.Join(m.dir, file), filepath.Join(m.dir, tempName(file))} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("mirror: forget %s: %w", file, err)
		}
	}
	return nil
}

// Tracks reports whether the workspace holds a copy of file.
func (m *Mirror) Tracks(file string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[file]
	return ok
}

// Apply folds a broadcast notification into the workspace: updates refresh
// tracked copies, deletions drop them. Other events need no local action.
// Suitable as (part of) a NotifyFunc.
func (m *Mirror) Apply(n Notification) {
	switch n.Type {
	case api.EventFileUpdated:
		if !m.Tracks(n.Event.File) {
			return
		}
		if err := m.Save(n.Event.File, n.Event.Content); err != nil {
			m.logger.Warn("mirror.apply.update.fail", "file", n.Event.File, "error", err)
		}
	case api.EventFileDeleted:
		if !m.Tracks(n.Event.File) {
			return
		}
		if err := m.Forget(n.Event.File); err != nil {
			m.logger.Warn("mirror.apply.delete.fail", "file", n.Event.File, "error", err)
		}
	}
}

// Close removes the workspace directory.
func (m *Mirror) Close() error {
	m.mu.Lock()
	dir := m.dir
	m.dir = ""
	m.tracked = make(map[string]struct{})
	m.mu.Unlock()
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("mirror: remove workspace: %w", err)
	}
	return nil
}
