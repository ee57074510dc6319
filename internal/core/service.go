// Package core implements the filed authority: the client registry, the
// file registry with lock/viewer state, the request state machine, and the
// broadcast fan-out. All shared state is guarded by a single mutex so the
// effects observed for any file form one global serialization order.
package core

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/logutil"
	"pkt.systems/filed/internal/metrics"
	"pkt.systems/filed/internal/storage"
	"pkt.systems/pslog"
)

// DefaultOutboxSize is the per-session notification buffer when Config does
// not specify one.
const DefaultOutboxSize = 64

// Config assembles a Service.
type Config struct {
	// Store persists file content. Required.
	Store storage.Backend
	// Logger defaults to a disabled logger.
	Logger pslog.Logger
	// Metrics defaults to unregistered instruments.
	Metrics *metrics.Metrics
	// OutboxSize overrides the per-session notification buffer.
	OutboxSize int
}

// fileState is the in-memory record for one registered file. Lock and
// viewer state is volatile and rebuilt empty on restart.
type fileState struct {
	lockedBy string
	viewers  map[string]struct{}
}

func newFileState() *fileState {
	return &fileState{viewers: make(map[string]struct{})}
}

// Service is the request authority. It owns both registries exclusively;
// transports interact through Register, Handle, and Disconnect only.
type Service struct {
	store      storage.Backend
	logger     pslog.Logger
	metrics    *metrics.Metrics
	outboxSize int

	mu       sync.Mutex
	sessions map[*Session]struct{}
	byUser   map[string]*Session
	files    map[string]*fileState
}

// New constructs the authority. Call LoadFiles before serving connections to
// seed the registry from the backend.
func New(cfg Config) *Service {
	outboxSize := cfg.OutboxSize
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		store:      cfg.Store,
		logger:     logutil.Ensure(cfg.Logger),
		metrics:    m,
		outboxSize: outboxSize,
		sessions:   make(map[*Session]struct{}),
		byUser:     make(map[string]*Session),
		files:      make(map[string]*fileState),
	}
}

// LoadFiles seeds the file registry with every file the backend currently
// holds, unlocked and with no viewers. Returns the number of files seeded.
func (s *Service) LoadFiles(ctx context.Context) (int, error) {
	names, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if storage.ValidateName(name) != nil {
			s.logger.Warn("registry.seed.skip", "file", name, "reason", "invalid name")
			continue
		}
		if _, ok := s.files[name]; !ok {
			s.files[name] = newFileState()
		}
	}
	s.logger.Info("registry.seed.done", "files", len(s.files))
	return len(s.files), nil
}

// Register creates an unauthenticated session and adds it to the fan-out
// list. The caller must eventually call Disconnect exactly once.
func (s *Service) Register() *Session {
	sess := newSession(s.outboxSize)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectedSessions.Inc()
	s.logger.Debug("session.register", "session", sess.id)
	return sess
}

// Disconnect removes the session, releases every lock the departing user
// held (broadcasting FILE_RELEASED to all remaining clients, with no actor
// exclusion since the actor is gone), silently drops the user from every
// viewer set, and closes the session outbox. Safe to call more than once;
// cleanup runs exactly once.
func (s *Service) Disconnect(sess *Session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess)
	user := sess.username
	sess.username = ""
	if user != "" {
		delete(s.byUser, user)
		released := s.removeUserEverywhere(user)
		for _, file := range released {
			s.metrics.LocksHeld.Dec()
			s.broadcast(api.NewResponse(api.EventFileReleased, api.StatusOK,
				user+" disconnected and released "+file,
				api.Event{File: file, User: user}), "")
		}
	}
	sess.close()
	s.mu.Unlock()

	s.metrics.ConnectedSessions.Dec()
	s.logger.Info("session.disconnect", "session", sess.id, "user", user)
}

// removeUserEverywhere clears the user's locks and viewer entries across the
// registry and returns the files whose lock was released. Caller holds mu.
func (s *Service) removeUserEverywhere(user string) []string {
	var released []string
	for name, state := range s.files {
		if state.lockedBy == user {
			state.lockedBy = ""
			released = append(released, name)
		}
		delete(state.viewers, user)
	}
	sort.Strings(released)
	return released
}

// FileStatus describes one file's volatile state, for diagnostics and tests.
type FileStatus struct {
	LockedBy string
	Viewers  []string
}

// Snapshot returns a copy of the file registry state.
func (s *Service) Snapshot() map[string]FileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]FileStatus, len(s.files))
	for name, state := range s.files {
		viewers := make([]string, 0, len(state.viewers))
		for viewer := range state.viewers {
			viewers = append(viewers, viewer)
		}
		sort.Strings(viewers)
		snapshot[name] = FileStatus{LockedBy: state.lockedBy, Viewers: viewers}
	}
	return snapshot
}

// Usernames returns the currently bound usernames, sorted.
func (s *Service) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.byUser))
	for user := range s.byUser {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
