package core

import (
	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/storage"
)

// AddExternal folds a file that appeared in the backend out-of-band (for
// example dropped into the store directory) into the registry and announces
// it with an empty user. Returns false when the name is invalid or already
// registered.
func (s *Service) AddExternal(name string) bool {
	if storage.ValidateName(name) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[name]; exists {
		return false
	}
	s.files[name] = newFileState()
	s.broadcast(api.NewResponse(api.EventFileAdded, api.StatusOK,
		name+" appeared in the store", api.Event{File: name}), "")
	s.logger.Info("file.external.add", "file", name)
	return true
}

// RemoveExternal drops a file that vanished from the backend out-of-band.
// A lock held on it is released first so clients do not keep a stale owner.
func (s *Service) RemoveExternal(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, exists := s.files[name]
	if !exists {
		return false
	}
	if owner := state.lockedBy; owner != "" {
		state.lockedBy = ""
		s.metrics.LocksHeld.Dec()
		s.broadcast(api.NewResponse(api.EventFileReleased, api.StatusOK,
			name+" vanished from the store while locked by "+owner,
			api.Event{File: name, User: owner}), "")
	}
	delete(s.files, name)
	s.broadcast(api.NewResponse(api.EventFileDeleted, api.StatusOK,
		name+" vanished from the store", api.Event{File: name}), "")
	s.logger.Info("file.external.remove", "file", name)
	return true
}
