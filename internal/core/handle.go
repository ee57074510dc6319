package core

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/rs/xid"

	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/storage"
	"pkt.systems/pslog"
)

// Handle runs one request through the authority and returns the direct
// response for the originating session. The registry mutation and the
// broadcast enqueue happen inside a single critical section, so effects on
// any given file are totally ordered and notifications are queued in the
// order of the mutations they describe.
func (s *Service) Handle(ctx context.Context, sess *Session, req api.Request) api.Response {
	logger := s.logger.With("session", sess.id, "req", xid.New().String())

	s.mu.Lock()
	resp := s.dispatch(ctx, logger, sess, req)
	s.mu.Unlock()

	s.metrics.RequestsTotal.WithLabelValues(requestLabel(req.Type), strconv.Itoa(resp.Status)).Inc()
	return resp
}

// requestLabel collapses arbitrary client-supplied types into a bounded
// metric label set.
func requestLabel(requestType string) string {
	switch requestType {
	case api.TypeAuth, api.TypeView, api.TypeLock, api.TypeRelease,
		api.TypeUpdate, api.TypeAdd, api.TypeDelete:
		return requestType
	default:
		return "UNKNOWN"
	}
}

func (s *Service) dispatch(ctx context.Context, logger pslog.Logger, sess *Session, req api.Request) api.Response {
	user := sess.username
	if req.Type != api.TypeAuth && user == "" {
		logger.Debug("request.denied", "type", req.Type, "code", CodeNotAuthenticated)
		return api.NewResponse(api.ResponseType(req.Type), api.StatusForbidden, "not authenticated", nil)
	}
	logger = logger.With("user", user)

	switch req.Type {
	case api.TypeAuth:
		return s.handleAuth(logger, sess, req.Payload)
	case api.TypeView:
		return s.handleView(ctx, logger, user, req.Payload)
	case api.TypeLock:
		return s.handleLock(ctx, logger, user, req.Payload)
	case api.TypeRelease:
		return s.handleRelease(logger, user, req.Payload)
	case api.TypeUpdate:
		return s.handleUpdate(ctx, logger, user, req.Payload)
	case api.TypeAdd:
		return s.handleAdd(ctx, logger, user, req.Payload)
	case api.TypeDelete:
		return s.handleDelete(ctx, logger, user, req.Payload)
	default:
		logger.Debug("request.unknown", "type", req.Type)
		return api.NewResponse(api.TypeError, api.StatusInvalid, "unknown command", nil)
	}
}

func (s *Service) handleAuth(logger pslog.Logger, sess *Session, payload json.RawMessage) api.Response {
	respond := func(status int, message string, result any) api.Response {
		return api.NewResponse(api.ResponseType(api.TypeAuth), status, message, result)
	}
	var p api.AuthPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return respond(api.StatusInvalid, "malformed payload", nil)
	}
	if p.Username == "" {
		logger.Debug("session.auth.denied", "code", CodeMissingUsername)
		return respond(api.StatusInvalid, "missing username", nil)
	}
	if sess.username != "" {
		logger.Debug("session.auth.denied", "code", CodeAlreadyBound, "bound", sess.username)
		return respond(api.StatusInvalid, "session already authenticated", nil)
	}
	if _, taken := s.byUser[p.Username]; taken {
		logger.Info("session.auth.denied", "code", CodeUsernameTaken, "username", p.Username)
		return respond(api.StatusInvalid, "username already connected", nil)
	}

	sess.username = p.Username
	s.byUser[p.Username] = sess

	files := make(map[string]api.FileStatus, len(s.files))
	for name, state := range s.files {
		status := api.FileStatus{}
		if state.lockedBy != "" {
			owner := state.lockedBy
			status.LockedBy = &owner
		}
		files[name] = status
	}
	logger.Info("session.auth.ok", "username", p.Username, "files", len(files))
	return respond(api.StatusOK, "authenticated", api.AuthResult{Username: p.Username, Files: files})
}

func (s *Service) handleView(ctx context.Context, logger pslog.Logger, user string, payload json.RawMessage) api.Response {
	responseType := api.ResponseType(api.TypeView)
	name, state, fail := s.lookupFile(payload)
	if fail != nil {
		logger.Debug("file.view.denied", "file", name, "code", fail.Code)
		return api.NewResponse(responseType, fail.Status, fail.Detail, nil)
	}
	if _, viewing := state.viewers[user]; viewing {
		logger.Debug("file.view.denied", "file", name, "code", CodeAlreadyViewing)
		return api.NewResponse(responseType, api.StatusInvalid, "file is already being viewed", nil)
	}
	content, err := s.store.Read(ctx, name)
	if err != nil {
		return s.storageFailure(logger, responseType, "file.view", name, err)
	}
	state.viewers[user] = struct{}{}
	logger.Info("file.view.ok", "file", name)
	return api.NewResponse(responseType, api.StatusOK, "file downloaded",
		api.FileContent{File: name, Content: content})
}

func (s *Service) handleLock(ctx context.Context, logger pslog.Logger, user string, payload json.RawMessage) api.Response {
	responseType := api.ResponseType(api.TypeLock)
	name, state, fail := s.lookupFile(payload)
	if fail != nil {
		logger.Debug("file.lock.denied", "file", name, "code", fail.Code)
		return api.NewResponse(responseType, fail.Status, fail.Detail, nil)
	}
	if state.lockedBy != "" {
		// Non-reentrant: the current owner is rejected like anyone else.
		logger.Info("file.lock.denied", "file", name, "code", CodeAlreadyLocked, "owner", state.lockedBy)
		return api.NewResponse(responseType, api.StatusForbidden, "file is already locked", nil)
	}
	content, err := s.store.Read(ctx, name)
	if err != nil {
		return s.storageFailure(logger, responseType, "file.lock", name, err)
	}
	state.lockedBy = user
	s.metrics.LocksHeld.Inc()
	s.broadcast(api.NewResponse(api.EventFileLocked, api.StatusOK,
		user+" locked "+name, api.Event{File: name, User: user}), user)
	logger.Info("file.lock.ok", "file", name)
	return api.NewResponse(responseType, api.StatusOK, "file locked",
		api.FileContent{File: name, Content: content})
}

func (s *Service) handleRelease(logger pslog.Logger, user string, payload json.RawMessage) api.Response {
	responseType := api.ResponseType(api.TypeRelease)
	name, state, fail := s.lookupFile(payload)
	if fail != nil {
		logger.Debug("file.release.denied", "file", name, "code", fail.Code)
		return api.NewResponse(responseType, fail.Status, fail.Detail, nil)
	}
	if state.lockedBy != user {
		logger.Debug("file.release.denied", "file", name, "code", CodeNotLockOwner, "owner", state.lockedBy)
		return api.NewResponse(responseType, api.StatusForbidden, "you do not hold the lock on this file", nil)
	}
	state.lockedBy = ""
	s.metrics.LocksHeld.Dec()
	s.broadcast(api.NewResponse(api.EventFileReleased, api.StatusOK,
		user+" released "+name, api.Event{File: name, User: user}), user)
	logger.Info("file.release.ok", "file", name)
	return api.NewResponse(responseType, api.StatusOK, "file released", api.FileRef{File: name})
}

func (s *Service) handleUpdate(ctx context.Context, logger pslog.Logger, user string, payload json.RawMessage) api.Response {
	responseType := api.ResponseType(api.TypeUpdate)
	var p api.ContentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return api.NewResponse(responseType, api.StatusInvalid, "malformed payload", nil)
	}
	name, state, fail := s.lookupFileNamed(p.File)
	if fail != nil {
		logger.Debug("file.update.denied", "file", name, "code", fail.Code)
		return api.NewResponse(responseType, fail.Status, fail.Detail, nil)
	}
	if state.lockedBy != user {
		logger.Debug("file.update.denied", "file", name, "code", CodeNotLockOwner, "owner", state.lockedBy)
		return api.NewResponse(responseType, api.StatusForbidden, "you do not hold the lock on this file", nil)
	}
	if err := s.store.Write(ctx, name, p.Content); err != nil {
		return s.storageFailure(logger, responseType, "file.update", name, err)
	}
	// The lock persists until an explicit RELEASE.
	s.notifyViewers(name, api.NewResponse(api.EventFileUpdated, api.StatusOK,
		user+" updated "+name, api.Event{File: name, User: user, Content: p.Content}))
	logger.Info("file.update.ok", "file", name, "bytes", len(p.Content))
	return api.NewResponse(responseType, api.StatusOK, "file updated", api.FileRef{File: name})
}

func (s *Service) handleAdd(ctx context.Context, logger pslog.Logger, user string, payload json.RawMessage) api.Response {
	responseType := api.ResponseType(api.TypeAdd)
	var p api.ContentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return api.NewResponse(responseType, api.StatusInvalid, "malformed payload", nil)
	}
	if err := storage.ValidateName(p.File); err != nil {
		logger.Debug("file.add.denied", "file", p.File, "code", CodeInvalidName)
		return api.NewResponse(responseType, api.StatusInvalid, "invalid file name", nil)
	}
	if _, exists := s.files[p.File]; exists {
		logger.Debug("file.add.denied", "file", p.File, "code", CodeAlreadyExists)
		return api.NewResponse(responseType, api.StatusInvalid, "file already exists", nil)
	}
	if err := s.store.Write(ctx, p.File, p.Content); err != nil {
		return s.storageFailure(logger, responseType, "file.add", p.File, err)
	}
	s.files[p.File] = newFileState()
	s.broadcast(api.NewResponse(api.EventFileAdded, api.StatusOK,
		user+" added "+p.File, api.Event{File: p.File, User: user}), user)
	logger.Info("file.add.ok", "file", p.File, "bytes", len(p.Content))
	return api.NewResponse(responseType, api.StatusOK, "file added", api.FileRef{File: p.File})
}

func (s *Service) handleDelete(ctx context.Context, logger pslog.Logger, user string, payload json.RawMessage) api.Response {
	responseType := api.ResponseType(api.TypeDelete)
	name, state, fail := s.lookupFile(payload)
	if fail != nil {
		logger.Debug("file.delete.denied", "file", name, "code", fail.Code)
		return api.NewResponse(responseType, fail.Status, fail.Detail, nil)
	}
	if state.lockedBy != "" {
		logger.Debug("file.delete.denied", "file", name, "code", CodeAlreadyLocked, "owner", state.lockedBy)
		return api.NewResponse(responseType, api.StatusForbidden, "file is locked and cannot be deleted", nil)
	}
	// Viewers do not block deletion; a viewed file may go away under them.
	if err := s.store.Remove(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return s.storageFailure(logger, responseType, "file.delete", name, err)
	}
	delete(s.files, name)
	s.broadcast(api.NewResponse(api.EventFileDeleted, api.StatusOK,
		user+" deleted "+name, api.Event{File: name, User: user}), user)
	logger.Info("file.delete.ok", "file", name)
	return api.NewResponse(responseType, api.StatusOK, "file deleted", api.FileRef{File: name})
}

// lookupFile decodes a {file} payload and resolves the registry record.
func (s *Service) lookupFile(payload json.RawMessage) (string, *fileState, *Failure) {
	var p api.FilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", nil, &Failure{Code: CodeMalformedMessage, Detail: "malformed payload", Status: api.StatusInvalid}
	}
	return s.lookupFileNamed(p.File)
}

func (s *Service) lookupFileNamed(name string) (string, *fileState, *Failure) {
	if err := storage.ValidateName(name); err != nil {
		return name, nil, &Failure{Code: CodeInvalidName, Detail: "invalid file name", Status: api.StatusInvalid}
	}
	state, ok := s.files[name]
	if !ok {
		return name, nil, &Failure{Code: CodeNotFound, Detail: "file not found", Status: api.StatusNotFound}
	}
	return name, state, nil
}

func (s *Service) storageFailure(logger pslog.Logger, responseType, op, name string, err error) api.Response {
	if errors.Is(err, storage.ErrNotFound) {
		// Registry and backend can diverge when the backend is mutated
		// behind the server's back; report the file as missing.
		logger.Warn(op+".stale", "file", name)
		return api.NewResponse(responseType, api.StatusNotFound, "file not found", nil)
	}
	logger.Error(op+".storage_error", "file", name, "error", err)
	return api.NewResponse(responseType, 500, "storage failure", nil)
}
