package core

import "fmt"

// Failure captures a transport-neutral request failure. Code is a stable
// machine-readable identifier; Status is the numeric status carried on the
// wire response.
type Failure struct {
	Code   string
	Detail string
	Status int
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Stable failure codes.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeMissingUsername  = "missing_username"
	CodeUsernameTaken    = "username_taken"
	CodeAlreadyBound     = "already_authenticated"
	CodeInvalidName      = "invalid_name"
	CodeNotFound         = "not_found"
	CodeAlreadyExists    = "already_exists"
	CodeAlreadyLocked    = "already_locked"
	CodeNotLockOwner     = "not_lock_owner"
	CodeAlreadyViewing   = "already_viewing"
	CodeUnknownCommand   = "unknown_command"
	CodeMalformedMessage = "malformed_message"
	CodeStorage          = "storage_failure"
)
