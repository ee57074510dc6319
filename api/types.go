// Package api defines the wire protocol shared by the filed server and its
// clients: request and response envelopes, the closed set of request and
// event types, and the typed payloads they carry.
package api

import "encoding/json"

// Request types accepted by the server. Everything except TypeAuth requires
// an authenticated session.
const (
	TypeAuth    = "AUTH"
	TypeView    = "VIEW"
	TypeLock    = "LOCK"
	TypeRelease = "RELEASE"
	TypeUpdate  = "UPDATE"
	TypeAdd     = "ADD"
	TypeDelete  = "DELETE"
)

// Event types pushed to clients when shared state changes. They reuse the
// Response envelope.
const (
	EventFileAdded    = "FILE_ADDED"
	EventFileDeleted  = "FILE_DELETED"
	EventFileLocked   = "FILE_LOCKED"
	EventFileReleased = "FILE_RELEASED"
	EventFileUpdated  = "FILE_UPDATED"
)

// TypeError is the response type used when a request cannot be attributed to
// a known request type (unknown command, undecodable JSON).
const TypeError = "ERROR"

// Status codes carried by Response.Status.
const (
	StatusOK        = 200
	StatusInvalid   = 400
	StatusForbidden = 403
	StatusNotFound  = 404
)

// ResponseSuffix is appended to a request type to form its response type.
const ResponseSuffix = "_RESPONSE"

// ResponseType returns the response type paired with a request type, so a
// client can correlate replies even when the request was rejected.
func ResponseType(requestType string) string {
	if requestType == "" {
		return TypeError
	}
	return requestType + ResponseSuffix
}

// Request is the envelope sent by clients.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the envelope for direct replies and broadcast events.
type Response struct {
	Type    string          `json:"type"`
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload"`
}

// OK reports whether the response carries a success status.
func (r Response) OK() bool { return r.Status == StatusOK }

// AuthPayload is the payload of an AUTH request.
type AuthPayload struct {
	Username string `json:"username"`
}

// FilePayload is the payload of VIEW, LOCK, RELEASE, and DELETE requests.
type FilePayload struct {
	File string `json:"file"`
}

// ContentPayload is the payload of UPDATE and ADD requests.
type ContentPayload struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// FileStatus describes one file in the AUTH_RESPONSE snapshot. LockedBy is
// null when the file is free to lock. Viewer sets are not part of the
// snapshot.
type FileStatus struct {
	LockedBy *string `json:"locked_by"`
}

// AuthResult is the payload of a successful AUTH_RESPONSE.
type AuthResult struct {
	Username string                `json:"username"`
	Files    map[string]FileStatus `json:"files"`
}

// FileContent is the payload of successful VIEW_RESPONSE and LOCK_RESPONSE
// messages.
type FileContent struct {
	File    string `json:"file"`
	Content string `json:"content"`
}

// FileRef is the payload of successful RELEASE, UPDATE, ADD, and DELETE
// responses.
type FileRef struct {
	File string `json:"file"`
}

// Event is the payload of broadcast notifications. User is empty when the
// change originated outside any session (for example a file dropped into the
// store directory). Content is only set on FILE_UPDATED.
type Event struct {
	File    string `json:"file"`
	User    string `json:"user"`
	Content string `json:"content,omitempty"`
}

var emptyPayload = json.RawMessage(`{}`)

// NewRequest builds a request envelope. Payload structs defined in this
// package never fail to marshal.
func NewRequest(requestType string, payload any) Request {
	return Request{Type: requestType, Payload: marshalPayload(payload)}
}

// NewResponse builds a response envelope. A nil payload encodes as an empty
// JSON object, matching the protocol's "payload is always an object" shape.
func NewResponse(responseType string, status int, message string, payload any) Response {
	return Response{
		Type:    responseType,
		Status:  status,
		Message: message,
		Payload: marshalPayload(payload),
	}
}

func marshalPayload(payload any) json.RawMessage {
	if payload == nil {
		return emptyPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return emptyPayload
	}
	return data
}
