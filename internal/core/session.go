package core

import (
	"sync"

	"github.com/google/uuid"

	"pkt.systems/filed/api"
)

// Session is one live client connection as seen by the authority. The bound
// username lives here but is guarded by the Service mutex; transports must
// not read it directly.
type Session struct {
	id     string
	outbox chan api.Response

	closeOnce sync.Once

	// username is owned by Service.mu. Empty until AUTH succeeds.
	username string
}

func newSession(outboxSize int) *Session {
	return &Session{
		id:     uuid.NewString(),
		outbox: make(chan api.Response, outboxSize),
	}
}

// ID returns the session's unique identifier, used for log correlation.
func (s *Session) ID() string { return s.id }

// Outbox delivers broadcast notifications in the order the authority
// committed the mutations they describe. It is closed when the session
// disconnects. Direct responses do not pass through here; Handle returns
// them to the transport.
func (s *Session) Outbox() <-chan api.Response { return s.outbox }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.outbox) })
}
