package core

import "pkt.systems/filed/api"

// broadcast enqueues an event for every authenticated session except the
// excluded username. Caller holds mu. Enqueue never blocks: the per-session
// writer goroutine drains the outbox, and a peer that cannot keep up loses
// notifications rather than stalling the critical section.
func (s *Service) broadcast(event api.Response, exclude string) {
	s.metrics.BroadcastsTotal.WithLabelValues(event.Type).Inc()
	for user, sess := range s.byUser {
		if exclude != "" && user == exclude {
			continue
		}
		s.enqueue(sess, event)
	}
}

// notifyViewers enqueues an event for every session whose user is currently
// viewing the file. Caller holds mu.
func (s *Service) notifyViewers(name string, event api.Response) {
	state, ok := s.files[name]
	if !ok {
		return
	}
	s.metrics.BroadcastsTotal.WithLabelValues(event.Type).Inc()
	for viewer := range state.viewers {
		if sess, ok := s.byUser[viewer]; ok {
			s.enqueue(sess, event)
		}
	}
}

func (s *Service) enqueue(sess *Session, event api.Response) {
	select {
	case sess.outbox <- event:
	default:
		s.metrics.DroppedNotifications.Inc()
		s.logger.Warn("notify.drop", "session", sess.id, "user", sess.username, "event", event.Type)
	}
}
