// Package metrics defines the Prometheus instruments exported by the filed
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the server's Prometheus instruments.
type Metrics struct {
	ConnectedSessions    prometheus.Gauge
	RequestsTotal        *prometheus.CounterVec
	LocksHeld            prometheus.Gauge
	BroadcastsTotal      *prometheus.CounterVec
	DroppedNotifications prometheus.Counter
}

// New registers the instruments with reg. A nil registerer yields working
// but unregistered instruments, which keeps tests and metric-less servers
// free of a registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "filed_connected_sessions",
			Help: "Number of currently connected client sessions.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filed_requests_total",
			Help: "Requests handled, by request type and response status.",
		}, []string{"type", "status"}),
		LocksHeld: factory.NewGauge(prometheus.GaugeOpts{
			Name: "filed_locks_held",
			Help: "Number of files currently locked for editing.",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "filed_broadcasts_total",
			Help: "Broadcast notifications fanned out, by event type.",
		}, []string{"event"}),
		DroppedNotifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "filed_notifications_dropped_total",
			Help: "Notifications dropped because a session outbox was full.",
		}),
	}
}
