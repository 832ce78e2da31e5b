package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's prometheus collectors. Each instance owns its
// registry so tests and multiple servers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	// SessionsStarted counts chats opened by visitors.
	SessionsStarted prometheus.Counter
	// SessionTransitions counts lifecycle changes. Labels: to (active|ended)
	SessionTransitions *prometheus.CounterVec
	// Messages counts stored chat messages. Labels: sender (user|agent), source (rest|ws|system)
	Messages *prometheus.CounterVec
	// Connections tracks open realtime sockets. Labels: role
	Connections *prometheus.GaugeVec
	// HandshakeFailures counts rejected realtime handshakes. Labels: reason
	HandshakeFailures *prometheus.CounterVec
	// Deliveries counts envelopes handed to sockets. Labels: event
	Deliveries *prometheus.CounterVec
	// Dropped counts sockets disconnected because their send buffer was full.
	Dropped prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "livechat_sessions_started_total",
			Help: "Chat sessions opened by visitors.",
		}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_session_transitions_total",
			Help: "Chat session status changes.",
		}, []string{"to"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_messages_total",
			Help: "Chat messages stored.",
		}, []string{"sender", "source"}),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livechat_connections",
			Help: "Open realtime connections.",
		}, []string{"role"}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_handshake_failures_total",
			Help: "Rejected realtime handshakes.",
		}, []string{"reason"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livechat_deliveries_total",
			Help: "Realtime envelopes queued to sockets.",
		}, []string{"event"}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livechat_slow_consumers_dropped_total",
			Help: "Sockets closed because their send buffer filled up.",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
