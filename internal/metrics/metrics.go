package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's instrumentation. A dedicated registry keeps
// tests isolated from the global default.
type Metrics struct {
	MessagesIngested prometheus.Counter
	FramesDropped    prometheus.Counter
	Reconnects       prometheus.Counter
	Sends            *prometheus.CounterVec // label: path = socket|rest

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_messages_ingested_total",
			Help: "Messages accepted into the local conversation cache.",
		}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Inbound real-time frames dropped as malformed.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Scheduled transport reconnect attempts.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_sends_total",
			Help: "Outbound messages by delivery path.",
		}, []string{"path"}),
		registry: reg,
	}
	reg.MustRegister(m.MessagesIngested, m.FramesDropped, m.Reconnects, m.Sends)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
