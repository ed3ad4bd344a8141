// Package metrics holds the broker's prometheus collectors. Registration is
// optional; the runtime increments these whether or not an HTTP endpoint
// serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stat groups the broker runtime collectors.
type Stat struct {
	ActiveConnections  prometheus.Gauge
	PacketsReceived    prometheus.Counter
	PacketsSent        prometheus.Counter
	MessagesDispatched prometheus.Counter
	AckTimeouts        prometheus.Counter
	ConnectsRefused    prometheus.Counter
	WillsDispatched    prometheus.Counter
}

// New creates an unregistered collector set.
func New() *Stat {
	return &Stat{
		ActiveConnections:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT clients"}),
		PacketsReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}),
		PacketsSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_sent_packets", Help: "The total number of sent MQTT packets"}),
		MessagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_dispatched_messages", Help: "The total number of messages handed to subscribers"}),
		AckTimeouts:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_ack_timeouts", Help: "The total number of QoS acknowledgement timeouts"}),
		ConnectsRefused:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_refused_connects", Help: "The total number of refused CONNECT attempts"}),
		WillsDispatched:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_dispatched_wills", Help: "The total number of will messages published"}),
	}
}

// Register adds all collectors to the given registry.
func (s *Stat) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		s.ActiveConnections,
		s.PacketsReceived,
		s.PacketsSent,
		s.MessagesDispatched,
		s.AckTimeouts,
		s.ConnectsRefused,
		s.WillsDispatched,
	)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
