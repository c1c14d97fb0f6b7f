// Package metrics provides Prometheus instrumentation for transports and servers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const _namespace = "streamio"

// Registry holds all metric instances. A nil *Registry is valid and records nothing.
type Registry struct {
	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter
	ReadPauses    prometheus.Counter
	WritePauses   prometheus.Counter

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
}

// NewRegistry creates the metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "transport",
			Name:      "received_bytes_total",
			Help:      "Total number of bytes delivered to readers",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "transport",
			Name:      "sent_bytes_total",
			Help:      "Total number of bytes written to the underlying connections",
		}),
		ReadPauses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "transport",
			Name:      "read_pauses_total",
			Help:      "Number of times a reader asked its transport to stop delivering data",
		}),
		WritePauses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "transport",
			Name:      "write_pauses_total",
			Help:      "Number of times a transport send buffer went above its high-water mark",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Number of connections being served",
		}),
	}
}

// Received records n bytes delivered to a reader.
func (r *Registry) Received(n int) {
	if r == nil {
		return
	}
	r.BytesReceived.Add(float64(n))
}

// Sent records n bytes written to a connection.
func (r *Registry) Sent(n int) {
	if r == nil {
		return
	}
	r.BytesSent.Add(float64(n))
}

// ReadPaused records a read pause.
func (r *Registry) ReadPaused() {
	if r == nil {
		return
	}
	r.ReadPauses.Inc()
}

// WritePaused records a write pause.
func (r *Registry) WritePaused() {
	if r == nil {
		return
	}
	r.WritePauses.Inc()
}

// ConnOpened records an accepted connection.
func (r *Registry) ConnOpened() {
	if r == nil {
		return
	}
	r.ConnectionsTotal.Inc()
	r.ConnectionsActive.Inc()
}

// ConnClosed records the end of a connection.
func (r *Registry) ConnClosed() {
	if r == nil {
		return
	}
	r.ConnectionsActive.Dec()
}
