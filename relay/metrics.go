package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	connections   prometheus.Gauge
	bindings      prometheus.Gauge
	openChannels  prometheus.Gauge
	registrations *prometheus.CounterVec
	dials         *prometheus.CounterVec
	payloadBytes  prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signage_sync",
			Subsystem: "relay",
			Name:      "num_connections",
			Help:      "Number of connected peer sessions",
		}),
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signage_sync",
			Subsystem: "relay",
			Name:      "num_bindings",
			Help:      "Number of identifiers currently registered",
		}),
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signage_sync",
			Subsystem: "relay",
			Name:      "num_open_channels",
			Help:      "Number of channels accepted by both ends",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signage_sync",
			Subsystem: "relay",
			Name:      "registrations",
			Help:      "Registrations by outcome: ok or the error code",
		}, []string{"outcome"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signage_sync",
			Subsystem: "relay",
			Name:      "dials",
			Help:      "Dials by outcome: ok or the error code",
		}, []string{"outcome"}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "signage_sync",
			Subsystem: "relay",
			Name:      "payload_bytes",
			Help:      "Size of relayed payloads",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 9), // 256B .. 16MiB
		}),
	}
	prometheus.MustRegister(m.connections, m.bindings, m.openChannels, m.registrations, m.dials, m.payloadBytes)
	return m
}

func (m *metrics) unregister() {
	prometheus.Unregister(m.connections)
	prometheus.Unregister(m.bindings)
	prometheus.Unregister(m.openChannels)
	prometheus.Unregister(m.registrations)
	prometheus.Unregister(m.dials)
	prometheus.Unregister(m.payloadBytes)
}

// All methods are safe to call on a nil *metrics, which is what the handler holds when
// Prometheus is disabled.

func (m *metrics) connected(delta float64) {
	if m != nil {
		m.connections.Add(delta)
	}
}

func (m *metrics) bound(delta float64) {
	if m != nil {
		m.bindings.Add(delta)
	}
}

func (m *metrics) opened(delta float64) {
	if m != nil {
		m.openChannels.Add(delta)
	}
}

func (m *metrics) registration(outcome string) {
	if m != nil {
		m.registrations.WithLabelValues(outcome).Inc()
	}
}

func (m *metrics) dial(outcome string) {
	if m != nil {
		m.dials.WithLabelValues(outcome).Inc()
	}
}

func (m *metrics) payload(n int) {
	if m != nil {
		m.payloadBytes.Observe(float64(n))
	}
}
