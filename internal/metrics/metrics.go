// Package metrics exports Prometheus gauges/counters/histograms for the
// plugin's process-wide state: port pool utilization, live session and
// RTSP client counts, and registry request latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the plugin registers. Grounded on the
// teacher's MetricsCollector (pkg/rtp/metrics.go): a single struct owning
// related collectors, registered once at startup. Only Sessions and
// RTSPClients are updated by the rest of the plugin; PortsUsed, PortsFree,
// PacketsRelayed, BytesRelayed, RegistryLatency and RegistryErrors are
// registered but nothing sets them, so they stay at zero.
type Metrics struct {
	PortsUsed   prometheus.Gauge
	PortsFree   prometheus.Gauge
	Sessions    prometheus.Gauge
	RTSPClients *prometheus.GaugeVec

	PacketsRelayed *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec

	RegistryLatency *prometheus.HistogramVec
	RegistryErrors  *prometheus.CounterVec
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PortsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediabridge",
			Name:      "udp_ports_used",
			Help:      "Number of UDP ports currently allocated from the pool.",
		}),
		PortsFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediabridge",
			Name:      "udp_ports_free",
			Help:      "Number of UDP ports currently free in the pool.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediabridge",
			Name:      "sessions_active",
			Help:      "Number of sessions currently tracked (including hanging-up).",
		}),
		RTSPClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mediabridge",
			Name:      "rtsp_clients",
			Help:      "Number of connected RTSP clients per mountpoint.",
		}, []string{"mountpoint"}),
		PacketsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediabridge",
			Name:      "packets_relayed_total",
			Help:      "RTP/RTCP packets relayed between peer and pipeline.",
		}, []string{"direction", "kind"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediabridge",
			Name:      "bytes_relayed_total",
			Help:      "Bytes relayed between peer and pipeline.",
		}, []string{"direction", "kind"}),
		RegistryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediabridge",
			Name:      "registry_request_duration_seconds",
			Help:      "Latency of registry HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		RegistryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediabridge",
			Name:      "registry_errors_total",
			Help:      "Registry requests that failed at the transport level.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.PortsUsed, m.PortsFree, m.Sessions, m.RTSPClients,
		m.PacketsRelayed, m.BytesRelayed, m.RegistryLatency, m.RegistryErrors,
	)
	return m
}
