// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for one essync process.
type Metrics struct {
	registry *prometheus.Registry

	packetsIngested *prometheus.CounterVec
	packetsReleased *prometheus.CounterVec
	packetsDropped  prometheus.Counter
	packetsFlushed  prometheus.Counter
	seeksStarted    prometheus.Counter
	seeksCompleted  prometheus.Counter
	bufferedPackets prometheus.Gauge
}

// New creates and registers the essync collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	packetsIngested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "essync_packets_ingested_total",
		Help: "Packets accepted into the sync buffer, by stream",
	}, []string{"stream"})
	packetsReleased := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "essync_packets_released_total",
		Help: "Packets released to stream sinks, by stream",
	}, []string{"stream"})
	packetsDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "essync_packets_dropped_total",
		Help: "Packets dropped because their sink was still repositioning",
	})
	packetsFlushed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "essync_packets_flushed_total",
		Help: "Buffered packets discarded during seek handling",
	})
	seeksStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "essync_seeks_started_total",
		Help: "Seek handshakes started",
	})
	seeksCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "essync_seeks_completed_total",
		Help: "Seek handshakes completed at a qualifying keyframe",
	})
	bufferedPackets := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "essync_buffered_packets",
		Help: "Packets currently held in the sync buffer",
	})
	registry.MustRegister(
		packetsIngested,
		packetsReleased,
		packetsDropped,
		packetsFlushed,
		seeksStarted,
		seeksCompleted,
		bufferedPackets,
	)

	return &Metrics{
		registry:        registry,
		packetsIngested: packetsIngested,
		packetsReleased: packetsReleased,
		packetsDropped:  packetsDropped,
		packetsFlushed:  packetsFlushed,
		seeksStarted:    seeksStarted,
		seeksCompleted:  seeksCompleted,
		bufferedPackets: bufferedPackets,
	}
}

// IncIngested counts a packet accepted into the buffer for a stream.
func (m *Metrics) IncIngested(stream string) {
	m.packetsIngested.WithLabelValues(stream).Inc()
}

// IncReleased counts a packet handed to a sink for a stream.
func (m *Metrics) IncReleased(stream string) {
	m.packetsReleased.WithLabelValues(stream).Inc()
}

// IncDropped counts a packet dropped while its sink was repositioning.
func (m *Metrics) IncDropped() {
	m.packetsDropped.Inc()
}

// AddFlushed counts packets discarded during seek handling.
func (m *Metrics) AddFlushed(n int) {
	m.packetsFlushed.Add(float64(n))
}

// IncSeeksStarted counts a started seek handshake.
func (m *Metrics) IncSeeksStarted() {
	m.seeksStarted.Inc()
}

// IncSeeksCompleted counts a completed seek handshake.
func (m *Metrics) IncSeeksCompleted() {
	m.seeksCompleted.Inc()
}

// SetBuffered records the current sync-buffer depth.
func (m *Metrics) SetBuffered(n int) {
	m.bufferedPackets.Set(float64(n))
}

// Handler returns an http.Handler serving the essync registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
