// Package metrics exposes the coordinator, forger, and uploader's
// operational counters as Prometheus metrics, served over HTTP for a
// scraper - the dashboard's wider observability surface is out of scope,
// but this one surface is worth keeping honest telemetry about.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge/counter this module exports.
type Metrics struct {
	HeapFreeBytes                prometheus.Gauge
	PacketQueueFillRatio         prometheus.Gauge
	CoordinatorInconsistentTotal prometheus.Counter
	UploadFailuresTotal          prometheus.Counter
	UploadSuccessesTotal         prometheus.Counter
	PacketsForgedTotal           prometheus.Counter
	PacketsDroppedTotal          prometheus.Counter
}

// New registers and returns a Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the global
// default registry across parallel test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HeapFreeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "televib_heap_free_bytes",
			Help: "Free heap bytes as last reported by the data collector.",
		}),
		PacketQueueFillRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "televib_packet_queue_fill_ratio",
			Help: "Fraction of the bounded packet queue currently occupied.",
		}),
		CoordinatorInconsistentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "televib_coordinator_inconsistent_total",
			Help: "Number of times the coordinator observed an inconsistent modem state and force-drained its queue.",
		}),
		UploadFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "televib_upload_failures_total",
			Help: "Number of upload loop iterations that ended in a soft failure.",
		}),
		UploadSuccessesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "televib_upload_successes_total",
			Help: "Number of upload loop iterations that completed successfully.",
		}),
		PacketsForgedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "televib_packets_forged_total",
			Help: "Number of telemetry packets produced by the forger.",
		}),
		PacketsDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "televib_packets_dropped_total",
			Help: "Number of telemetry packets dropped because the bounded queue was full.",
		}),
	}
}

// Handler returns an http.Handler serving reg's metrics in the
// Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
