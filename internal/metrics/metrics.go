// Package metrics wires the engine's counters and gauges into a Prometheus
// registry — the teacher module's go.mod already declares
// github.com/prometheus/client_golang but never calls it; this finishes
// that wiring against the engine's actual subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the engine reports, registered against a
// private prometheus.Registry rather than the global DefaultRegisterer so
// multiple engines can coexist in one process (e.g. under test).
type Registry struct {
	reg *prometheus.Registry

	IngressFillDepth  prometheus.Gauge
	IngressEmptyDepth prometheus.Gauge
	RingTotalBytes    prometheus.Gauge
	RingOldestBytes   prometheus.Gauge
	IndexerSizeBytes  prometheus.Gauge

	BufferSourceLost   prometheus.Gauge
	SourceLostTotal    prometheus.Counter
	SourcePacketsTotal *prometheus.CounterVec
	SourceBytesTotal   *prometheus.CounterVec
	SourceErrorsTotal  *prometheus.CounterVec

	PSIVersionChanges *prometheus.CounterVec
	ECMUpdates        prometheus.Counter

	TrickPlaySpeed prometheus.Gauge
	SeekTimeMicros prometheus.Gauge
}

// New builds and registers every collector.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.IngressFillDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "ingress", Name: "fill_depth",
		Help: "Number of filled producer buffers awaiting the consumer loop.",
	})
	r.IngressEmptyDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "ingress", Name: "empty_depth",
		Help: "Number of idle producer buffers available to the source.",
	})
	r.RingTotalBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "ring", Name: "total_bytes",
		Help: "Total bytes currently held in the ring buffer pool.",
	})
	r.RingOldestBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "ring", Name: "oldest_exposed_bytes",
		Help: "Bytes between the oldest exposed chunk and the live write position.",
	})
	r.IndexerSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "indexer", Name: "size_bytes",
		Help: "Current indexed span of the time-shift buffer, in bytes.",
	})
	r.BufferSourceLost = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "coordinator", Name: "buffer_source_lost",
		Help: "1 if the data monitor loop currently considers the source lost, else 0.",
	})
	r.SourceLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsbengine", Subsystem: "coordinator", Name: "source_lost_total",
		Help: "Number of times the source has transitioned into the lost state.",
	})
	r.SourcePacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbengine", Subsystem: "source", Name: "packets_total",
		Help: "Datagrams or reads accepted from the media source, by variant.",
	}, []string{"variant"})
	r.SourceBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbengine", Subsystem: "source", Name: "bytes_total",
		Help: "Bytes accepted from the media source, by variant.",
	}, []string{"variant"})
	r.SourceErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbengine", Subsystem: "source", Name: "errors_total",
		Help: "Transient I/O errors observed reading the media source, by variant.",
	}, []string{"variant"})
	r.PSIVersionChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tsbengine", Subsystem: "psi", Name: "version_changes_total",
		Help: "PAT/PMT/ECM version changes observed, by section.",
	}, []string{"section"})
	r.ECMUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tsbengine", Subsystem: "psi", Name: "ecm_updates_total",
		Help: "Complete ECM sections published to the protection-state cell.",
	})
	r.TrickPlaySpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "tsb", Name: "trick_play_speed",
		Help: "Current trick-play speed multiplier (1 = normal playback).",
	})
	r.SeekTimeMicros = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tsbengine", Subsystem: "tsb", Name: "seek_time_micros",
		Help: "Current seek position relative to the live edge, in microseconds.",
	})

	r.reg.MustRegister(
		r.IngressFillDepth, r.IngressEmptyDepth,
		r.RingTotalBytes, r.RingOldestBytes, r.IndexerSizeBytes,
		r.BufferSourceLost, r.SourceLostTotal,
		r.SourcePacketsTotal, r.SourceBytesTotal, r.SourceErrorsTotal,
		r.PSIVersionChanges, r.ECMUpdates,
		r.TrickPlaySpeed, r.SeekTimeMicros,
	)
	return r
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
