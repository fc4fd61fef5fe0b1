// Package metrics collects the Prometheus series this port exposes: blob
// store hit/miss counts, asset-serve latency, upload volume, watchdog
// sweep outcomes, and control-plane rate limiting.
//
// Grounded on the teacher's own internal/metrics/metrics.go: one Registry
// struct wrapping a private prometheus.Registry, constructed once in New()
// and exposed over HTTP via Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	BlobHitsTotal   *prometheus.CounterVec
	BlobMissesTotal *prometheus.CounterVec

	AssetServeLatencyMs *prometheus.HistogramVec
	AssetLookupTotal    *prometheus.CounterVec

	UploadBytesTotal     prometheus.Counter
	UploadChunksTotal    *prometheus.CounterVec
	DeploysTotal         *prometheus.CounterVec
	WatchdogDeletedTotal *prometheus.CounterVec

	RateLimitedTotal prometheus.Counter

	ComponentHealthState *prometheus.GaugeVec // 0=down, 1=degraded, 2=healthy, by component
	ExecutorCircuitState prometheus.Gauge     // 0=closed, 1=open, 2=half-open
	TemporalUp           prometheus.Gauge
	HeartbeatTotal       prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		BlobHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployctl_blob_hits_total",
			Help: "Total blob store reads that found the key",
		}, []string{"op"}),
		BlobMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployctl_blob_misses_total",
			Help: "Total blob store reads that did not find the key",
		}, []string{"op"}),
		AssetServeLatencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deployctl_asset_serve_latency_ms",
			Help:    "Asset pipeline resolve latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"kind"}),
		AssetLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployctl_asset_lookup_total",
			Help: "Total asset lookups by outcome (hit/miss/skip)",
		}, []string{"outcome"}),
		UploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deployctl_upload_bytes_total",
			Help: "Total bytes accepted across all phase-2 upload chunks",
		}),
		UploadChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployctl_upload_chunks_total",
			Help: "Total phase-2 upload chunk calls by status",
		}, []string{"status"}),
		DeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployctl_deploys_total",
			Help: "Total phase-3 deploy finalize calls by outcome",
		}, []string{"outcome"}),
		WatchdogDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deployctl_watchdog_deleted_total",
			Help: "Total projects deleted by the watchdog sweep by reason",
		}, []string{"reason"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deployctl_rate_limited_total",
			Help: "Total requests rejected by a rate limiter",
		}),
		ComponentHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deployctl_component_health_state",
			Help: "Health state of an in-process collaborator (0=down, 1=degraded, 2=healthy)",
		}, []string{"component"}),
		ExecutorCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deployctl_executor_circuit_state",
			Help: "Server-code executor circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deployctl_temporal_up",
			Help: "1 if the Temporal worker is running, 0 otherwise",
		}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deployctl_heartbeat_total",
			Help: "Incremented on every control-plane heartbeat tick",
		}),
	}
	reg.MustRegister(
		m.BlobHitsTotal, m.BlobMissesTotal,
		m.AssetServeLatencyMs, m.AssetLookupTotal,
		m.UploadBytesTotal, m.UploadChunksTotal,
		m.DeploysTotal, m.WatchdogDeletedTotal,
		m.RateLimitedTotal,
		m.ComponentHealthState, m.ExecutorCircuitState,
		m.TemporalUp, m.HeartbeatTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
