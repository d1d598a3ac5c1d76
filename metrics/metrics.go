// Package metrics exposes this frontend's Prometheus metrics, keeping the
// teacher's CounterVec/HistogramVec/Init/Handler shape but replaced for
// connection, auth, protocol-demux, capability and compile-cache concerns
// (SPEC_FULL.md §1 Ambient Stack) instead of the teacher's query-result
// cache and write-batching metrics, which have no counterpart here.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal counts accepted connections by the protocol demux
	// picked them for (spec.md §1 core item 1).
	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbfrontend_connections_total",
			Help: "Total accepted connections by protocol",
		},
		[]string{"protocol"},
	)

	// ConnectionsActive tracks concurrently open connections by protocol.
	ConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbfrontend_connections_active",
			Help: "Currently open connections by protocol",
		},
		[]string{"protocol"},
	)

	// AuthAttemptsTotal counts authentication attempts by method and outcome.
	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbfrontend_auth_attempts_total",
			Help: "Authentication attempts by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// CapabilityRejectionsTotal counts requests rejected for exceeding the
	// session's allowed capability mask (spec.md §3 "required & ~allowed").
	CapabilityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbfrontend_capability_rejections_total",
			Help: "Requests rejected for requiring a disallowed capability",
		},
		[]string{"protocol"},
	)

	// BackendAcquireLatency tracks time spent acquiring a pooled backend
	// connection (spec.md §5 scoped acquire/release).
	BackendAcquireLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbfrontend_backend_acquire_latency_seconds",
			Help:    "Latency of acquiring a pooled backend connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role"}, // "primary" or "replica"
	)

	// IdleReapedTotal counts connections closed by the idle sweeper
	// (spec.md §5 IsIdle(expiry)).
	IdleReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbfrontend_idle_reaped_total",
			Help: "Connections closed by the idle-reaping sweeper",
		},
		[]string{"protocol"},
	)

	// CompileCacheHits counts compile-cache hits and misses
	// (SPEC_FULL.md §2: tqmemory wired to a process-wide compile cache).
	CompileCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbfrontend_compile_cache_total",
			Help: "Compile cache lookups by outcome",
		},
		[]string{"outcome"}, // "hit" or "miss"
	)

	once sync.Once
)

// Init registers all metrics with Prometheus.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(ConnectionsTotal)
		prometheus.MustRegister(ConnectionsActive)
		prometheus.MustRegister(AuthAttemptsTotal)
		prometheus.MustRegister(CapabilityRejectionsTotal)
		prometheus.MustRegister(BackendAcquireLatency)
		prometheus.MustRegister(IdleReapedTotal)
		prometheus.MustRegister(CompileCacheHits)
	})
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
