package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the broker.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Lease lifecycle metrics.
	LeasesIssuedTotal   *prometheus.CounterVec
	LeasesRevokedTotal  *prometheus.CounterVec
	RevokeFailuresTotal *prometheus.CounterVec
	LeaseDefectsTotal   *prometheus.CounterVec
	PendingLeases       prometheus.Gauge
	ActiveLeases        prometheus.Gauge

	// Secret fetch metrics.
	FetchesTotal  *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		LeasesIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynsecrets",
			Subsystem: "lease",
			Name:      "issued_total",
			Help:      "Total leases issued by profile.",
		}, []string{"profile"}),

		LeasesRevokedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynsecrets",
			Subsystem: "lease",
			Name:      "revoked_total",
			Help:      "Total leases revoked, by the lifecycle path that triggered revocation.",
		}, []string{"profile", "reason"}),

		RevokeFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynsecrets",
			Subsystem: "lease",
			Name:      "revoke_failures_total",
			Help:      "Total failed lease revocations. These leases expire server-side by TTL.",
		}, []string{"profile"}),

		LeaseDefectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynsecrets",
			Subsystem: "lease",
			Name:      "defects_total",
			Help:      "Lifecycle bookkeeping violations (lifecycle event with no matching lease).",
		}, []string{"kind"}),

		PendingLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynsecrets",
			Subsystem: "lease",
			Name:      "pending",
			Help:      "Leases awaiting a connected/failed notification.",
		}),

		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynsecrets",
			Subsystem: "lease",
			Name:      "active",
			Help:      "Leases backing established connections.",
		}),

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynsecrets",
			Subsystem: "vault",
			Name:      "fetches_total",
			Help:      "Total secret fetches.",
		}, []string{"profile", "status"}),

		FetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dynsecrets",
			Subsystem: "vault",
			Name:      "fetch_duration_seconds",
			Help:      "Secret fetch duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"profile"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynsecrets",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dynsecrets",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynsecrets",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LeasesIssuedTotal,
		m.LeasesRevokedTotal,
		m.RevokeFailuresTotal,
		m.LeaseDefectsTotal,
		m.PendingLeases,
		m.ActiveLeases,
		m.FetchesTotal,
		m.FetchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
