// Package metrics provides Prometheus metrics for the Bluetap control plane
// and storage nodes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for a Bluetap process.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPRateLimitedTotal prometheus.Counter

	// Cluster Metrics
	NodesByStatus        *prometheus.GaugeVec
	NodeTransitionsTotal *prometheus.CounterVec
	HeartbeatsTotal      *prometheus.CounterVec

	// Replication Metrics
	PlacementsTotal       *prometheus.CounterVec
	WritesFinalizedTotal  *prometheus.CounterVec
	RepairQueueDepth      prometheus.Gauge
	RepairsTotal          *prometheus.CounterVec
	RepairDuration        prometheus.Histogram
	GCDeletesTotal        *prometheus.CounterVec
	ReadFailoversTotal    prometheus.Counter
	ChecksumMismatchTotal prometheus.Counter

	// Node Storage Metrics
	BlobOperationsTotal   *prometheus.CounterVec
	BlobOperationDuration *prometheus.HistogramVec
	BlobBytesTotal        *prometheus.CounterVec
	BlobsStored           prometheus.Gauge
	BlobsUsedBytes        prometheus.Gauge

	// Auth Metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthFailuresTotal *prometheus.CounterVec
	OTPIssuedTotal    prometheus.Counter
	SessionsIssued    prometheus.Counter
}

// namespace for all Bluetap metrics
const namespace = "bluetap"

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Current number of HTTP requests being processed.",
			},
		),
		HTTPRateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the rate limiter.",
			},
		),

		NodesByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "nodes",
				Help:      "Number of registered nodes by liveness status.",
			},
			[]string{"status"},
		),
		NodeTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "node_transitions_total",
				Help:      "Total node liveness transitions.",
			},
			[]string{"from", "to"},
		),
		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cluster",
				Name:      "heartbeats_total",
				Help:      "Total heartbeats received.",
			},
			[]string{"status"},
		),

		PlacementsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "placements_total",
				Help:      "Total placement plans requested.",
			},
			[]string{"outcome"},
		),
		WritesFinalizedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "writes_finalized_total",
				Help:      "Total finalized writes by resulting object state.",
			},
			[]string{"state"},
		),
		RepairQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "repair_queue_depth",
				Help:      "Number of objects queued for re-replication.",
			},
		),
		RepairsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "repairs_total",
				Help:      "Total repair attempts by outcome.",
			},
			[]string{"outcome"},
		),
		RepairDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "repair_duration_seconds",
				Help:      "Repair job duration in seconds.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		GCDeletesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "gc_deletes_total",
				Help:      "Total garbage-collection deletions by status.",
			},
			[]string{"status"},
		),
		ReadFailoversTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "read_failovers_total",
				Help:      "Total reads that advanced past an unreachable replica.",
			},
		),
		ChecksumMismatchTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "replication",
				Name:      "checksum_mismatches_total",
				Help:      "Total replicas that returned bytes with a bad checksum.",
			},
		),

		BlobOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "blob_operations_total",
				Help:      "Total blob operations served by this node.",
			},
			[]string{"operation", "status"},
		),
		BlobOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "blob_operation_duration_seconds",
				Help:      "Blob operation duration in seconds.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		BlobBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "blob_bytes_total",
				Help:      "Total bytes processed by blob operations.",
			},
			[]string{"operation"},
		),
		BlobsStored: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "blobs_stored",
				Help:      "Number of replicas held by this node.",
			},
		),
		BlobsUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "used_bytes",
				Help:      "Bytes of replica data held by this node.",
			},
		),

		AuthAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "attempts_total",
				Help:      "Total authentication attempts.",
			},
			[]string{"method"},
		),
		AuthFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "failures_total",
				Help:      "Total authentication failures.",
			},
			[]string{"method", "reason"},
		),
		OTPIssuedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "otp_issued_total",
				Help:      "Total one-time codes issued.",
			},
		),
		SessionsIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "auth",
				Name:      "sessions_issued_total",
				Help:      "Total sessions issued after OTP verification.",
			},
		),
	}

	return m
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordBlobOperation records node data-plane operation metrics.
func (m *Metrics) RecordBlobOperation(operation, status string, duration float64, bytes int64) {
	m.BlobOperationsTotal.WithLabelValues(operation, status).Inc()
	m.BlobOperationDuration.WithLabelValues(operation).Observe(duration)
	if bytes > 0 {
		m.BlobBytesTotal.WithLabelValues(operation).Add(float64(bytes))
	}
}

// RecordAuthAttempt records an authentication attempt.
func (m *Metrics) RecordAuthAttempt(method string, success bool, reason string) {
	m.AuthAttemptsTotal.WithLabelValues(method).Inc()
	if !success {
		m.AuthFailuresTotal.WithLabelValues(method, reason).Inc()
	}
}
