package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the custody service. Each
// instance owns its registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	grantsIssued   *prometheus.CounterVec
	grantsConsumed *prometheus.CounterVec
	grantsRejected *prometheus.CounterVec
	grantsRevoked  prometheus.Counter

	mergeEntries     *prometheus.CounterVec
	envelopeOps      *prometheus.CounterVec
	dispatchTotal    *prometheus.CounterVec
	archiveDuration  *prometheus.HistogramVec
	phiAccessTotal   *prometheus.CounterVec
	storeErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors under the given namespace
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		grantsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grants_issued_total",
				Help:      "Grants issued, by kind",
			},
			[]string{"kind"},
		),
		grantsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grants_consumed_total",
				Help:      "Grants successfully consumed, by kind",
			},
			[]string{"kind"},
		),
		grantsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grants_rejected_total",
				Help:      "Grant presentations that were absent, expired or already used",
			},
			[]string{"kind"},
		),
		grantsRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grants_revoked_total",
				Help:      "Grants revoked by their issuer",
			},
		),
		mergeEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_entries_total",
				Help:      "Entries seen while reconciling updates, by section and outcome",
			},
			[]string{"section", "outcome"},
		),
		envelopeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "envelope_operations_total",
				Help:      "Envelope seal and unseal operations",
			},
			[]string{"operation", "scheme", "status"},
		),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_dispatch_total",
				Help:      "Grant notifications sent to subjects",
			},
			[]string{"kind", "status"},
		),
		archiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "archive_put_duration_seconds",
				Help:      "Duration of sealed blob archive writes",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
			[]string{"backend", "status"},
		),
		phiAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phi_access_total",
				Help:      "Record reads and writes",
			},
			[]string{"action", "status"},
		),
		storeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Errors returned by backing stores",
			},
			[]string{"store", "operation"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.grantsIssued,
		m.grantsConsumed,
		m.grantsRejected,
		m.grantsRevoked,
		m.mergeEntries,
		m.envelopeOps,
		m.dispatchTotal,
		m.archiveDuration,
		m.phiAccessTotal,
		m.storeErrorsTotal,
	)

	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *Metrics) GrantIssued(kind string)   { m.grantsIssued.WithLabelValues(kind).Inc() }
func (m *Metrics) GrantConsumed(kind string) { m.grantsConsumed.WithLabelValues(kind).Inc() }
func (m *Metrics) GrantRejected(kind string) { m.grantsRejected.WithLabelValues(kind).Inc() }
func (m *Metrics) GrantRevoked()             { m.grantsRevoked.Inc() }

// MergeEntries records how many entries of a section were accepted,
// deduplicated or dropped as malformed
func (m *Metrics) MergeEntries(section string, accepted, duplicate, dropped int) {
	m.mergeEntries.WithLabelValues(section, "accepted").Add(float64(accepted))
	m.mergeEntries.WithLabelValues(section, "duplicate").Add(float64(duplicate))
	m.mergeEntries.WithLabelValues(section, "dropped").Add(float64(dropped))
}

// EnvelopeOperation records a seal or unseal
func (m *Metrics) EnvelopeOperation(operation, scheme string, err error) {
	m.envelopeOps.WithLabelValues(operation, scheme, status(err)).Inc()
}

// Dispatch records a notification attempt
func (m *Metrics) Dispatch(kind string, err error) {
	m.dispatchTotal.WithLabelValues(kind, status(err)).Inc()
}

// ArchivePut records an archive write
func (m *Metrics) ArchivePut(backend string, duration time.Duration, err error) {
	m.archiveDuration.WithLabelValues(backend, status(err)).Observe(duration.Seconds())
}

// PHIAccess records a record read or write
func (m *Metrics) PHIAccess(action string, err error) {
	m.phiAccessTotal.WithLabelValues(action, status(err)).Inc()
}

// StoreError records a failing backing store call
func (m *Metrics) StoreError(store, operation string) {
	m.storeErrorsTotal.WithLabelValues(store, operation).Inc()
}

// Handler returns the Prometheus scrape handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
