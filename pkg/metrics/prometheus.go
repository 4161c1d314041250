// Package metrics provides Prometheus metrics for the elosync pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the pipeline.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Ingestion
	eventsIngested  prometheus.Counter
	eventsDuplicate prometheus.Counter
	eventsRejected  *prometheus.CounterVec
	eventsLate      prometheus.Counter
	ingestLatency   prometheus.Histogram
	ratingUpdates   prometheus.Counter
	competitors     prometheus.Gauge

	// Rebuild
	rebuildDuration prometheus.Histogram
	rebuildLastUnix prometheus.Gauge
	rebuildFailures prometheus.Counter

	// Synchronization
	syncPasses      *prometheus.CounterVec
	syncWindows     *prometheus.CounterVec
	syncWatermark   prometheus.Gauge
	upstreamReqs    *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	// Predictions
	predictions *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "elosync",
		subsystem:        "pipeline",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) gauge(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.eventsIngested = auto.NewCounter(m.counter("events_ingested_total",
		"Total number of finished events stored and folded into ratings"))
	m.eventsDuplicate = auto.NewCounter(m.counter("events_duplicate_total",
		"Total number of events skipped because they were already stored"))
	m.eventsRejected = auto.NewCounterVec(m.counter("events_rejected_total",
		"Total number of raw records rejected by reason"), []string{"reason"})
	m.eventsLate = auto.NewCounter(m.counter("events_late_total",
		"Total number of events folded after a later event of the same competitor"))
	m.ingestLatency = auto.NewHistogram(m.histogram("ingest_latency_milliseconds",
		"Latency of a single ingestion unit of work in milliseconds", m.histogramBuckets))
	m.ratingUpdates = auto.NewCounter(m.counter("rating_updates_total",
		"Total number of competitor rating updates"))
	m.competitors = auto.NewGauge(m.gauge("competitors",
		"Number of known competitors"))

	m.rebuildDuration = auto.NewHistogram(m.histogram("rebuild_duration_seconds",
		"Duration of full rating rebuilds in seconds", prometheus.DefBuckets))
	m.rebuildLastUnix = auto.NewGauge(m.gauge("rebuild_last_unix",
		"Unix time of the last successful rating rebuild"))
	m.rebuildFailures = auto.NewCounter(m.counter("rebuild_failures_total",
		"Total number of rebuilds restored from snapshot"))

	m.syncPasses = auto.NewCounterVec(m.counter("sync_passes_total",
		"Total number of synchronization passes by result"), []string{"result"})
	m.syncWindows = auto.NewCounterVec(m.counter("sync_windows_total",
		"Total number of fetched sub-windows by result"), []string{"result"})
	m.syncWatermark = auto.NewGauge(m.gauge("sync_watermark_unix",
		"Unix time of the last completed synchronization pass"))
	m.upstreamReqs = auto.NewCounterVec(m.counter("upstream_requests_total",
		"Total number of upstream requests by endpoint and status"), []string{"endpoint", "status"})
	m.upstreamLatency = auto.NewHistogramVec(m.histogram("upstream_request_duration_milliseconds",
		"Upstream request duration in milliseconds", m.histogramBuckets), []string{"endpoint"})
	m.rateLimited = auto.NewCounter(m.counter("upstream_rate_limited_total",
		"Total number of rate-limited upstream responses"))

	m.predictions = auto.NewCounterVec(m.counter("predictions_total",
		"Total number of prediction attempts by result"), []string{"result"})

	m.httpRequests = auto.NewCounterVec(m.counter("http_requests_total",
		"Total number of HTTP requests by endpoint and method"), []string{"endpoint", "method", "status_code"})
	m.httpRequestDuration = auto.NewHistogramVec(m.histogram("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", m.histogramBuckets), []string{"endpoint", "method", "status_code"})
}

// RecordEventIngested increments the ingested events counter.
func RecordEventIngested() {
	globalManager.eventsIngested.Inc()
}

// RecordEventDuplicate increments the duplicate events counter.
func RecordEventDuplicate() {
	globalManager.eventsDuplicate.Inc()
}

// RecordEventRejected increments the rejected records counter for reason.
func RecordEventRejected(reason string) {
	globalManager.eventsRejected.WithLabelValues(reason).Inc()
}

// RecordEventLate increments the late events counter.
func RecordEventLate() {
	globalManager.eventsLate.Inc()
}

// RecordIngestLatency records ingestion latency in milliseconds.
func RecordIngestLatency(latencyMs float64) {
	globalManager.ingestLatency.Observe(latencyMs)
}

// RecordRatingUpdates adds n rating updates.
func RecordRatingUpdates(n int) {
	globalManager.ratingUpdates.Add(float64(n))
}

// UpdateCompetitorCount sets the number of known competitors.
func UpdateCompetitorCount(count int) {
	globalManager.competitors.Set(float64(count))
}

// RecordRebuild records a successful rebuild.
func RecordRebuild(d time.Duration) {
	globalManager.rebuildDuration.Observe(d.Seconds())
	globalManager.rebuildLastUnix.Set(float64(time.Now().Unix()))
}

// RecordRebuildFailure increments the restored rebuild counter.
func RecordRebuildFailure() {
	globalManager.rebuildFailures.Inc()
}

// RecordSyncPass increments the sync pass counter for result.
func RecordSyncPass(result string) {
	globalManager.syncPasses.WithLabelValues(result).Inc()
}

// RecordSyncWindow increments the sub-window counter for result.
func RecordSyncWindow(result string) {
	globalManager.syncWindows.WithLabelValues(result).Inc()
}

// UpdateSyncWatermark sets the watermark gauge.
func UpdateSyncWatermark(t time.Time) {
	globalManager.syncWatermark.Set(float64(t.Unix()))
}

// RecordUpstreamRequest records a finished upstream request.
func RecordUpstreamRequest(endpoint, status string, latencyMs float64) {
	globalManager.upstreamReqs.WithLabelValues(endpoint, status).Inc()
	globalManager.upstreamLatency.WithLabelValues(endpoint).Observe(latencyMs)
}

// RecordRateLimited increments the rate-limited responses counter.
func RecordRateLimited() {
	globalManager.rateLimited.Inc()
}

// RecordPrediction increments the predictions counter for result.
func RecordPrediction(result string) {
	globalManager.predictions.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
