// Package metrics provides Prometheus metrics for the reelpulse viewer pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Ingestion
	eventsIngested *prometheus.CounterVec

	// Producer
	producerMessages       *prometheus.CounterVec
	producerOutboxSize     prometheus.Gauge
	producerPublishLatency prometheus.Histogram
	producerBreakerState   *prometheus.GaugeVec

	// In-process broker
	brokerRetentionDropped *prometheus.CounterVec

	// Consumer
	consumerMessages       *prometheus.CounterVec
	consumerHandlerLatency prometheus.Histogram
	consumerRetries        prometheus.Counter
	consumerDeadLetters    *prometheus.CounterVec
	workerCount            *prometheus.GaugeVec

	// Sessions and presence
	sessionUpserts    *prometheus.CounterVec
	sessionsCompleted prometheus.Counter
	presenceMutations *prometheus.CounterVec
	broadcasts        *prometheus.CounterVec
	viewersTotal      prometheus.Gauge

	// Live hub
	hubClients         prometheus.Gauge
	hubDroppedMessages prometheus.Counter

	// Dedupe window
	dedupeSize prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByEndpoint    *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
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
		namespace:        "reelpulse",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		constLabels:      prometheus.Labels{},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) gaugeOpts(name, help string) prometheus.GaugeOpts {
	return prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
	}
}

func (m *Manager) histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	return prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.constLabels,
		Buckets:     buckets,
	}
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.eventsIngested = auto.NewCounterVec(
		m.counterOpts("events_ingested_total", "Playback events seen at the ingestion boundary by outcome"),
		[]string{"outcome"},
	)

	m.producerMessages = auto.NewCounterVec(
		m.counterOpts("producer_messages_total", "Messages handed to the broker by outcome"),
		[]string{"outcome"},
	)
	m.producerOutboxSize = auto.NewGauge(m.gaugeOpts("producer_outbox_size", "Messages waiting in the producer outbox"))
	m.producerPublishLatency = auto.NewHistogram(m.histogramOpts(
		"producer_publish_latency_milliseconds", "Broker publish latency per batch in milliseconds", m.histogramBuckets))
	m.producerBreakerState = auto.NewGaugeVec(
		m.gaugeOpts("producer_breaker_state", "Circuit breaker state (0 closed, 1 half-open, 2 open)"),
		[]string{"breaker"},
	)

	m.consumerMessages = auto.NewCounterVec(
		m.counterOpts("consumer_messages_total", "Messages consumed by event kind and outcome"),
		[]string{"kind", "outcome"},
	)
	m.consumerHandlerLatency = auto.NewHistogram(m.histogramOpts(
		"consumer_handler_latency_milliseconds", "Handler latency per message in milliseconds", m.histogramBuckets))
	m.consumerRetries = auto.NewCounter(m.counterOpts("consumer_retries_total", "Handler retry attempts"))
	m.consumerDeadLetters = auto.NewCounterVec(
		m.counterOpts("consumer_dead_letters_total", "Messages routed to the dead-letter topic by reason"),
		[]string{"reason"},
	)
	m.workerCount = auto.NewGaugeVec(
		m.gaugeOpts("worker_count", "Consumer workers per consumer group"),
		[]string{"group"},
	)

	m.sessionUpserts = auto.NewCounterVec(
		m.counterOpts("session_upserts_total", "Session aggregate upserts by outcome"),
		[]string{"outcome"},
	)
	m.sessionsCompleted = auto.NewCounter(m.counterOpts("sessions_completed_total", "Terminal session events applied"))
	m.presenceMutations = auto.NewCounterVec(
		m.counterOpts("presence_mutations_total", "Presence set mutations by operation and outcome"),
		[]string{"op", "outcome"},
	)
	m.broadcasts = auto.NewCounterVec(
		m.counterOpts("broadcasts_total", "Viewer-count broadcasts by scope and outcome"),
		[]string{"scope", "outcome"},
	)
	m.viewersTotal = auto.NewGauge(m.gaugeOpts("viewers_total", "Concurrent viewers across all films at the last broadcast"))

	m.brokerRetentionDropped = auto.NewCounterVec(
		m.counterOpts("broker_retention_dropped_total", "Messages dropped by broker retention before a group committed them"),
		[]string{"topic", "group"},
	)

	m.hubClients = auto.NewGauge(m.gaugeOpts("hub_clients", "Connected live-update subscribers"))
	m.hubDroppedMessages = auto.NewCounter(m.counterOpts("hub_dropped_messages_total", "Live updates dropped for slow subscribers"))

	m.dedupeSize = auto.NewGauge(m.gaugeOpts("dedupe_size", "Event ids held in the ingestion dedupe window"))

	m.httpRequests = auto.NewCounterVec(
		m.counterOpts("http_requests_total", "Total number of HTTP requests by endpoint and method"),
		[]string{"endpoint", "method", "status_code"},
	)
	m.httpRequestDuration = auto.NewHistogramVec(
		m.histogramOpts("http_request_duration_milliseconds", "HTTP request duration in milliseconds", m.histogramBuckets),
		[]string{"endpoint", "method", "status_code"},
	)
	m.errorsByEndpoint = auto.NewCounterVec(
		m.counterOpts("errors_by_endpoint_total", "Total number of errors by endpoint"),
		[]string{"endpoint", "method", "error_type"},
	)

	m.systemMemoryUsage = auto.NewGauge(m.gaugeOpts("system_memory_usage_bytes", "System memory usage in bytes"))
	m.systemGoroutineCount = auto.NewGauge(m.gaugeOpts("system_goroutine_count", "Number of goroutines"))
	m.systemGCPauseTime = auto.NewHistogram(m.histogramOpts(
		"system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}))
}

// Ingestion outcomes.
const (
	OutcomeAccepted     = "accepted"
	OutcomeDuplicate    = "duplicate"
	OutcomeRejected     = "rejected"
	OutcomeBackpressure = "backpressure"
)

// RecordIngestion counts an event at the ingestion boundary.
func RecordIngestion(outcome string) {
	globalManager.eventsIngested.WithLabelValues(outcome).Inc()
}

// RecordPublished counts messages the broker acknowledged.
func RecordPublished(n int) {
	globalManager.producerMessages.WithLabelValues("published").Add(float64(n))
}

// RecordPublishFailed counts messages the broker refused.
func RecordPublishFailed(n int) {
	globalManager.producerMessages.WithLabelValues("failed").Add(float64(n))
}

// UpdateOutboxSize sets the producer outbox depth.
func UpdateOutboxSize(size int) {
	globalManager.producerOutboxSize.Set(float64(size))
}

// RecordPublishLatency records the latency of one broker batch.
func RecordPublishLatency(latencyMs float64) {
	globalManager.producerPublishLatency.Observe(latencyMs)
}

// UpdateBreakerState records the circuit breaker state.
func UpdateBreakerState(name string, state int) {
	globalManager.producerBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordConsumed counts a consumed message by kind and outcome
// (handled, ignored, dead_lettered, failed).
func RecordConsumed(kind, outcome string) {
	globalManager.consumerMessages.WithLabelValues(kind, outcome).Inc()
}

// RecordHandlerLatency records per-message handler latency.
func RecordHandlerLatency(latencyMs float64) {
	globalManager.consumerHandlerLatency.Observe(latencyMs)
}

// RecordHandlerRetry counts a handler retry.
func RecordHandlerRetry() {
	globalManager.consumerRetries.Inc()
}

// RecordDeadLetter counts a dead-lettered message.
func RecordDeadLetter(reason string) {
	globalManager.consumerDeadLetters.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount sets the number of workers in a consumer group.
func UpdateWorkerCount(group string, count int) {
	globalManager.workerCount.WithLabelValues(group).Set(float64(count))
}

// RecordSessionUpsert counts a session upsert (ok or error).
func RecordSessionUpsert(outcome string) {
	globalManager.sessionUpserts.WithLabelValues(outcome).Inc()
}

// RecordSessionCompleted counts a terminal event applied to a session.
func RecordSessionCompleted() {
	globalManager.sessionsCompleted.Inc()
}

// RecordPresenceMutation counts a presence add/remove.
func RecordPresenceMutation(op, outcome string) {
	globalManager.presenceMutations.WithLabelValues(op, outcome).Inc()
}

// RecordBroadcast counts a viewer-count broadcast.
func RecordBroadcast(scope, outcome string) {
	globalManager.broadcasts.WithLabelValues(scope, outcome).Inc()
}

// UpdateViewersTotal sets the last broadcast total.
func UpdateViewersTotal(count int64) {
	globalManager.viewersTotal.Set(float64(count))
}

// UpdateHubClients sets the number of connected subscribers.
func UpdateHubClients(count int) {
	globalManager.hubClients.Set(float64(count))
}

// RecordHubDropped counts an update dropped for a slow subscriber.
func RecordHubDropped() {
	globalManager.hubDroppedMessages.Inc()
}

// RecordBrokerRetentionDropped counts messages group lost to retention
// before committing them.
func RecordBrokerRetentionDropped(topic, group string, n int) {
	globalManager.brokerRetentionDropped.WithLabelValues(topic, group).Add(float64(n))
}

// UpdateDedupeSize sets the dedupe window size.
func UpdateDedupeSize(size int64) {
	globalManager.dedupeSize.Set(float64(size))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
