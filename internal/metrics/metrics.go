// Package metrics exposes Prometheus counters/histograms/gauges for the
// control plane: HTTP traffic, scheduler throughput, chunk retries, the
// Lock Manager and Secret Cache, and CWS call latency/errors.
//
// Adapted from the teacher's Metrics struct: same promauto-factory
// construction, exemplar-aware Record* methods, and cardinality-safe
// path labels — repointed at scheduler/chunk/lock/cache/CWS concerns
// instead of S3/encryption ones.
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Config holds metrics configuration.
type Config struct {
	EnableElectionLabel bool
}

// Metrics holds all application metrics.
type Metrics struct {
	config Config

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec

	chunksPublishedTotal *prometheus.CounterVec
	chunksCompletedTotal *prometheus.CounterVec
	chunksFailedTotal    *prometheus.CounterVec
	chunkRetriesTotal    *prometheus.CounterVec
	schedulerTickLatency prometheus.Histogram
	activeTaskInstances  prometheus.Gauge

	cwsOperationsTotal   *prometheus.CounterVec
	cwsOperationDuration *prometheus.HistogramVec
	cwsOperationErrors   *prometheus.CounterVec

	lockAcquireTotal   *prometheus.CounterVec
	lockContentedTotal *prometheus.CounterVec
	secretCacheHits    *prometheus.CounterVec
	secretCacheMisses  *prometheus.CounterVec

	busInFlight *prometheus.GaugeVec

	goroutines       prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memorySysBytes   prometheus.Gauge
}

// NewMetrics creates a new metrics instance with default configuration.
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(Config{EnableElectionLabel: true})
}

// NewMetricsWithConfig creates a new metrics instance with the provided configuration.
func NewMetricsWithConfig(cfg Config) *Metrics {
	return newMetricsWithRegistry(defaultRegistry, cfg)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry. Useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
}

func newMetricsWithRegistry(reg prometheus.Registerer, cfg Config) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		config: cfg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds", Buckets: prometheus.DefBuckets},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "http_request_bytes_total", Help: "Total bytes transferred in HTTP requests"},
			[]string{"method", "path"},
		),
		chunksPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_chunks_published_total", Help: "Total chunks published to the bus by the scheduler"},
			[]string{"task_type", "queue"},
		),
		chunksCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_chunks_completed_total", Help: "Total chunks that reached COMPLETED"},
			[]string{"task_type"},
		),
		chunksFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_chunks_failed_total", Help: "Total chunks that reached FAILED after exhausting retries"},
			[]string{"task_type"},
		),
		chunkRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "scheduler_chunk_retries_total", Help: "Total chunk retry-with-backoff transitions"},
			[]string{"task_type"},
		),
		schedulerTickLatency: factory.NewHistogram(
			prometheus.HistogramOpts{Name: "scheduler_tick_duration_seconds", Help: "Time spent in one scheduler tick", Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}},
		),
		activeTaskInstances: factory.NewGauge(
			prometheus.GaugeOpts{Name: "scheduler_active_task_instances", Help: "Number of TaskInstances currently registered with the scheduler"},
		),
		cwsOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "cws_operations_total", Help: "Total Cryptographic Worker Service calls"},
			[]string{"operation"},
		),
		cwsOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{Name: "cws_operation_duration_seconds", Help: "CWS call duration in seconds", Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800}},
			[]string{"operation"},
		),
		cwsOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "cws_operation_errors_total", Help: "Total CWS call errors"},
			[]string{"operation", "error_class"},
		),
		lockAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "lockmanager_acquire_total", Help: "Total lock acquire attempts"},
			[]string{"operation_type", "result"},
		),
		lockContentedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "lockmanager_contended_total", Help: "Total lock acquire attempts that found the lock already held"},
			[]string{"operation_type"},
		),
		secretCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "secretcache_hits_total", Help: "Total Secret Cache reads that found a value"},
			[]string{"key_kind"},
		),
		secretCacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "secretcache_misses_total", Help: "Total Secret Cache reads that found nothing"},
			[]string{"key_kind"},
		),
		busInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bus_inflight_messages", Help: "Number of messages currently in flight per queue"},
			[]string{"queue"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{Name: "goroutines_total", Help: "Number of goroutines"},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_alloc_bytes", Help: "Number of bytes allocated and not yet freed"},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_sys_bytes", Help: "Total bytes of memory obtained from OS"},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64) {
	label := sanitizePathLabel(path)
	labels := prometheus.Labels{"method": method, "path": label, "status": http.StatusText(status)}

	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.httpRequestsTotal.With(labels).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.httpRequestsTotal.With(labels).Inc()
		}
		if observer, ok := m.httpRequestDuration.With(labels).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.httpRequestDuration.With(labels).Observe(duration.Seconds())
		}
	} else {
		m.httpRequestsTotal.With(labels).Inc()
		m.httpRequestDuration.With(labels).Observe(duration.Seconds())
	}
	m.httpRequestBytes.WithLabelValues(method, label).Add(float64(bytes))
}

// sanitizePathLabel reduces high-cardinality paths (election/job/guardian
// ids) to stable labels, e.g. "/elections/e-123/tally" => "/elections/*".
func sanitizePathLabel(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= 1 {
		return "/" + segs[0]
	}
	return "/" + segs[0] + "/*"
}

// RecordChunkPublished records the scheduler publishing one chunk.
func (m *Metrics) RecordChunkPublished(taskType, queue string) {
	m.chunksPublishedTotal.WithLabelValues(taskType, queue).Inc()
}

// RecordChunkCompleted records a chunk reaching COMPLETED.
func (m *Metrics) RecordChunkCompleted(taskType string) {
	m.chunksCompletedTotal.WithLabelValues(taskType).Inc()
}

// RecordChunkFailed records a chunk reaching FAILED after exhausting retries.
func (m *Metrics) RecordChunkFailed(taskType string) {
	m.chunksFailedTotal.WithLabelValues(taskType).Inc()
}

// RecordChunkRetry records a chunk re-entering PENDING with backoff.
func (m *Metrics) RecordChunkRetry(taskType string) {
	m.chunkRetriesTotal.WithLabelValues(taskType).Inc()
}

// ObserveSchedulerTick records how long one scheduler tick took.
func (m *Metrics) ObserveSchedulerTick(d time.Duration) {
	m.schedulerTickLatency.Observe(d.Seconds())
}

// SetActiveTaskInstances sets the gauge of currently-registered TaskInstances.
func (m *Metrics) SetActiveTaskInstances(n int) {
	m.activeTaskInstances.Set(float64(n))
}

// RecordCWSOperation records a CWS call's duration.
func (m *Metrics) RecordCWSOperation(ctx context.Context, operation string, duration time.Duration) {
	if exemplar := getExemplar(ctx); exemplar != nil {
		if adder, ok := m.cwsOperationsTotal.WithLabelValues(operation).(prometheus.ExemplarAdder); ok {
			adder.AddWithExemplar(1, exemplar)
		} else {
			m.cwsOperationsTotal.WithLabelValues(operation).Inc()
		}
		if observer, ok := m.cwsOperationDuration.WithLabelValues(operation).(prometheus.ExemplarObserver); ok {
			observer.ObserveWithExemplar(duration.Seconds(), exemplar)
		} else {
			m.cwsOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
		}
	} else {
		m.cwsOperationsTotal.WithLabelValues(operation).Inc()
		m.cwsOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCWSError records a CWS call error, classified per the taxonomy.
func (m *Metrics) RecordCWSError(operation, errorClass string) {
	m.cwsOperationErrors.WithLabelValues(operation, errorClass).Inc()
}

// RecordLockAcquire records a lock acquire attempt's outcome ("acquired" or "locked").
func (m *Metrics) RecordLockAcquire(operationType, result string) {
	m.lockAcquireTotal.WithLabelValues(operationType, result).Inc()
	if result == "locked" {
		m.lockContentedTotal.WithLabelValues(operationType).Inc()
	}
}

// RecordSecretCacheRead records a Secret Cache lookup's outcome.
func (m *Metrics) RecordSecretCacheRead(keyKind string, hit bool) {
	if hit {
		m.secretCacheHits.WithLabelValues(keyKind).Inc()
	} else {
		m.secretCacheMisses.WithLabelValues(keyKind).Inc()
	}
}

// SetBusInFlight sets the in-flight gauge for one queue.
func (m *Metrics) SetBusInFlight(queue string, n int) {
	m.busInFlight.WithLabelValues(queue).Set(float64(n))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// getExemplar extracts trace ID from context and returns prometheus Labels for exemplar.
func getExemplar(ctx context.Context) prometheus.Labels {
	if ctx == nil {
		return nil
	}
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		return prometheus.Labels{"trace_id": spanContext.TraceID().String()}
	}
	return nil
}
