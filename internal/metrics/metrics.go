package metrics

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// defaultRegistry is the default Prometheus registry
	defaultRegistry = prometheus.DefaultRegisterer
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestBytes     *prometheus.CounterVec
	storeOperationsTotal *prometheus.CounterVec
	storeOperationTime   *prometheus.HistogramVec
	storeOperationErrors *prometheus.CounterVec
	bucketOperations     *prometheus.CounterVec
	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	keyServiceCalls      *prometheus.CounterVec
	keyServiceDuration   *prometheus.HistogramVec
	activeConnections    prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge
}

// NewMetrics creates a new metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom registry.
// When reg is also a Gatherer, Handler serves it.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP responses",
			},
			[]string{"method", "route"},
		),
		storeOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operations_total",
				Help: "Total number of object store operations",
			},
			[]string{"operation", "mode"},
		),
		storeOperationTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Object store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		storeOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_operation_errors_total",
				Help: "Total number of object store operation errors",
			},
			[]string{"operation", "code"},
		),
		bucketOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bucket_operations_total",
				Help: "Total number of bucket registry operations",
			},
			[]string{"operation", "outcome"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of encryption/decryption operations",
			},
			[]string{"operation", "mode"}, // operation is "encrypt" or "decrypt"
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "encryption_duration_seconds",
				Help:    "Encryption/decryption operation duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"operation", "mode"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "mode", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation", "mode"},
		),
		keyServiceCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_service_calls_total",
				Help: "Total number of external key service calls",
			},
			[]string{"provider", "operation", "outcome"},
		),
		keyServiceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "key_service_call_duration_seconds",
				Help:    "External key service call duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "operation"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration, bytes int64) {
	m.httpRequestsTotal.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route, http.StatusText(status)).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, route).Add(float64(bytes))
}

// RecordStoreOperation records a completed object store operation.
func (m *Metrics) RecordStoreOperation(operation, mode string, duration time.Duration) {
	m.storeOperationsTotal.WithLabelValues(operation, mode).Inc()
	m.storeOperationTime.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStoreError records a failed object store operation by error code.
func (m *Metrics) RecordStoreError(operation, code string) {
	m.storeOperationErrors.WithLabelValues(operation, code).Inc()
}

// RecordBucketOperation records a bucket registry operation.
func (m *Metrics) RecordBucketOperation(operation, outcome string) {
	m.bucketOperations.WithLabelValues(operation, outcome).Inc()
}

// RecordEncryptionOperation records an encryption operation metric.
func (m *Metrics) RecordEncryptionOperation(operation, mode string, duration time.Duration, bytes int64) {
	m.encryptionOperations.WithLabelValues(operation, mode).Inc()
	m.encryptionDuration.WithLabelValues(operation, mode).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation, mode).Add(float64(bytes))
}

// RecordEncryptionError records an encryption operation error.
func (m *Metrics) RecordEncryptionError(operation, mode, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, mode, errorType).Inc()
}

// RecordKeyServiceCall records one wrap or unwrap call to the external key service.
func (m *Metrics) RecordKeyServiceCall(provider, operation, outcome string, duration time.Duration) {
	m.keyServiceCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.keyServiceDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
