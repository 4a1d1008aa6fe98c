package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"kvdata/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kvdata"

// Metrics holds the storage and HTTP metrics of one process
type Metrics struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	failedValues *prometheus.CounterVec

	migrations     *prometheus.CounterVec
	migratedValues prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers itself as the observer of data
func NewMetrics(data *storage.Data) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Storage facade calls by backend, operation and cache use.",
		}, []string{"method", "operation", "cached", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage facade call duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"method", "operation", "cached"}),
		failedValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "failed_values_total",
			Help:      "Values a backend did not accept.",
		}, []string{"method", "operation"}),

		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "migrations_total",
			Help:      "Backend migrations by target backend and result.",
		}, []string{"to", "result"}),
		migratedValues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "migrated_values_total",
			Help:      "Values copied by migrations.",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.duration,
		m.failedValues,
		m.migrations,
		m.migratedValues,
		m.httpRequests,
		m.httpDuration,
		newCacheCollector(data),
	)

	data.SetObserver(m)
	return m
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation implements storage.Observer
func (m *Metrics) ObserveOperation(method, operation string, cached bool, duration time.Duration, failed int) {
	cachedLabel := strconv.FormatBool(cached)
	result := "ok"
	if failed > 0 {
		result = "failed"
		m.failedValues.WithLabelValues(method, operation).Add(float64(failed))
	}
	m.operations.WithLabelValues(method, operation, cachedLabel, result).Inc()
	m.duration.WithLabelValues(method, operation, cachedLabel).Observe(duration.Seconds())
}

// ObserveMigration implements storage.Observer
func (m *Metrics) ObserveMigration(report *storage.MigrationReport, err error) {
	to := "unknown"
	if report != nil {
		to = report.To
		m.migratedValues.Add(float64(report.Values))
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.migrations.WithLabelValues(to, result).Inc()
}

// Middleware records every request under its route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
