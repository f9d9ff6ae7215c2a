// Package metrics exposes Prometheus collectors for sitedock operations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sitedock/sitedock/domain"
)

const namespace = "sitedock"

var histogramBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics owns a private registry so that tests and multiple instances
// never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	sites             *prometheus.GaugeVec
	lastDeploy        *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Count of site and system operations by outcome",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of site and system operations",
			Buckets:   histogramBuckets,
		}, []string{"operation"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		sites: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sites",
			Help:      "Number of sites by observed status",
		}, []string{"status"}),
		lastDeploy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_deploy_timestamp_seconds",
			Help:      "Unix time of the last successful deployment per site",
		}, []string{"site"}),
	}

	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.requests,
		m.requestDuration,
		m.sites,
		m.lastDeploy,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation records the outcome and duration of an operation
func (m *Metrics) ObserveOperation(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(domain.ErrorKind(err))
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveResult records an operation that already reported through a result
func (m *Metrics) ObserveResult(operation string, result domain.Result, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRequest records one handled HTTP request
func (m *Metrics) ObserveRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requests.With(labels).Inc()
	m.requestDuration.With(labels).Observe(duration.Seconds())
}

// SetSiteCounts replaces the per-status site gauge
func (m *Metrics) SetSiteCounts(counts map[domain.SiteStatus]int) {
	if m == nil {
		return
	}
	m.sites.Reset()
	for status, n := range counts {
		m.sites.WithLabelValues(status.String()).Set(float64(n))
	}
}

// MarkDeployed records a successful deployment of a site
func (m *Metrics) MarkDeployed(containerName string, at time.Time) {
	if m == nil {
		return
	}
	m.lastDeploy.WithLabelValues(containerName).Set(float64(at.Unix()))
}
