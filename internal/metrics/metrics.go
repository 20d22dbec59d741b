package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	AnalysesTotal   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPRequestTime *prometheus.HistogramVec
	PersistFailures prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AnalysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retina_analyses_total",
				Help: "Analyses by endpoint, overall risk and result.",
			},
			[]string{"endpoint", "overall_risk", "result"},
		),
		UpstreamLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retina_upstream_latency_seconds",
				Help:    "Latency of prediction model calls.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retina_http_requests_total",
				Help: "HTTP requests by method, route and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retina_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "retina_analysis_persist_failures_total",
			Help: "Analyses returned to the user but not saved.",
		}),
	}
}

// RecordAnalysis counts a finished analysis. overallRisk is empty on failure.
func (m *Metrics) RecordAnalysis(endpoint, overallRisk, result string) {
	if m == nil {
		return
	}
	if overallRisk == "" {
		overallRisk = "none"
	}
	m.AnalysesTotal.WithLabelValues(endpoint, overallRisk, result).Inc()
}

// ObserveUpstream records the duration of one prediction call.
func (m *Metrics) ObserveUpstream(endpoint string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// RecordPersistFailure counts an analysis that could not be saved.
func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// Middleware records request totals and latency labelled by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "not_found"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestTime.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
