package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector registers a service's Prometheus metrics under a common
// name prefix and serves the standard HTTP metrics for the router.
type MetricsCollector struct {
	serviceName string

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec
}

// NewMetricsCollector creates the collector and registers the standard HTTP
// metrics. The service name is sanitized for Prometheus.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		serviceName: strings.ReplaceAll(serviceName, "-", "_"),
	}

	mc.httpRequestsTotal = mc.NewCounter("http_requests_total",
		"Total number of HTTP requests", []string{"method", "endpoint", "status"})
	mc.httpRequestDuration = mc.NewHistogram("http_request_duration_seconds",
		"HTTP request duration in seconds", []string{"method", "endpoint"}, nil)
	mc.serviceInfo = mc.NewGauge("service_info",
		"Service build information", []string{"version", "commit"})
	mc.serviceInfo.WithLabelValues(version, commit).Set(1)

	return mc
}

// NewCounter registers a counter under the service prefix.
func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: mc.serviceName + "_" + name,
		Help: help,
	}, labels)
	prometheus.MustRegister(counter)
	return counter
}

// NewGauge registers a gauge under the service prefix.
func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: mc.serviceName + "_" + name,
		Help: help,
	}, labels)
	prometheus.MustRegister(gauge)
	return gauge
}

// NewHistogram registers a histogram under the service prefix. A nil bucket
// slice gets the Prometheus defaults.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    mc.serviceName + "_" + name,
		Help:    help,
		Buckets: buckets,
	}, labels)
	prometheus.MustRegister(histogram)
	return histogram
}

// MetricsMiddleware records request counts and latency per route.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		mc.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		mc.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler adapts the promhttp handler to gin.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
