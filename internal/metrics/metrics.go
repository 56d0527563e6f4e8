// Package metrics exposes Prometheus instrumentation for the API.
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for predictions_total.
const (
	OutcomeDetected         = "detected"
	OutcomeLowConfidence    = "low_confidence"
	OutcomeUnknownClass     = "unknown_class"
	OutcomeModelUnavailable = "model_unavailable"
	OutcomeDecodeError      = "decode_error"
	OutcomeCached           = "cached"
)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	predictions     *prometheus.CounterVec
	modelLoad       prometheus.Gauge
	modelLoaded     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			}, []string{"path", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"path"},
		),
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "predictions_total",
				Help: "Predictions served, by outcome",
			}, []string{"outcome"},
		),
		modelLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "model_load_seconds",
			Help: "Time taken by the single model load attempt",
		}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "model_loaded",
			Help: "1 when the model is in memory",
		}),
	}
	m.registry.MustRegister(
		m.requestCount, m.requestDuration, m.predictions, m.modelLoad, m.modelLoaded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Prediction counts one served item.
func (m *Metrics) Prediction(outcome string) {
	m.predictions.WithLabelValues(outcome).Inc()
}

// ModelLoad records the outcome of the model load. It matches
// model.LoadObserver.
func (m *Metrics) ModelLoad(elapsed time.Duration, err error) {
	m.modelLoad.Set(elapsed.Seconds())
	if err == nil {
		m.modelLoaded.Set(1)
	} else {
		m.modelLoaded.Set(0)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware logs every request and records its count and latency. The path
// label is the registered route pattern when one matched, which keeps label
// cardinality bounded.
func (m *Metrics) Middleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		duration := time.Since(start)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lrw.statusCode,
			"duration", duration,
		)
		m.requestCount.WithLabelValues(path, r.Method, strconv.Itoa(lrw.statusCode)).Inc()
		m.requestDuration.WithLabelValues(path).Observe(duration.Seconds())
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
