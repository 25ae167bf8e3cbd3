package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

type httpMetrics struct {
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

// newHTTPMetrics registers request collectors with reg, reusing any already registered.
// A nil registerer disables HTTP metrics.
func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	if reg == nil {
		return nil
	}
	m := &httpMetrics{
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployctl",
			Subsystem: "http",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"}),
	}
	for _, collector := range []prometheus.Collector{m.requestTotal, m.requestLatency, m.rateLimitHits} {
		err := reg.Register(collector)
		var already prometheus.AlreadyRegisteredError
		if err == nil || !errors.As(err, &already) {
			continue
		}
		switch existing := already.ExistingCollector.(type) {
		case *prometheus.CounterVec:
			if collector == m.requestTotal {
				m.requestTotal = existing
			} else {
				m.rateLimitHits = existing
			}
		case *prometheus.HistogramVec:
			m.requestLatency = existing
		}
	}
	return m
}

// instrument records count and latency under a fixed route label.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if r.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		recorder, ok := w.(*statusRecorder)
		if !ok {
			recorder = &statusRecorder{ResponseWriter: w}
		}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.metrics.observe(req.Method, route, status, time.Since(start))
	}
}

func (m *httpMetrics) observe(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *httpMetrics) rateLimited(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
