package daemon

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics live on a private registry so several daemons (tests) can coexist
// in one process.
type metrics struct {
	registry      *prometheus.Registry
	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	renames       *prometheus.CounterVec
	references    prometheus.Counter
	backendReady  prometheus.Gauge
	inFlight      prometheus.Gauge
	invalidations prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoho_daemon_requests_total",
			Help: "HTTP requests handled by the daemon.",
		}, []string{"route", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hoho_daemon_request_seconds",
			Help:    "Time spent handling a daemon request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		renames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoho_rename_symbols_total",
			Help: "Symbols processed by batch renames, by outcome.",
		}, []string{"status"}),
		references: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hoho_rename_references_total",
			Help: "Text edits applied by renames.",
		}),
		backendReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hoho_backend_ready",
			Help: "1 when the semantic backend session is initialized.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hoho_daemon_rename_in_flight",
			Help: "Rename requests currently being processed.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hoho_watcher_invalidations_total",
			Help: "Documents invalidated after changing on disk.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.renames, m.references,
		m.backendReady, m.inFlight, m.invalidations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRename(resp RenameResponse) {
	m.renames.WithLabelValues("renamed").Add(float64(resp.SuccessfulRenames))
	m.renames.WithLabelValues("failed").Add(float64(resp.FailedRenames))
	m.renames.WithLabelValues("skipped").Add(float64(resp.SkippedRenames))
	m.references.Add(float64(resp.TotalReferences))
}

// instrument records count and latency for route.
func (m *metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)
		m.requests.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
