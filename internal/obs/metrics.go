package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes beyond the attendance error tags.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_sessions_created_total",
			Help: "Attendance sessions created, by organization.",
		},
		[]string{"org"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attendance_submissions_total",
			Help: "Attendance submissions, by outcome.",
		},
		[]string{"outcome"},
	)
)

// Init registers the collectors with the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration, sessionsCreated, submissions)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionCreated counts a new session for orgID.
func SessionCreated(orgID string) {
	sessionsCreated.WithLabelValues(orgID).Inc()
}

// AttendanceSubmitted counts one submission outcome: OutcomeSuccess,
// OutcomeError or an attendance error tag.
func AttendanceSubmitted(outcome string) {
	submissions.WithLabelValues(outcome).Inc()
}

// Instrument records request count, latency and in-flight gauge. The path
// label is the chi route pattern so tokens never become label values.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, routePattern(r), strconv.Itoa(status)}
		httpRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(labels...).Inc()
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
