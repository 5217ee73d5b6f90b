package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	unmatched = "unmatched"

	// streamRoute is held open for the life of a generation, so its latency
	// says nothing about the server and is kept out of the histogram.
	streamRoute = "/v1/generations/{id}/events"
)

// Reasons a generation request is turned away before reaching the engine.
const (
	rejectInFlight     = "in_flight"
	rejectNoCredential = "no_credential"
	rejectTooLarge     = "too_large"
	rejectUnsupported  = "unsupported_image"
	rejectInvalid      = "invalid_request"
	rejectUnavailable  = "unavailable"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_http_requests_total",
			Help: "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reel_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, excluding event streams.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	generationRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reel_generation_rejections_total",
			Help: "Generation requests rejected before submission, by reason.",
		},
		[]string{"reason"},
	)

	eventStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reel_event_streams_active",
		Help: "Open server-sent event streams.",
	})

	videoBytesServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reel_video_bytes_served_total",
		Help: "Video bytes written to clients.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, generationRejections, eventStreamsActive, videoBytesServed)

	for _, reason := range []string{
		rejectInFlight, rejectNoCredential, rejectTooLarge,
		rejectUnsupported, rejectInvalid, rejectUnavailable,
	} {
		generationRejections.WithLabelValues(reason)
	}
}

// metricsMiddleware counts every request by chi route pattern, which keeps
// generation IDs out of the label set.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if route != streamRoute {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// rejectGeneration writes the error for a refused create request and counts it.
func (s *Server) rejectGeneration(w http.ResponseWriter, reason string, status int, msg string) {
	generationRejections.WithLabelValues(reason).Inc()
	s.writeError(w, status, msg)
}

// routePattern extracts the matched chi route pattern, falling back to "unmatched".
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}
