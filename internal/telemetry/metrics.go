// Package telemetry exposes prometheus metrics for the HTTP surfaces
// and websocket sessions.
package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	// WSSessions counts currently connected websocket sessions.
	WSSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_sessions",
		Help: "Number of currently connected websocket sessions",
	})
	// WSSubscriptions counts active experiment subscriptions across sessions.
	WSSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_experiment_subscriptions",
		Help: "Number of active experiment subscriptions across websocket sessions",
	})
	// Distributions counts distributions created since process start.
	Distributions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "distributions_created_total",
		Help: "Total distributions created",
	})
)

func Init() {
	prometheus.MustRegister(httpReqs, httpDur, WSSessions, WSSubscriptions, Distributions)
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// get route pattern if available
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}

		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
