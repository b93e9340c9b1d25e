package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "launchpad_http_requests_total",
		Help: "HTTP requests served, by route and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "launchpad_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	itemsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_items_enqueued_total",
		Help: "Run queue items accepted by the queue server.",
	})

	itemsRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "launchpad_items_requeued_total",
		Help: "Claimed items returned to pending after their lease expired.",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, itemsEnqueuedTotal, itemsRequeuedTotal)
}

// metricsMiddleware labels requests by chi route pattern, so item and run
// ids never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func metricsHandler() http.Handler { return promhttp.Handler() }
