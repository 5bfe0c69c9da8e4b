// Package metrics holds the relay's Prometheus collectors. They register on the
// default registry at init and are served by promhttp on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsObserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_events_observed_total", Help: "Deposit events observed, by channel and outcome"},
		[]string{"channel", "outcome"},
	)
	CreditAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_credit_attempts_total", Help: "Destination ledger credit attempts, by outcome"},
		[]string{"outcome"},
	)
	CreditDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "relay_credit_duration_seconds", Help: "Destination ledger credit latency", Buckets: prometheus.DefBuckets},
		[]string{"outcome"},
	)
	SourceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_source_calls_total", Help: "Source ledger RPC calls, by adapter, method and outcome"},
		[]string{"adapter", "method", "outcome"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_source_breaker_state", Help: "Source ledger breaker state per adapter (0 closed, 1 half-open, 2 open)"},
		[]string{"adapter"},
	)
	Alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_alerts_total", Help: "Operator alerts raised, by kind"},
		[]string{"kind"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "relay_credit_queue_depth", Help: "Signatures waiting for a credit worker"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "HTTP requests"},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "Request latency", Buckets: prometheus.DefBuckets},
		[]string{"method", "route"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsObserved,
		CreditAttempts,
		CreditDuration,
		SourceCalls,
		BreakerState,
		Alerts,
		QueueDepth,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

// Instrument records request counts and latency labelled by chi route pattern.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status/100)+"xx").Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
