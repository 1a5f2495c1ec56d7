// Package metrics provides Prometheus instrumentation for the session engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions tracks the number of ACTIVE sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "se_active_sessions",
		Help: "Number of currently active sessions",
	})

	// ActiveSubMarkets tracks sub-markets with a running cycle timer.
	ActiveSubMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "se_active_sub_markets",
		Help: "Number of sub-markets with an armed cycle timer",
	})

	// CycleTicks counts completed scheduler cycles, partitioned by directive.
	CycleTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "se_cycle_ticks_total",
		Help: "Total completed sub-market cycles",
	}, []string{"directive"})

	// PositionsOpened counts opened positions by direction and account type.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "se_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"direction", "account_type"})

	// SettlementsTotal counts terminal transitions by trigger and outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "se_settlements_total",
		Help: "Total settlement transitions applied",
	}, []string{"triggered_by", "outcome"})

	// SettlementConflicts counts transition attempts that lost the
	// single-writer race on an order.
	SettlementConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "se_settlement_conflicts_total",
		Help: "Settlement attempts rejected because the order was already terminal",
	})

	// WebSocketClients tracks connected operator consoles.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "se_websocket_clients",
		Help: "Number of connected operator consoles",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "se_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "se_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack exposes the underlying connection so protocol upgrades
// (websocket) keep working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
