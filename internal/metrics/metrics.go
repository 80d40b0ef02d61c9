// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EntriesTotal counts entries placed, partitioned by market type.
	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_entries_total",
		Help: "Total number of entries placed",
	}, []string{"market_type"})

	// EntryLatency tracks the purchase path duration by outcome.
	EntryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolmarket_entry_latency_seconds",
		Help:    "Entry placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// StakeVolume tracks cumulative staked amount.
	StakeVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmarket_stake_volume_total",
		Help: "Cumulative amount staked across all markets",
	})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmarket_active_markets",
		Help: "Number of currently open markets",
	})

	// ResolutionsTotal counts resolution attempts by result.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_resolutions_total",
		Help: "Market resolution attempts",
	}, []string{"result"})

	// SettlementBatches counts committed settlement transactions.
	SettlementBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmarket_settlement_batches_total",
		Help: "Committed settlement batches",
	})

	// PayoutsTotal tracks cumulative amount credited to users at settlement.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_payouts_total",
		Help: "Cumulative amount credited at settlement",
	}, []string{"type"})

	// CommissionTotal tracks cumulative commission by recipient.
	CommissionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_commission_total",
		Help: "Cumulative commission booked",
	}, []string{"recipient"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// StakeLimitRejections counts entries rejected by the stake limiter.
	StakeLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolmarket_stake_limit_rejections_total",
		Help: "Entries rejected by the stake limiter",
	})
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
