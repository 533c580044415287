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
	// TradesTotal counts total trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks settlement latency, lock wait included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orange_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused before settlement, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orange_trade_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"reason"})

	// TradeVolume tracks cumulative traded shares per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orange_trade_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"symbol", "side"})

	// CurrentPrice is the last installed market price.
	CurrentPrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orange_current_price",
		Help: "Current market price",
	}, []string{"symbol"})

	// PriceUpdates counts price moves by cause.
	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orange_price_updates_total",
		Help: "Price updates, by cause",
	}, []string{"cause"})

	// PriceHistoryDropped counts observations that could not be persisted.
	PriceHistoryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orange_price_history_dropped_total",
		Help: "Price observations dropped after retries were exhausted",
	})

	// LimitOrdersTotal counts limit order transitions by outcome
	// (placed, executed, cancelled, failed).
	LimitOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orange_limit_orders_total",
		Help: "Limit order lifecycle events",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BroadcastDropped counts messages discarded from full client queues.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orange_broadcast_dropped_total",
		Help: "Broadcast messages dropped for slow clients",
	})

	// RateLimited counts requests refused by the per-user throttle.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orange_rate_limited_total",
		Help: "Requests rejected by the per-user rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orange_http_request_duration_seconds",
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

		// Route pattern keeps order IDs out of the label set.
		path := RoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RoutePattern returns the matched chi pattern, or "unmatched".
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets WebSocket upgrades pass through the middleware.
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
