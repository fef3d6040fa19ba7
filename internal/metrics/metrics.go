// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// OrdersTotal counts order placement outcomes, partitioned by side and
	// resulting status (PLACED, REJECTED, or the error class).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_orders_total",
		Help: "Total order placement attempts by outcome",
	}, []string{"side", "outcome"})

	// OrderLatency tracks end-to-end order placement latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trading_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// OrderTransitions counts lifecycle transitions after placement.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_order_transitions_total",
		Help: "Order status transitions after placement",
	}, []string{"to", "source"})

	// WalletMutations counts ledger entries appended, by entry type.
	WalletMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_wallet_mutations_total",
		Help: "Ledger entries appended",
	}, []string{"type"})

	// BrokerErrors counts failed broker calls by operation.
	BrokerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_broker_errors_total",
		Help: "Broker gateway failures by operation",
	}, []string{"op"})

	// PaymentErrors counts failed payment gateway calls by operation.
	PaymentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_payment_errors_total",
		Help: "Payment gateway failures by operation",
	}, []string{"op"})

	// LimitRejections counts orders rejected by the exposure limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_limit_rejections_total",
		Help: "Orders rejected by exposure limits",
	})

	// QuoteBroadcasts counts quote messages fanned out, per tick and key.
	QuoteBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_quote_broadcasts_total",
		Help: "Quote updates published to subscribers",
	})

	// QuoteFetchFailures counts per-key quote fetches skipped in a tick.
	QuoteFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trading_quote_fetch_failures_total",
		Help: "Quote fetches that failed during broadcast",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trading_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trading_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trading_http_request_duration_seconds",
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

		// Label by route pattern to keep cardinality bounded.
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

// Hijack exposes the underlying connection for websocket upgrades.
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
