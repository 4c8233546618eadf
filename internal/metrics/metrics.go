// Package metrics provides Prometheus instrumentation for the VTE engine.
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
	// OrdersTotal counts committed orders, partitioned by order direction and
	// netting outcome (open, add, reduce, close, flip).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_orders_total",
		Help: "Total number of orders committed",
	}, []string{"direction", "outcome"})

	// OrderLatency tracks time spent inside PlaceOrder, including the store write.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vte_order_latency_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// OrderRejections counts rejected ledger operations by error kind.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_order_rejections_total",
		Help: "Ledger operations rejected, by reason",
	}, []string{"reason"})

	// PositionsClosed counts explicit closePosition calls.
	PositionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vte_positions_closed_total",
		Help: "Positions closed through closePosition",
	})

	// EnvironmentsCreated counts successful registry creations.
	EnvironmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vte_environments_created_total",
		Help: "Virtual trading environments created",
	})

	// RegisteredEnvironments tracks numberOfVTEs.
	RegisteredEnvironments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vte_registered_environments",
		Help: "Number of environments in the registry",
	})

	// RegistryRejections counts rejected registry operations by operation and reason.
	RegistryRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_registry_rejections_total",
		Help: "Registry operations rejected, by operation and reason",
	}, []string{"operation", "reason"})

	// ParameterChanges counts administrative parameter updates.
	ParameterChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_parameter_changes_total",
		Help: "Administrative parameter changes",
	}, []string{"parameter"})

	// JournalErrors counts events that could not be appended to the journal.
	JournalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vte_journal_errors_total",
		Help: "Events dropped by the journal",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vte_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vte_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vte_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

func routePattern(r *http.Request) string {
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

// Unwrap exposes the underlying writer to http.ResponseController, which
// the WebSocket upgrade needs for hijacking.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
