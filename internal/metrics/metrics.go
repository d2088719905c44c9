// Package metrics provides Prometheus instrumentation for the pod ledger.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsApplied counts committed events by kind.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podledger_events_applied_total",
		Help: "Total number of events applied and committed",
	}, []string{"kind"})

	// ApplyLatency is the time from receipt to commit of one event.
	ApplyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podledger_apply_latency_seconds",
		Help:    "Event application latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// Redeliveries counts events skipped because they were already applied.
	Redeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podledger_redeliveries_total",
		Help: "Events skipped as already applied",
	})

	// Halts counts invariant violations that stopped the processor.
	Halts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podledger_halts_total",
		Help: "Processor halts caused by invariant violations",
	})

	// Frontier is the current harvestable index.
	Frontier = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podledger_frontier",
		Help: "Current harvestable frontier",
	})

	// PlotsCrossed observes how many plots each frontier advance touched.
	PlotsCrossed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "podledger_frontier_plots_crossed",
		Help:    "Plots whose redeemable amount changed per frontier advance",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})

	// ActiveListings tracks listings awaiting fill or expiry.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podledger_active_listings",
		Help: "Number of ACTIVE listings",
	})

	// ListingsExpired counts listings expired by frontier sweeps.
	ListingsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "podledger_listings_expired_total",
		Help: "Listings expired by frontier advances",
	})

	// ClaimVolume tracks cumulative claims moved by marketplace fills.
	ClaimVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podledger_claim_volume_total",
		Help: "Cumulative claims transferred by fills",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "podledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "podledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "podledger_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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
