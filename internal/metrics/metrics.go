// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedbot_dispatch_total",
		Help: "Dispatch attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schedbot_dispatch_duration_seconds",
		Help:    "Histogram of dispatch latencies, send included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	feedSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedbot_feed_sync_total",
		Help: "Feed synchronizations by outcome.",
	}, []string{"outcome", "reason"})

	feedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedbot_feed_items_total",
		Help: "Occurrences written or removed by feed syncs.",
	}, []string{"op"})

	staleReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "schedbot_stale_reservations",
		Help: "Reserved ledger entries older than the stale threshold at the last check.",
	})

	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "schedbot_tick_duration_seconds",
		Help:    "Histogram of scheduler tick latencies.",
		Buckets: prometheus.DefBuckets,
	})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedbot_alerts_total",
		Help: "Operator alerts by delivery result.",
	}, []string{"result"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schedbot_http_requests_total",
		Help: "Total number of ops HTTP requests processed.",
	}, []string{"method", "route", "status"})
)

func ObserveDispatch(kind, outcome string, start time.Time) {
	dispatchTotal.WithLabelValues(kind, outcome).Inc()
	if !start.IsZero() {
		dispatchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

func ObserveFeedSync(outcome, reason string, upserted, deleted int) {
	feedSyncTotal.WithLabelValues(outcome, reason).Inc()
	if upserted > 0 {
		feedItems.WithLabelValues("upsert").Add(float64(upserted))
	}
	if deleted > 0 {
		feedItems.WithLabelValues("delete").Add(float64(deleted))
	}
}

func SetStaleReservations(n int) { staleReservations.Set(float64(n)) }

func ObserveTick(start time.Time) { tickDuration.Observe(time.Since(start).Seconds()) }

// ObserveAlert counts an alert; result is one of "sent", "deduped",
// "dropped" or "failed".
func ObserveAlert(result string) { alertsTotal.WithLabelValues(result).Inc() }

// Middleware records ops request counts labeled by the chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(status)).Inc()
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
