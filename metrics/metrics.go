// Package metrics exposes settlement and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AzimPower/investpro-sub001/settlement"
)

const namespace = "settlement"

var _ settlement.Observer = (*Collector)(nil)

// Collector owns a private registry and implements settlement.Observer.
type Collector struct {
	Registry *prometheus.Registry

	claims          *prometheus.CounterVec
	claimDuration   *prometheus.HistogramVec
	stageFailures   *prometheus.CounterVec
	commissionLegs  *prometheus.CounterVec
	resumes         *prometheus.CounterVec
	pendingEnqueued prometheus.Counter
	pendingResolved prometheus.Counter
	storeCalls      *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpInFlight    prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),

		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "claims",
				Name:      "total",
				Help:      "Claims by outcome and the stage they ended in.",
			},
			[]string{"outcome", "stage"},
		),
		claimDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "claims",
				Name:      "duration_seconds",
				Help:      "Duration of claims.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"outcome"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "claims",
				Name:      "stage_failures_total",
				Help:      "Failures by claim stage.",
			},
			[]string{"stage"},
		),
		commissionLegs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "commissions",
				Name:      "legs_total",
				Help:      "Commission legs by status.",
			},
			[]string{"status"},
		),
		resumes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "claims",
				Name:      "resumed_total",
				Help:      "Claims resumed from an earlier incomplete attempt.",
			},
			[]string{"stage"},
		),
		pendingEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "enqueued_total",
			Help:      "Settlements queued for background completion.",
		}),
		pendingResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pending",
			Name:      "resolved_total",
			Help:      "Queued settlements completed in the background.",
		}),
		storeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "record_store",
				Name:      "requests_total",
				Help:      "Record store requests by operation and result.",
			},
			[]string{"op", "result"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "record_store",
				Name:      "request_duration_seconds",
				Help:      "Latency of record store requests.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"op"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
			},
			[]string{"method", "path"},
		),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}

	c.Registry.MustRegister(
		c.claims,
		c.claimDuration,
		c.stageFailures,
		c.commissionLegs,
		c.resumes,
		c.pendingEnqueued,
		c.pendingResolved,
		c.storeCalls,
		c.storeDuration,
		c.httpRequests,
		c.httpDuration,
		c.httpInFlight,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler returns an HTTP handler exposing the registered metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// =============================================================================
// settlement.Observer
// =============================================================================

func (c *Collector) ClaimFinished(outcome string, stage settlement.Stage, seconds float64) {
	c.claims.WithLabelValues(outcome, string(stage)).Inc()
	c.claimDuration.WithLabelValues(outcome).Observe(seconds)
}

func (c *Collector) StageFailed(stage settlement.Stage) {
	c.stageFailures.WithLabelValues(string(stage)).Inc()
}

func (c *Collector) CommissionLeg(status string) {
	c.commissionLegs.WithLabelValues(status).Inc()
}

func (c *Collector) Resumed(from settlement.Stage) {
	c.resumes.WithLabelValues(string(from)).Inc()
}

func (c *Collector) PendingEnqueued() { c.pendingEnqueued.Inc() }
func (c *Collector) PendingResolved() { c.pendingResolved.Inc() }

// ObserveStoreCall records one record store request. Its signature matches
// recordstore.Config.Observe.
func (c *Collector) ObserveStoreCall(op string, seconds float64, err error) {
	result := "ok"
	switch {
	case err == nil:
	case settlement.IsRetryable(err):
		result = "unavailable"
	default:
		result = "error"
	}
	c.storeCalls.WithLabelValues(op, result).Inc()
	c.storeDuration.WithLabelValues(op).Observe(seconds)
}

// =============================================================================
// HTTP
// =============================================================================

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		c.httpInFlight.Inc()
		defer c.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := routePattern(r)
		method := strings.ToUpper(r.Method)
		c.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		c.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// routePattern keeps label cardinality bounded by using the chi route
// pattern (/api/users/{id}/audit) instead of the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
