package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "metalwatch"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	fetchResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_total",
			Help:      "Price source fetches by symbol and result kind.",
		},
		[]string{"symbol", "result"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of guarded price fetches, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"symbol"},
	)

	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "tick_duration_seconds",
			Help:      "Duration of refresh passes.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	tickSymbols = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "symbols_total",
			Help:      "Per-symbol refresh outcomes: updated, unchanged, failed.",
		},
		[]string{"outcome"},
	)

	refreshInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "interval_seconds",
			Help:      "Current refresh interval.",
		},
	)

	quoteWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricebook",
			Name:      "decisions_total",
			Help:      "Change-aware writer decisions by symbol.",
		},
		[]string{"symbol", "decision"},
	)

	cacheResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "results_total",
			Help:      "Response cache results: hit, miss, stale, error.",
		},
		[]string{"result"},
	)

	housekeepingPruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "housekeeping",
			Name:      "history_pruned_total",
			Help:      "Price history rows removed by retention.",
		},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		fetchResults,
		fetchDuration,
		breakerState,
		breakerTransitions,
		tickDuration,
		tickSymbols,
		refreshInterval,
		quoteWrites,
		cacheResults,
		housekeepingPruned,
		httpInFlight,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordFetch records one guarded fetch.
func RecordFetch(symbol, result string, duration time.Duration) {
	fetchResults.WithLabelValues(symbol, result).Inc()
	fetchDuration.WithLabelValues(symbol).Observe(duration.Seconds())
}

// SetBreakerState records a breaker transition. States follow breaker.State ordinals.
func SetBreakerState(from, to string, ordinal int) {
	breakerState.Set(float64(ordinal))
	breakerTransitions.WithLabelValues(from, to).Inc()
}

// RecordTick records a refresh pass.
func RecordTick(duration time.Duration, updated, unchanged, failed int) {
	tickDuration.Observe(duration.Seconds())
	tickSymbols.WithLabelValues("updated").Add(float64(updated))
	tickSymbols.WithLabelValues("unchanged").Add(float64(unchanged))
	tickSymbols.WithLabelValues("failed").Add(float64(failed))
}

// SetRefreshInterval exposes the scheduler's current interval.
func SetRefreshInterval(d time.Duration) {
	refreshInterval.Set(d.Seconds())
}

// RecordWriteDecision records one change-aware writer decision.
func RecordWriteDecision(symbol, decision string) {
	quoteWrites.WithLabelValues(symbol, decision).Inc()
}

// RecordCacheResult records one response cache result.
func RecordCacheResult(result string) {
	cacheResults.WithLabelValues(result).Inc()
}

// RecordPruned records history rows removed by housekeeping.
func RecordPruned(n int64) {
	if n > 0 {
		housekeepingPruned.Add(float64(n))
	}
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// label maps a request to a low-cardinality path; nil falls back to the first path segments.
func InstrumentHandler(next http.Handler, label func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := ""
		if label != nil {
			path = label(r)
		}
		if path == "" {
			path = canonicalPath(r.URL.Path)
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
