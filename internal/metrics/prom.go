package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchUnitsTotal       *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	tasksTotal            *prometheus.CounterVec
	activeUnits           prometheus.Gauge
	rateLimitDelaySeconds *prometheus.HistogramVec
	cacheEventsTotal      *prometheus.CounterVec
	alertTransitionsTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_fetch_units_total",
				Help: "Total fetch units executed, labeled by target and outcome.",
			},
			[]string{"target", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seoscope_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by target.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_tasks_total",
				Help: "Total task runs completed, labeled by status.",
			},
			[]string{"status"},
		)

		activeUnits = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "seoscope_active_fetch_units",
				Help: "Number of fetch units currently in flight.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seoscope_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"target"},
		)

		cacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_cache_events_total",
				Help: "Cache lookups, labeled by event (hit, miss, coalesced).",
			},
			[]string{"event"},
		)

		alertTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_alert_transitions_total",
				Help: "Alert fire/resolve transitions, labeled by rule and transition.",
			},
			[]string{"rule", "transition"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchUnit records one completed fetch unit.
func ObserveFetchUnit(target, outcome string, duration time.Duration) {
	fetchUnitsTotal.WithLabelValues(target, outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.WithLabelValues(target).Observe(duration.Seconds())
	}
}

// ObserveTask increments the task counter for the given terminal status.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// IncActiveUnits increments the in-flight unit gauge.
func IncActiveUnits() {
	activeUnits.Inc()
}

// DecActiveUnits decrements the in-flight unit gauge.
func DecActiveUnits() {
	activeUnits.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(target string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(target).Observe(duration.Seconds())
}

// ObserveCacheEvent counts a cache hit, miss, or coalesced wait.
func ObserveCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// ObserveAlertTransition counts an alert fire or resolve.
func ObserveAlertTransition(rule, transition string) {
	alertTransitionsTotal.WithLabelValues(rule, transition).Inc()
}
