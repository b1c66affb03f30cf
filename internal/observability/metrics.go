package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate on the read/command surface.
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Forecast provider call rate by provider and status. Watch for: error vs success ratio.
	ForecastAPICallsTotal *prometheus.CounterVec

	// Forecast provider latency. Watch for: p95 near the per-call timeout.
	ForecastAPIDuration *prometheus.HistogramVec

	// Retry attempts against the forecast provider. High values = unstable upstream.
	ForecastAPIRetriesTotal *prometheus.CounterVec

	// Provider failures by error category (timeout, upstream_5xx, parsing...).
	ForecastAPIErrorsTotal *prometheus.CounterVec

	// Observations where "now" could not be located in the hourly series.
	DegradedObservationsTotal *prometheus.CounterVec

	// Refresh outcomes per neighborhood (success, provider_unavailable, storage_unavailable, ...).
	RefreshesTotal *prometheus.CounterVec

	// Duration of one full cycle across all neighborhoods.
	CycleDuration prometheus.Histogram

	// Cycles started by trigger (startup, tick, manual).
	CyclesTotal *prometheus.CounterVec

	// Store append outcomes by backend.
	StoreAppendsTotal *prometheus.CounterVec

	// Latest risk tier per neighborhood (1=low, 2=medium, 3=high).
	NeighborhoodRiskLevel *prometheus.GaugeVec

	// Classification rule hits. Watch for: flash_intensity spikes.
	RiskRuleHitsTotal *prometheus.CounterVec

	// Alert dispatch outcomes (sent, failed, skipped).
	NotificationsTotal *prometheus.CounterVec

	// Record publisher outcomes (published, failed).
	PublishTotal *prometheus.CounterVec

	// Latest-record cache hits/misses.
	CacheLookupsTotal *prometheus.CounterVec

	// Circuit breaker state (0=closed, 1=open, 2=half_open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions by from/to.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Manual refresh requests denied by the rate limiter.
	RateLimitDeniedTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ForecastAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiCallsTotal",
			Help: "Total number of forecast provider calls",
		},
		[]string{"provider", "status"},
	)
	ForecastAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastApiDurationSeconds",
			Help:    "Forecast provider latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "status"},
	)
	ForecastAPIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiRetriesTotal",
			Help: "Total number of retry attempts against the forecast provider",
		},
		[]string{"provider"},
	)
	ForecastAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiErrorsTotal",
			Help: "Forecast provider failures by error category",
		},
		[]string{"provider", "category"},
	)
	DegradedObservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "degradedObservationsTotal",
			Help: "Observations built with a fallback now-index or without hourly history",
		},
		[]string{"provider"},
	)
	RefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshesTotal",
			Help: "Neighborhood refresh outcomes",
		},
		[]string{"neighborhood", "outcome"},
	)
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cycleDurationSeconds",
			Help:    "Duration of a full refresh cycle across all neighborhoods",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyclesTotal",
			Help: "Refresh cycles started by trigger",
		},
		[]string{"trigger"},
	)
	StoreAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeAppendsTotal",
			Help: "Climate record appends by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	NeighborhoodRiskLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "neighborhoodRiskLevel",
			Help: "Latest risk tier per neighborhood (1=low, 2=medium, 3=high)",
		},
		[]string{"neighborhood"},
	)
	RiskRuleHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskRuleHitsTotal",
			Help: "Classification rule that produced each tier",
		},
		[]string{"rule"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notificationsTotal",
			Help: "Alert dispatch outcomes",
		},
		[]string{"channel", "outcome"},
	)
	PublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordPublishTotal",
			Help: "Record publisher outcomes",
		},
		[]string{"outcome"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheLookupsTotal",
			Help: "Latest-record cache lookups by result",
		},
		[]string{"result"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of manual refresh requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ForecastAPICallsTotal, ForecastAPIDuration, ForecastAPIRetriesTotal, ForecastAPIErrorsTotal,
		DegradedObservationsTotal,
		RefreshesTotal, CycleDuration, CyclesTotal,
		StoreAppendsTotal,
		NeighborhoodRiskLevel, RiskRuleHitsTotal,
		NotificationsTotal, PublishTotal,
		CacheLookupsTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
// state values follow circuitbreaker.State ordering.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// SetRiskLevel publishes the latest tier for a neighborhood.
func SetRiskLevel(neighborhood string, tier int) {
	NeighborhoodRiskLevel.WithLabelValues(neighborhood).Set(float64(tier))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
