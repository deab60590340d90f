package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rescue_dispatch"

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatches_total", Help: "Successful dispatch decisions by mode"},
		[]string{"mode"},
	)
	DispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_failures_total", Help: "Dispatch attempts with no drivers available"})
	DecisionLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "End to end dispatch latency seconds"})
	SurgeMultiplier       = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "surge_multiplier",
		Help:      "Surge multiplier applied to dispatched trips",
		Buckets:   []float64{1, 1.2, 1.3, 1.5, 1.8, 2, 2.34, 2.81},
	})
	ReservationConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservation_conflicts_total", Help: "Dispatch decisions that lost a driver to another trip"})
	TripsReleasedTotal        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trips_released_total", Help: "Trips closed and their drivers freed, by final status"},
		[]string{"status"},
	)
	DriverUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_updates_total", Help: "Driver status updates accepted"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
