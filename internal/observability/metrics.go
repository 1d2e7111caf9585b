package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "assignments_total", Help: "Assignment attempts by method and outcome"},
		[]string{"method", "outcome"},
	)
	PendingRides  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "pending_rides", Help: "Rides currently awaiting assignment"})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Drivers currently visible to matching"})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ride_dispatch", Name: "sweep_duration_seconds", Help: "Auto-assign sweep duration", Buckets: prometheus.DefBuckets,
	})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_dropped_total", Help: "Broadcast events dropped on slow observers"})
	AlertsRaised  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "alerts_raised_total", Help: "Alerts raised"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
