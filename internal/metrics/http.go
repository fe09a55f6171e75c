package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boosterclub_api_requests_total",
			Help: "API requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	// Trigger and restore requests run a whole backup or restore inline, so
	// the buckets reach past the longest run deadline.
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boosterclub_api_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: []float64{.005, .025, .1, .5, 2, 10, 60, 300, 900, 1800},
		},
		[]string{"route"},
	)

	apiRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boosterclub_api_requests_in_flight",
		Help: "API requests currently being served",
	})
)

// RequestStarted counts a request as in flight until the returned func runs.
func RequestStarted() func() {
	apiRequestsInFlight.Inc()
	return apiRequestsInFlight.Dec
}

// ObserveRequest records one served API request. route is the matched route
// pattern, never the raw path.
func ObserveRequest(method, route string, code int, elapsed time.Duration) {
	apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
