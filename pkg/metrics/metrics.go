package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tunnel metrics
	TunnelsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bore_tunnels_connected",
			Help: "Number of instances with a connected tunnel",
		},
	)

	TunnelConnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bore_tunnel_connects_total",
			Help: "Total relay tunnel-connected callbacks, including duplicates",
		},
	)

	StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bore_status_transitions_total",
			Help: "Total instance status transitions by from and to status",
		},
		[]string{"from", "to"},
	)

	// Heartbeat metrics
	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bore_heartbeat_duration_seconds",
			Help:    "Heartbeat round-trip processing time in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Relay metrics
	RelaysTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bore_relays_total",
			Help: "Number of registered relays by status",
		},
		[]string{"status"},
	)

	FleetUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bore_fleet_utilization_pct",
			Help: "Fleet-wide tunnel slot utilization percentage",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bore_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bore_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bore_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// Sweeper metrics
	TokensReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bore_tokens_reaped_total",
			Help: "Total expired tunnel tokens removed by the sweeper",
		},
	)

	InstancesDemoted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bore_instances_demoted_total",
			Help: "Total instances driven offline by heartbeat timeout",
		},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bore_events_dropped_total",
			Help: "Total events dropped due to slow subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(TunnelsConnected)
	prometheus.MustRegister(TunnelConnects)
	prometheus.MustRegister(StatusTransitions)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(RelaysTotal)
	prometheus.MustRegister(FleetUtilization)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(TokensReaped)
	prometheus.MustRegister(InstancesDemoted)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
