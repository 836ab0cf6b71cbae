package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrchat_relay_requests_total",
			Help: "Relay requests by outcome",
		},
		[]string{"mode", "outcome"},
	)

	relayBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vrchat_relay_forwarded_bytes_total",
			Help: "Bytes forwarded from the provider to callers",
		},
	)

	upstreamStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrchat_upstream_responses_total",
			Help: "Provider responses by route and status code",
		},
		[]string{"route", "code"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vrchat_upstream_duration_seconds",
			Help:    "Time spent on provider calls, including streaming",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	listingsLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrchat_listings_loads_total",
			Help: "Spreadsheet listing loads by source",
		},
		[]string{"source"},
	)
)

// Register adds all collectors to r.
func Register(r prometheus.Registerer) {
	r.MustRegister(relayRequests, relayBytes, upstreamStatus, upstreamDuration, listingsLoads)
}

// RecordRelay counts one relay request. mode is "stream" or "buffered".
func RecordRelay(mode, outcome string) {
	relayRequests.WithLabelValues(mode, outcome).Inc()
}

func AddRelayBytes(n int64) {
	if n > 0 {
		relayBytes.Add(float64(n))
	}
}

func RecordUpstreamStatus(route, code string) {
	upstreamStatus.WithLabelValues(route, code).Inc()
}

func ObserveUpstreamDuration(route string, d time.Duration) {
	upstreamDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordListingsLoad counts a listings load served from "cache", "sheet" or
// "snapshot".
func RecordListingsLoad(source string) {
	listingsLoads.WithLabelValues(source).Inc()
}
