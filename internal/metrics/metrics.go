// Package metrics provides Prometheus instrumentation for the matchmaker. It
// exposes gauges for queue size and backend mode, counters for match outcomes
// and relay traffic, and a histogram for time spent searching.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchQueueSize tracks the current number of participants waiting.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skipon_match_queue_size",
		Help: "Current number of participants in the matching queue",
	})

	// MatchDuration records the time from enqueue to room creation, observed
	// on the request that forms the room.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "skipon_match_duration_seconds",
		Help:    "Time a partner waited in the queue before being matched",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 60, 120},
	})

	// MatchRequests counts RequestMatch outcomes, labeled by result:
	// "matched", "searching", "rejected".
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skipon_match_requests_total",
		Help: "Total number of match requests by outcome",
	}, []string{"result"})

	// RoomsCreated counts rooms that passed post-write verification.
	RoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skipon_rooms_created_total",
		Help: "Total number of verified rooms created",
	})

	// ClaimsDenied counts claim attempts lost to a concurrent requester.
	ClaimsDenied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skipon_claims_denied_total",
		Help: "Total number of claim attempts denied because the candidate was already claimed",
	})

	// RoomsHealed counts malformed rooms detected and deleted, labeled by
	// where the damage was found: "lookup", "verify", "status".
	RoomsHealed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skipon_rooms_healed_total",
		Help: "Total number of malformed rooms deleted on detection",
	}, []string{"stage"})

	// StoreDegraded is 1 while the matchmaker runs on the in-process fallback.
	StoreDegraded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skipon_store_degraded",
		Help: "1 if the matchmaker fell back to the in-process store",
	})

	// RelayMessages counts relay frames, labeled by type: "forwarded", "blocked".
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skipon_relay_messages_total",
		Help: "Total number of room relay frames processed",
	}, []string{"type"})

	// RelayConnections tracks open relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "skipon_relay_connections",
		Help: "Current number of open room relay connections",
	})
)

func init() {
	prometheus.MustRegister(
		MatchQueueSize,
		MatchDuration,
		MatchRequests,
		RoomsCreated,
		ClaimsDenied,
		RoomsHealed,
		StoreDegraded,
		RelayMessages,
		RelayConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
