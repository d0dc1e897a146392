// Package metrics provides Prometheus instrumentation for the notify
// server. It exposes gauges for open streams and listener state, and
// counters for event throughput, decode failures, and subscriber lag.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpenStreams tracks the current number of live delivery streams,
	// labeled by transport: "sse" or "ws".
	OpenStreams = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notify_open_streams",
		Help: "Current number of open delivery streams",
	}, []string{"transport"})

	// NotificationsTotal counts change notifications received from the data
	// store, labeled by outcome: "dispatched", "decode_error", or "unknown_kind".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_notifications_total",
		Help: "Total change notifications received, by outcome",
	}, []string{"outcome"})

	// EventsDeliveredTotal counts event frames written to clients.
	EventsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_events_delivered_total",
		Help: "Total event frames delivered to clients",
	})

	// EventsDroppedTotal counts events dropped before fan-out, labeled by
	// reason: "resolve_error" or "offline".
	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_events_dropped_total",
		Help: "Total events dropped before delivery, by reason",
	}, []string{"reason"})

	// LagEventsTotal counts the gap markers surfaced to lagging subscribers.
	LagEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_lag_events_total",
		Help: "Total gap markers sent to lagging subscribers",
	})

	// ListenerState reports the change-capture listener state machine:
	// 0 = disconnected, 1 = connecting, 2 = listening.
	ListenerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_listener_state",
		Help: "Change-capture listener state (0=disconnected, 1=connecting, 2=listening)",
	})

	// RegisteredChannels tracks the number of user channels in the registry.
	RegisteredChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_registered_channels",
		Help: "Current number of user channels in the connection registry",
	})
)

func init() {
	prometheus.MustRegister(
		OpenStreams,
		NotificationsTotal,
		EventsDeliveredTotal,
		EventsDroppedTotal,
		LagEventsTotal,
		ListenerState,
		RegisteredChannels,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
