// Package metrics holds the Prometheus collectors for the automation core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webpilot"

var (
	// Transport metrics
	CommandsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "commands_sent_total",
			Help:      "CDP commands written to the browser, by protocol domain",
		},
		[]string{"domain"},
	)

	CommandLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "command_latency_seconds",
			Help:      "Round-trip latency of CDP commands",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"domain", "outcome"},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "events_received_total",
			Help:      "CDP events read from the browser, by protocol domain",
		},
		[]string{"domain"},
	)

	PendingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "pending_calls",
			Help:      "CDP commands awaiting a response",
		},
	)

	AttachedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cdp",
			Name:      "attached_sessions",
			Help:      "Sessions currently attached through the registry",
		},
	)

	// Page metrics
	Navigations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "page",
			Name:      "navigations_total",
			Help:      "Navigations by wait condition and outcome",
		},
		[]string{"wait_until", "outcome"},
	)

	NavigationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "page",
			Name:      "navigation_seconds",
			Help:      "Time from Page.navigate until the wait condition was met",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
	)

	// Action metrics
	Clicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "clicks_total",
			Help:      "Completed clicks by the method that delivered them",
		},
		[]string{"method"},
	)

	Fills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "fills_total",
			Help:      "Fill attempts by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Snapshot metrics
	Snapshots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "generated_total",
			Help:      "Snapshot requests by result (built or unchanged)",
		},
		[]string{"result"},
	)

	RefResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "ref_resolutions_total",
			Help:      "Ref lookups by strategy that resolved them",
		},
		[]string{"strategy"},
	)

	// Step metrics
	Steps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "steps",
			Name:      "executed_total",
			Help:      "Executed steps by kind and error code",
		},
		[]string{"kind", "code"},
	)
)

// ObserveCommand records the latency of a completed CDP command.
func ObserveCommand(method string, d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	CommandLatency.WithLabelValues(domain(method), outcome).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func domain(method string) string {
	for i := 0; i < len(method); i++ {
		if method[i] == '.' {
			return method[:i]
		}
	}
	return method
}
