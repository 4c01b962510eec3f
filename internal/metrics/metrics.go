// Package metrics holds the Prometheus collectors for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentoven_relay"

var (
	// EventsTotal counts processed units of work.
	// Labels: channel, outcome (replied, no_reply, no_endpoint, failed)
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "events_total",
		Help:      "Inbound events processed, by outcome",
	}, []string{"channel", "outcome"})

	// ActiveLanes is the number of conversation keys with queued or running work.
	ActiveLanes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "active_lanes",
		Help:      "Conversation keys with queued or in-flight work",
	})

	// CachedSessions is the number of sessions held in memory.
	CachedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "cached",
		Help:      "Sessions held in the in-memory cache",
	})

	// SessionsEvicted counts idle sessions dropped from memory by the sweeper.
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "evicted_total",
		Help:      "Idle sessions evicted from the in-memory cache",
	})

	// SessionLoadFailures counts corrupt or unreadable durable sessions.
	SessionLoadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "load_failures_total",
		Help:      "Durable sessions that failed to load and were reset",
	})

	// DispatchLatency measures agent round-trips.
	// Labels: status (ok, empty, timeout, http_error, bad_response, transport_error)
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "latency_seconds",
		Help:      "Agent dispatch latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	}, []string{"status"})

	// PolicyVerdicts counts guardrail evaluations.
	// Labels: verdict (safe, allow, deny, ask)
	PolicyVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "guardrails",
		Name:      "verdicts_total",
		Help:      "Guardrail policy evaluations, by verdict",
	}, []string{"verdict"})
)
