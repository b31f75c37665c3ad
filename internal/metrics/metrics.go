// Package metrics provides Prometheus instrumentation for relaybot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn metrics.
var (
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_turns_total",
		Help: "Total number of backend turns, by backend and outcome.",
	}, []string{"backend", "outcome"})

	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relaybot_turn_duration_seconds",
		Help:    "Backend turn duration in seconds.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"backend"})

	FallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_fallbacks_total",
		Help: "Total number of turns replayed against the fallback backend.",
	})
)

// Protocol metrics.
var (
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaybot_tool_calls_total",
		Help: "Total number of tool calls observed, by tool name and owner.",
	}, []string{"tool", "owner"})

	ParseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaybot_parse_errors_total",
		Help: "Total number of malformed protocol lines skipped.",
	})
)

// Concurrency metrics.
var (
	ActiveLanes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaybot_active_lanes",
		Help: "Number of conversation lanes currently holding or waiting on a turn.",
	})
)
