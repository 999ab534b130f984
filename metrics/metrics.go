package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptrelay_connections_total",
			Help: "Total number of connection attempts by origin policy decision",
		},
		[]string{"decision"}, // "accepted", "rejected"
	)

	LaunchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptrelay_launches_total",
			Help: "Total number of run requests by result",
		},
		[]string{"result"}, // "started", "rejected", "persist_failed", "spawn_failed"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scriptrelay_active_sessions",
			Help: "Number of sessions currently running",
		},
	)

	SessionExitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scriptrelay_session_exits_total",
			Help: "Total number of finished sessions by termination cause",
		},
		[]string{"cause"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scriptrelay_session_duration_seconds",
			Help:    "Wall-clock lifetime of sessions",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	CleanupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scriptrelay_cleanup_failures_total",
			Help: "Total number of artifacts that could not be deleted",
		},
	)
)
