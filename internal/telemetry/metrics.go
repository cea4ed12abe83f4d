package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors the session engine reports to.
// Register them once at startup and pass the struct down; tests build their
// own on a private registry.
type Metrics struct {
	Connections      prometheus.Gauge
	Rooms            prometheus.Gauge
	ChangesApplied   prometheus.Counter
	VersionConflicts prometheus.Counter
	ApplyDuration    prometheus.Histogram
	EventsRejected   *prometheus.CounterVec // by error code
	Broadcasts       *prometheus.CounterVec // by result: delivered, skipped
	ChangeFeed       *prometheus.CounterVec // by result: sent, dropped, failed
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "collab",
			Name:      "rooms_active",
			Help:      "Documents with at least one joined connection.",
		}),
		ChangesApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "changes_applied_total",
			Help:      "Document changes persisted and broadcast.",
		}),
		VersionConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "version_conflicts_total",
			Help:      "Snapshot writes retried because another writer moved the version.",
		}),
		ApplyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collab",
			Name:      "apply_change_seconds",
			Help:      "Time spent persisting one change.",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "events_rejected_total",
			Help:      "Inbound events answered with an error event.",
		}, []string{"code"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "broadcast_messages_total",
			Help:      "Per-recipient outcome of room broadcasts.",
		}, []string{"result"}),
		ChangeFeed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collab",
			Name:      "changefeed_messages_total",
			Help:      "Change feed publish outcomes.",
		}, []string{"result"}),
	}
}

// NewNopMetrics returns collectors registered nowhere.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
