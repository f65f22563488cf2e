package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "coauthor", Name: "collab_sessions_active", Help: "Number of live collaboration sessions."},
	)
	ParticipantsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "coauthor", Name: "collab_participants_connected", Help: "Number of participants connected across all rooms."},
	)
	UpdatesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "collab_updates_relayed_total", Help: "Number of incremental document updates merged and rebroadcast."},
	)
	UpdatesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "collab_updates_dropped_total", Help: "Number of malformed document updates dropped at the protocol boundary."},
	)
	SnapshotsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "history_snapshots_created_total", Help: "Number of version snapshots appended by change kind."},
		[]string{"kind"},
	)
	PersistenceRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "coauthor", Name: "bridge_persistence_retries_total", Help: "Number of retried durable-store flush attempts."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionsActive,
		ParticipantsConnected,
		UpdatesRelayed,
		UpdatesDropped,
		SnapshotsCreated,
		PersistenceRetries,
	)
}
