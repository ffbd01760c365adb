package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"studymap/api/internal/room"
)

var (
	sessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "studymap_sync_sessions",
		Help: "Currently connected sync sessions.",
	})
	framesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "studymap_sync_frames_total",
		Help: "Inbound frames relayed, by kind.",
	}, []string{"kind"})
	framesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymap_sync_frames_rejected_total",
		Help: "Inbound frames rejected as malformed or unauthorized.",
	})
	joinsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymap_sync_joins_rejected_total",
		Help: "Connection attempts rejected before joining a room.",
	})

	// SnapshotsPersisted counts reconciliations written back to the store;
	// the persist hook wired into the room registry increments it.
	SnapshotsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "studymap_sync_snapshots_persisted_total",
		Help: "Document snapshots persisted to the relational store.",
	})
)

// RegisterRoomGauge exposes the number of live rooms in the registry.
func RegisterRoomGauge(registry *room.Registry) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "studymap_sync_rooms",
		Help: "Rooms currently held in memory.",
	}, func() float64 { return float64(registry.Len()) })
}
