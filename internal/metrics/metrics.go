// Package metrics holds the process-wide Prometheus collectors shared
// by the room controller and registry. Registered once per process and
// labeled by room id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ecs_sync",
		Name:      "room_sessions",
		Help:      "Number of connected sessions per room.",
	}, []string{"room_id"})

	RoomPatchesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecs_sync",
		Name:      "room_patches_applied_total",
		Help:      "Document patch groups applied per room.",
	}, []string{"room_id"})

	RoomSaveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecs_sync",
		Name:      "room_save_latency_seconds",
		Help:      "Latency of throttled room snapshot saves.",
	}, []string{"room_id"})

	RoomsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ecs_sync",
		Name:      "rooms_open",
		Help:      "Number of rooms currently resident in the registry.",
	})
)
