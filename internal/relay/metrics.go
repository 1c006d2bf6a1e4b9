package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agora",
		Subsystem: "relay",
		Name:      "active_connections",
		Help:      "Currently registered websocket connections.",
	})
	messagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "relay",
		Name:      "messages_routed_total",
		Help:      "Signaling messages routed, by kind.",
	}, []string{"type"})
	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "relay",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped due to a slow receiver.",
	})
)
