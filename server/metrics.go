package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Currently connected clients.",
	})

	channelsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_channels",
		Help: "Known channels, empty ones included.",
	})

	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Broadcast fan-outs performed, by message type.",
	}, []string{"type"})

	sendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Per recipient send failures during broadcast.",
	})

	chunkedBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_chunked_broadcasts_total",
		Help: "Broadcasts large enough to be sent as chunked sequences.",
	})
)
