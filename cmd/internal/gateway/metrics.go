package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedBots = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "robot",
		Subsystem: "gateway",
		Name:      "connected_bots",
		Help:      "OneBot clients currently connected.",
	})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robot",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Frames received from clients, by post type.",
	}, []string{"post_type"})

	repliesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "robot",
		Subsystem: "gateway",
		Name:      "replies_dropped_total",
		Help:      "Reply actions dropped because the send queue was full.",
	})

	autoBansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robot",
		Subsystem: "gateway",
		Name:      "auto_bans_total",
		Help:      "Bans applied by the abuse detector, by reason.",
	}, []string{"reason"})
)
