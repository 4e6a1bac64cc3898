package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robot",
		Subsystem: "router",
		Name:      "messages_total",
		Help:      "Messages that entered the pipeline, by intent and terminal stage.",
	}, []string{"intent", "outcome"})

	admissionDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "robot",
		Subsystem: "router",
		Name:      "admission_denied_total",
		Help:      "Messages rejected before the pipeline, by denial code.",
	}, []string{"code"})

	processingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "robot",
		Subsystem: "router",
		Name:      "processing_seconds",
		Help:      "End to end routing latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	})
)
