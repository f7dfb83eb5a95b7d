package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Published counts delivered events by type.
	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of job events published",
		},
		[]string{"type"},
	)

	// PublishFailures counts events NATS refused.
	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Total number of job events that could not be published",
		},
		[]string{"type"},
	)
)
