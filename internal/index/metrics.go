package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts messages passed through the embedding pass.
	// Labels: result (embedded, failed)
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "index",
			Name:      "messages_total",
			Help:      "Total number of messages embedded or left unembedded",
		},
		[]string{"result"},
	)

	// BatchDuration tracks one embed-and-upsert batch.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "archivist",
			Subsystem: "index",
			Name:      "batch_duration_seconds",
			Help:      "Duration of one embedding batch including the index write",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// SearchesTotal counts semantic searches.
	// Labels: result (success, error)
	SearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "index",
			Name:      "searches_total",
			Help:      "Total number of semantic searches",
		},
		[]string{"result"},
	)
)
