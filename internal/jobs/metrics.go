package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts accepted uploads.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Total number of archive jobs submitted",
		},
	)

	// JobsFinished counts terminal jobs.
	// Labels: status (completed, failed), kind (error kind, empty on success)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of archive jobs that reached a terminal state",
		},
		[]string{"status", "kind"},
	)

	// StageDuration tracks time spent per pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archivist",
			Subsystem: "jobs",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"stage"},
	)

	// JobPanicsTotal counts panics recovered while processing a job.
	JobPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "jobs",
			Name:      "panics_total",
			Help:      "Total number of panics recovered during archive processing",
		},
	)

	// ActiveJobs is the number of jobs currently held by a worker.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "archivist",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of archive jobs currently being processed",
		},
	)

	// MessagesParsed counts parsed messages across jobs.
	// Labels: platform
	MessagesParsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "jobs",
			Name:      "messages_parsed_total",
			Help:      "Total number of messages parsed",
		},
		[]string{"platform"},
	)
)
