package media

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExtractionsTotal counts media ref extractions.
	// Labels: result (extracted, deduplicated, failed, deferred)
	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "media",
			Name:      "extractions_total",
			Help:      "Total number of media extractions by result",
		},
		[]string{"result"},
	)

	// BytesWritten counts bytes committed to the blob store.
	BytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "media",
			Name:      "bytes_written_total",
			Help:      "Bytes of new content written to the blob store",
		},
	)

	// ExtractionDuration tracks time spent per extraction.
	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "archivist",
			Subsystem: "media",
			Name:      "extraction_duration_seconds",
			Help:      "Duration of single media extractions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ThumbnailFailures counts best-effort thumbnail failures.
	ThumbnailFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "media",
			Name:      "thumbnail_failures_total",
			Help:      "Total number of thumbnails that could not be generated",
		},
	)

	// BlobsCollected counts blobs removed by garbage collection.
	BlobsCollected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "media",
			Name:      "blobs_collected_total",
			Help:      "Total number of unreferenced blobs removed",
		},
	)
)
