package vectorstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts store operations.
	// Labels: backend (chromem, qdrant), op (upsert, search, delete), result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "vectorstore",
			Name:      "operations_total",
			Help:      "Total number of vector store operations",
		},
		[]string{"backend", "op", "result"},
	)

	// OperationDuration tracks store operation latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "archivist",
			Subsystem: "vectorstore",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// PointsWritten counts vectors upserted.
	PointsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "vectorstore",
			Name:      "points_written_total",
			Help:      "Total number of vectors written",
		},
		[]string{"backend"},
	)

	// IsolationRejections counts requests refused by owner isolation.
	// Labels: reason (missing_owner, filter_injection)
	IsolationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivist",
			Subsystem: "vectorstore",
			Name:      "isolation_rejections_total",
			Help:      "Total number of operations rejected by owner isolation",
		},
		[]string{"reason"},
	)
)

// observe records the outcome and latency of one operation.
func observe(backend, op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, op, result).Inc()
	OperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
