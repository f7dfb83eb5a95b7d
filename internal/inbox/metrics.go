package inbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FilesTotal counts dropped files handed to the job manager.
// Labels: result (submitted, failed)
var FilesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "archivist",
		Subsystem: "inbox",
		Name:      "files_total",
		Help:      "Total number of files claimed from the watch folder",
	},
	[]string{"result"},
)
