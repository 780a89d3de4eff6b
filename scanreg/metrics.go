package scanreg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// alignRuns counts alignment runs.
	// Labels: kind = "single" | "group", result = "converged" | "max_iterations" | "cancelled" | "error"
	alignRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanreg_align_runs_total",
		Help: "Total alignment runs by kind and result",
	}, []string{"kind", "result"})

	alignIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanreg_align_iterations",
		Help:    "Iterations per single-scan alignment and activations per group alignment",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
	}, []string{"kind"})

	alignDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scanreg_align_duration_seconds",
		Help:    "Alignment duration",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"kind"})

	bucketDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanreg_bucket_discarded_total",
		Help: "Correspondences discarded by volume bucket density capping",
	})

	// importedPairs counts pair files processed by bulk import.
	// Labels: result = "loaded" | "failed" | "skipped" | "superseded"
	importedPairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanreg_import_pairs_total",
		Help: "Pair files processed by import",
	}, []string{"result"})
)
