package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(posterJobsTotal, batchSize, batchesTotal) }

var posterJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "poster_jobs_total",
		Help: "Total number of poster jobs finished, labeled by terminal status.",
	},
	[]string{"status"}, // 'completed', 'failed', 'cancelled'
)

var batchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "poster_batches_total",
		Help: "Total number of batches processed, labeled by outcome.",
	},
	[]string{"outcome"}, // 'completed', 'partial', 'failed'
)

var batchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "poster_batch_size",
		Help:    "Distribution of themes per submitted batch.",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	},
)

func IncJob(status string) {
	posterJobsTotal.WithLabelValues(norm(status)).Inc()
}

func IncBatch(outcome string) {
	batchesTotal.WithLabelValues(norm(outcome)).Inc()
}

func ObserveBatchSize(n int) {
	batchSize.Observe(float64(n))
}
