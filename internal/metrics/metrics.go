package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for vectorization, merge and matching
var (
	// ProductsVectorized counts product records by outcome (vectorized, skipped, failed).
	ProductsVectorized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productmatch_products_total",
		Help: "Total number of product records processed by outcome",
	}, []string{"outcome"})

	// SkipReasons counts skipped product records by reason.
	SkipReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productmatch_product_skips_total",
		Help: "Total number of skipped product records by reason",
	}, []string{"reason"})

	// BatchDuration measures batch vectorization runs.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "productmatch_batch_duration_seconds",
		Help:    "Batch vectorization duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// MergeRuns counts merge runs by result.
	MergeRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productmatch_merge_runs_total",
		Help: "Total number of corpus merge runs by result",
	}, []string{"result"})

	// PartitionVectors is the number of vectors in each category partition after the last merge.
	PartitionVectors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "productmatch_partition_vectors",
		Help: "Number of vectors per category partition",
	}, []string{"category"})

	// MatchRequests counts match requests by category and result.
	MatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productmatch_match_requests_total",
		Help: "Total number of match requests",
	}, []string{"category", "result"})

	// MatchLatency measures query vectorization plus ranking.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "productmatch_match_latency_seconds",
		Help:    "Match latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})

	// FeedRequests counts retailer feed requests by result.
	FeedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "productmatch_feed_requests_total",
		Help: "Total number of retailer feed requests",
	}, []string{"result"})

	// RefreshRunning is 1 while a corpus refresh is in progress.
	RefreshRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "productmatch_refresh_running",
		Help: "Whether a corpus refresh is in progress",
	})
)
