package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vramtest_endpoint_responses_total",
		Help: "The total number of responses served by the metrics endpoint",
	}, []string{"endpoint", "status_code"})

	// Session metrics
	SessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vramtest_sessions_open",
		Help: "Number of logical device sessions currently open",
	})

	// Pool metrics
	PoolAllocatedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vramtest_pool_allocated_bytes",
		Help: "Device memory currently held by resource pools in bytes",
	})

	PoolOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vramtest_pool_operations_total",
		Help: "Total number of resource pool operations by operation and outcome",
	}, []string{"op", "outcome"})

	// Exerciser metrics
	PatternResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vramtest_pattern_results_total",
		Help: "Total number of (buffer, pattern) results by tier and status",
	}, []string{"tier", "status"})

	MismatchedWords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vramtest_mismatched_words_total",
		Help: "Total number of 32-bit words read back with an unexpected value",
	}, []string{"tier"})

	PatternPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vramtest_pattern_pass_duration_ms",
		Help:    "Duration of one fill, readback and compare pass in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 18), // 0.1ms to ~13s
	}, []string{"tier"})

	BytesVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vramtest_bytes_verified_total",
		Help: "Total number of bytes read back and compared",
	})
)
