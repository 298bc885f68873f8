package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuner_executor_invocations_total",
			Help: "Function invocations by outcome",
		},
		[]string{"outcome"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuner_executor_batch_duration_seconds",
			Help:    "Wall time of one submitted batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	rateLimitedWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuner_executor_rate_limited_total",
			Help: "Invocations delayed by the client-side rate limiter",
		},
	)
)
