package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuner_stage_executions_total",
			Help: "Stage executions by final status",
		},
		[]string{"status"},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuner_orchestrator_batch_duration_seconds",
			Help:    "Time blocked on one frontier batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tuner_orchestrator_run_duration_seconds",
			Help:    "Time to execute the whole workflow once",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
		},
	)

	profilingRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuner_profiling_runs_total",
			Help: "Workflow executions performed while profiling",
		},
	)
)
