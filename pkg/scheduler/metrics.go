package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tuner_schedule_duration_seconds",
			Help:    "Time spent computing a DAG resource assignment",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"scheduler"},
	)

	jolteonSampleSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuner_jolteon_sample_size",
			Help: "Monte-Carlo coefficient sets drawn per stage by the last Jolteon run",
		},
	)

	jolteonBoundAdjustments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuner_jolteon_bound_adjustments_total",
			Help: "Times Jolteon tightened its internal bound after a risky solution",
		},
	)

	jolteonProbeSteps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuner_jolteon_probe_candidates_total",
			Help: "Grid candidates scored during Jolteon's neighbourhood probe",
		},
	)

	orionExplored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuner_orion_candidates_explored_total",
			Help: "Memory vectors evaluated by Orion",
		},
	)
)
