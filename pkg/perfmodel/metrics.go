package perfmodel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"serverless-dag-tuner/pkg/constants"
)

var (
	trainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tuner_model_training_duration_seconds",
			Help:    "Time spent fitting a performance model",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"kind"},
	)

	gpBestFitness = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tuner_gp_best_fitness",
			Help: "Mean squared error of the best evolved expression per stage",
		},
		[]string{"stage"},
	)

	sampledCoefficientSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuner_model_sampled_coefficient_sets_total",
			Help: "Coefficient sets drawn from fitted uncertainty",
		},
		[]string{"stage"},
	)
)

func observeTraining(kind constants.ModelKind, start time.Time) {
	trainingDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
}
