package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tuner_server_request_duration_seconds",
			Help:    "Time spent serving status requests",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"handler"},
	)

	requestsRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tuner_server_rate_limited_total",
			Help: "Status requests rejected due to rate limiting",
		},
	)
)
