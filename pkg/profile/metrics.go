package profile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	profileSamples = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tuner_profile_repetitions",
			Help: "Recorded repetitions per stage and configuration",
		},
		[]string{"stage", "config"},
	)

	profileStages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuner_profile_stages",
			Help: "Stages with at least one recorded profile",
		},
	)

	crdSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuner_profile_crd_syncs_total",
			Help: "Profile custom resource writes by outcome",
		},
		[]string{"op", "outcome"},
	)
)
