package v1alpha1

import "serverless-dag-tuner/pkg/constants"

// Bound is a scheduling target: keep Objective at or below Value with
// probability at least 1-Risk.
type Bound struct {
	Objective constants.Objective `json:"objective" yaml:"objective"`
	Value     float64             `json:"value" yaml:"value"`
	Risk      float64             `json:"risk" yaml:"risk"`
}
