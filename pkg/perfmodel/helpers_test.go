package perfmodel

import (
	"math"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

// syntheticProfile builds a profile whose phases follow known closed forms
// with a small deterministic jitter.
func syntheticProfile(cpus []float64, workers []int, reps int) v1alpha1.StageProfile {
	profile := v1alpha1.StageProfile{}
	for _, c := range cpus {
		for _, w := range workers {
			cfg := v1alpha1.ResourceConfig{CPU: c, Memory: 1769 * c, Workers: w}
			rec := v1alpha1.NewProfileRecord()
			d := c * float64(w)
			for r := 0; r < reps; r++ {
				times := make([]v1alpha1.FunctionTimes, w)
				for i := range times {
					jitter := 1 + 0.01*math.Sin(float64(7*r+3*i)+c+float64(w))
					times[i] = v1alpha1.FunctionTimes{
						Read:      (2/c + 0.1) * jitter,
						Compute:   (40/d + 0.5) * jitter,
						Write:     (1/c + 0.1) * jitter,
						ColdStart: 0.2 * jitter,
					}
					times[i].Total = times[i].Read + times[i].Compute + times[i].Write + times[i].ColdStart
				}
				rec.Append(times)
			}
			profile[cfg] = rec
		}
	}
	return profile
}

func singleConfigProfile() v1alpha1.StageProfile {
	return syntheticProfile([]float64{1}, []int{1}, 3)
}
