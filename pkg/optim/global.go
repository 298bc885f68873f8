package optim

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/optimize"
	"k8s.io/klog/v2"
)

// DefaultGlobalEvaluations is the evaluation budget of MinimizeGlobal when
// none is given.
const DefaultGlobalEvaluations = 4000

// MinimizeGlobal searches [lower, upper] with CMA-ES. The search runs on the
// unit box, mapped affinely onto the bounds, starting from its centre, and
// ends when the evaluation budget is spent or the sampling covariance
// collapses. Non-finite objective values count as PenaltyValue.
func MinimizeGlobal(f func(x []float64) float64, lower, upper []float64, seed uint64, evals int) (Solution, error) {
	if len(lower) != len(upper) || len(lower) == 0 {
		return Solution{}, fmt.Errorf("bounds have %d/%d entries", len(lower), len(upper))
	}
	if evals <= 0 {
		evals = DefaultGlobalEvaluations
	}
	dim := len(lower)
	toBox := func(u []float64) []float64 {
		x := make([]float64, dim)
		for i := range u {
			t := math.Max(0, math.Min(1, u[i]))
			x[i] = lower[i] + t*(upper[i]-lower[i])
		}
		return x
	}
	obj := func(u []float64) float64 {
		var out float64
		for i := range u {
			if u[i] < 0 {
				out += u[i] * u[i]
			} else if u[i] > 1 {
				out += (u[i] - 1) * (u[i] - 1)
			}
		}
		return finite(f(toBox(u)) + out)
	}

	u0 := make([]float64, dim)
	for i := range u0 {
		u0[i] = 0.5
	}
	method := &optimize.CmaEsChol{
		InitStepSize: 0.3,
		Src:          rand.NewSource(seed),
	}
	settings := &optimize.Settings{
		FuncEvaluations: evals,
		Converger:       optimize.NeverTerminate{},
	}
	res, err := optimize.Minimize(optimize.Problem{Func: obj}, u0, settings, method)
	if res == nil {
		return Solution{}, fmt.Errorf("global search: %w", err)
	}
	if err != nil {
		klog.V(5).Infof("Global search stopped: %v", err)
	}
	x := toBox(res.X)
	klog.V(5).Infof("Global search: f=%g after %d evaluations (%s)", res.F, res.FuncEvaluations, res.Status)
	return Solution{X: x, F: finite(f(x)), Feasible: true}, nil
}
