package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/constants"
)

// Constraint is satisfied when it evaluates to a value <= 0.
type Constraint func(x []float64) float64

// Problem is a box-bounded minimization subject to inequality constraints.
type Problem struct {
	Objective   func(x []float64) float64
	Constraints []Constraint
	Lower       []float64
	Upper       []float64
}

// Settings tune the penalty loop of MinimizeConstrained.
type Settings struct {
	// Rounds is the number of penalty rounds.
	Rounds int
	// InitialPenalty is the weight of squared violations in the first round.
	InitialPenalty float64
	// Growth multiplies the penalty weight between rounds.
	Growth float64
	// MajorIterations caps BFGS iterations per round.
	MajorIterations int
	// Tolerance is the largest violation still considered feasible.
	Tolerance float64
}

// DefaultSettings returns the settings used when nil is passed.
func DefaultSettings() *Settings {
	return &Settings{
		Rounds:          8,
		InitialPenalty:  10,
		Growth:          10,
		MajorIterations: 200,
		Tolerance:       1e-4,
	}
}

// Solution is the best point an optimizer found.
type Solution struct {
	X         []float64
	F         float64
	Violation float64
	Feasible  bool
}

func (s Solution) better(o Solution) bool {
	if o.X == nil {
		return true
	}
	if s.Feasible != o.Feasible {
		return s.Feasible
	}
	if !s.Feasible {
		return s.Violation < o.Violation
	}
	return s.F < o.F
}

func (p Problem) validate(x0 []float64) error {
	if p.Objective == nil {
		return errors.New("objective is required")
	}
	if len(p.Lower) != len(x0) || len(p.Upper) != len(x0) {
		return fmt.Errorf("bounds have %d/%d entries for %d variables", len(p.Lower), len(p.Upper), len(x0))
	}
	for i := range x0 {
		if p.Lower[i] > p.Upper[i] {
			return fmt.Errorf("lower bound %g above upper bound %g at %d", p.Lower[i], p.Upper[i], i)
		}
	}
	return nil
}

// Clamp projects x onto the box in place.
func Clamp(x, lower, upper []float64) []float64 {
	for i := range x {
		x[i] = math.Max(lower[i], math.Min(upper[i], x[i]))
	}
	return x
}

// violation is the largest positive constraint value at x.
func (p Problem) violation(x []float64) float64 {
	var v float64
	for _, c := range p.Constraints {
		v = math.Max(v, c(x))
	}
	return v
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return constants.PenaltyValue
	}
	return v
}

func (p Problem) evaluate(x []float64, tol float64) Solution {
	v := p.violation(x)
	return Solution{
		X:         append([]float64(nil), x...),
		F:         finite(p.Objective(x)),
		Violation: v,
		Feasible:  v <= tol,
	}
}

// MinimizeConstrained runs a quadratic-penalty outer loop around BFGS with
// finite-difference gradients. Iterates are projected onto the box and
// leaving it is penalized like a violated constraint. It returns the best
// feasible point seen, or the least infeasible one.
func MinimizeConstrained(p Problem, x0 []float64, s *Settings) (Solution, error) {
	if err := p.validate(x0); err != nil {
		return Solution{}, err
	}
	if s == nil {
		s = DefaultSettings()
	}

	x := Clamp(append([]float64(nil), x0...), p.Lower, p.Upper)
	best := p.evaluate(x, s.Tolerance)
	mu := s.InitialPenalty
	proj := make([]float64, len(x))

	for round := 0; round < s.Rounds; round++ {
		weight := mu
		penalized := func(y []float64) float64 {
			copy(proj, y)
			Clamp(proj, p.Lower, p.Upper)
			f := finite(p.Objective(proj))
			var pen float64
			for _, c := range p.Constraints {
				if v := c(proj); v > 0 {
					pen += v * v
				}
			}
			for i := range y {
				d := y[i] - proj[i]
				pen += d * d
			}
			return finite(f + weight*pen)
		}
		prob := optimize.Problem{
			Func: penalized,
			Grad: func(grad, y []float64) {
				fd.Gradient(grad, penalized, y, &fd.Settings{Formula: fd.Central})
			},
		}
		res, err := optimize.Minimize(prob, x, &optimize.Settings{MajorIterations: s.MajorIterations}, &optimize.BFGS{})
		if res == nil {
			return best, fmt.Errorf("penalty round %d: %w", round, err)
		}
		if err != nil {
			klog.V(5).Infof("Penalty round %d stopped early: %v", round, err)
		}
		x = Clamp(append([]float64(nil), res.X...), p.Lower, p.Upper)
		cand := p.evaluate(x, s.Tolerance)
		klog.V(5).Infof("Penalty round %d: mu=%g f=%g violation=%g", round, mu, cand.F, cand.Violation)
		if cand.better(best) {
			best = cand
		}
		if cand.Feasible {
			break
		}
		mu *= s.Growth
	}
	return best, nil
}
