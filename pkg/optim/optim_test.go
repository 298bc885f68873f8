package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// latency = coeffs[0] / (workers * cpu) + coeffs[1]
func inverseTerm(x, coeffs []float64) float64 {
	return coeffs[0]/(x[0]*x[1]) + coeffs[1]
}

func TestExprEval(t *testing.T) {
	e := Sum(StageExpr{Idx: 0, Term: inverseTerm}, StageExpr{Idx: 1, Term: inverseTerm})
	x := []float64{2, 1, 4, 2}
	coeffs := [][]float64{{10, 1}, {16, 0}}

	assert.InDelta(t, 5+1+2, e.Eval(x, coeffs), 1e-12)
	assert.Equal(t, []int{0, 1}, e.Stages())
}

func TestExprSamples(t *testing.T) {
	e := Sum(StageExpr{Idx: 0, Term: inverseTerm}).Plus(Sum(StageExpr{Idx: 1, Term: inverseTerm}))
	x := []float64{1, 1, 1, 1}
	samples := [][][]float64{
		{{1, 0}, {2, 0}, {3, 0}, {4, 0}},
		{{0, 0}, {0, 0}, {0, 0}, {0, 0}, {100, 0}},
	}

	vals := e.EvalSamples(x, samples)
	require.Len(t, vals, 4)
	assert.Equal(t, []float64{1, 2, 3, 4}, vals)

	tests := []struct {
		name  string
		bound float64
		want  float64
	}{
		{"all over", 0.5, 1},
		{"half over", 2, 0.5},
		{"none over", 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.ViolationRate(x, samples, tt.bound), 1e-12)
		})
	}

	assert.Equal(t, 4.0, e.Quantile(x, samples, 1))
	assert.Equal(t, 1.0, e.Quantile(x, samples, 0.1))
}

func TestMinimizeConstrained(t *testing.T) {
	// Minimize x0+x1 subject to 1/x0 + 1/x1 <= 1 on [0.5, 10]^2; optimum at (2, 2).
	p := Problem{
		Objective: func(x []float64) float64 { return x[0] + x[1] },
		Constraints: []Constraint{
			func(x []float64) float64 { return 1/x[0] + 1/x[1] - 1 },
		},
		Lower: []float64{0.5, 0.5},
		Upper: []float64{10, 10},
	}
	sol, err := MinimizeConstrained(p, []float64{8, 8}, nil)
	require.NoError(t, err)
	assert.InDelta(t, 4, sol.F, 0.05)
	assert.InDelta(t, 2, sol.X[0], 0.1)
	assert.InDelta(t, 2, sol.X[1], 0.1)
	assert.LessOrEqual(t, sol.Violation, 1e-3)
}

func TestMinimizeConstrainedRespectsBox(t *testing.T) {
	p := Problem{
		Objective: func(x []float64) float64 { return -x[0] },
		Lower:     []float64{1},
		Upper:     []float64{3},
	}
	sol, err := MinimizeConstrained(p, []float64{2}, nil)
	require.NoError(t, err)
	assert.True(t, sol.Feasible)
	assert.LessOrEqual(t, sol.X[0], 3.0)
	assert.InDelta(t, 3, sol.X[0], 1e-2)
}

func TestMinimizeConstrainedInfeasible(t *testing.T) {
	p := Problem{
		Objective:   func(x []float64) float64 { return x[0] },
		Constraints: []Constraint{func(x []float64) float64 { return 5 - x[0] }},
		Lower:       []float64{0},
		Upper:       []float64{2},
	}
	sol, err := MinimizeConstrained(p, []float64{1}, nil)
	require.NoError(t, err)
	assert.False(t, sol.Feasible)
	assert.InDelta(t, 2, sol.X[0], 1e-2)
}

func TestMinimizeConstrainedBadBounds(t *testing.T) {
	_, err := MinimizeConstrained(Problem{
		Objective: func(x []float64) float64 { return x[0] },
		Lower:     []float64{0, 0},
		Upper:     []float64{1},
	}, []float64{0.5}, nil)
	assert.Error(t, err)
}

func TestMinimizeGlobal(t *testing.T) {
	f := func(x []float64) float64 {
		return (x[0]-3)*(x[0]-3) + (x[1]+1)*(x[1]+1)
	}
	sol, err := MinimizeGlobal(f, []float64{-5, -5}, []float64{5, 5}, 7, 3000)
	require.NoError(t, err)
	assert.InDelta(t, 3, sol.X[0], 0.05)
	assert.InDelta(t, -1, sol.X[1], 0.05)
	assert.Less(t, sol.F, 1e-3)

	again, err := MinimizeGlobal(f, []float64{-5, -5}, []float64{5, 5}, 7, 3000)
	require.NoError(t, err)
	assert.Equal(t, sol.X, again.X)
}

func TestMinimizeGlobalAccurateAcrossSeeds(t *testing.T) {
	f := func(x []float64) float64 {
		return (x[0]-3)*(x[0]-3) + (x[1]+1)*(x[1]+1)
	}
	for _, seed := range []uint64{1, 7, 42} {
		sol, err := MinimizeGlobal(f, []float64{-5, -5}, []float64{5, 5}, seed, 4000)
		require.NoError(t, err)
		assert.Less(t, sol.F, 1e-3, "seed %d", seed)
	}
}

func TestMinimizeGlobalRespectsBudget(t *testing.T) {
	calls := 0
	f := func(x []float64) float64 {
		calls++
		return (x[0]-3)*(x[0]-3) + (x[1]+1)*(x[1]+1)
	}
	small, err := MinimizeGlobal(f, []float64{-5, -5}, []float64{5, 5}, 7, 30)
	require.NoError(t, err)
	// The budget, one evaluation in flight at shutdown, and the final
	// evaluation of the returned point.
	assert.LessOrEqual(t, calls, 32)

	large, err := MinimizeGlobal(f, []float64{-5, -5}, []float64{5, 5}, 7, 4000)
	require.NoError(t, err)
	assert.LessOrEqual(t, large.F, small.F)
}

func TestMinimizeGlobalPenalizesNonFinite(t *testing.T) {
	f := func(x []float64) float64 {
		if x[0] < 1 {
			return math.NaN()
		}
		return x[0]
	}
	sol, err := MinimizeGlobal(f, []float64{0}, []float64{4}, 1, 2000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sol.X[0], 1.0)
	assert.Less(t, sol.F, 2.0)
}
