package perfmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

func TestExpressionRoundTrip(t *testing.T) {
	tests := []string{
		"cpu",
		"-3.25",
		"add(mul(cpu, 2.5), pdiv(1200, workers))",
		"sub(pdiv(memory, add(cpu, 1e-07)), mul(workers, workers))",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			n, err := parseExpr(src)
			require.NoError(t, err)
			assert.Equal(t, src, n.String())
		})
	}

	for _, bad := range []string{"", "add(cpu)", "mul(cpu, 2", "foo", "cpu workers"} {
		_, err := parseExpr(bad)
		assert.Error(t, err, bad)
	}
}

func TestRandomTreesRoundTrip(t *testing.T) {
	tb := treeBuilder{rng: rand.New(rand.NewSource(3)), constRange: 10}
	for _, tree := range tb.rampedHalfAndHalf(50, 6) {
		assert.LessOrEqual(t, tree.height(), 6)
		back, err := parseExpr(tree.String())
		require.NoError(t, err)
		x := [numVars]float64{1.5, 2.5, 4}
		assert.Equal(t, tree.eval(x), back.eval(x))
	}
}

func TestProtectedDivision(t *testing.T) {
	n, err := parseExpr("pdiv(cpu, sub(workers, workers))")
	require.NoError(t, err)
	assert.Equal(t, 1.0, n.eval([numVars]float64{3, 1, 2}))
}

func TestGeneticOperatorsRespectHeight(t *testing.T) {
	tb := treeBuilder{rng: rand.New(rand.NewSource(9)), constRange: 10}
	pop := tb.rampedHalfAndHalf(40, 6)
	for i := 0; i < 200; i++ {
		a, b := pop[i%len(pop)], pop[(i*7)%len(pop)]
		assert.LessOrEqual(t, tb.crossover(a, b, 8).height(), 8)
		assert.LessOrEqual(t, tb.mutate(a, 8).height(), 8)
	}
}

func TestGeneticTrainDeterministic(t *testing.T) {
	profile := syntheticProfile([]float64{1, 2, 4}, []int{1, 4, 8}, 2)
	cfg := GPConfig{Population: 50, Generations: 6}

	a := NewGenetic(StageInfo{ID: "g"}, cfg, 11)
	require.NoError(t, a.Train(profile))
	b := NewGenetic(StageInfo{ID: "g"}, cfg, 11)
	require.NoError(t, b.Train(profile))

	assert.Equal(t, a.Expression(), b.Expression())
	assert.Less(t, a.Fitness(), constants.PenaltyValue)
}

func TestGeneticOptimizeWithinBounds(t *testing.T) {
	m := NewGenetic(StageInfo{ID: "g"}, GPConfig{OptimizeEvaluations: 400}, 1)
	expr, err := parseExpr("add(pdiv(100, mul(cpu, workers)), 0.5)")
	require.NoError(t, err)
	m.expr = expr

	bounds := v1alpha1.ConfigBounds{
		CPU:     v1alpha1.Range{Min: 1, Max: 4},
		Memory:  v1alpha1.Range{Min: 1024, Max: 4096},
		Workers: v1alpha1.Range{Min: 1, Max: 16},
	}
	cfg, err := m.Optimize(bounds, constants.ObjectiveLatency)
	require.NoError(t, err)
	assert.Equal(t, bounds.Clamp(cfg), cfg)
	assert.Greater(t, cfg.Workers, 8)
	assert.Greater(t, cfg.CPU, 2.0)

	cost, err := m.Optimize(bounds, constants.ObjectiveCost)
	require.NoError(t, err)
	// cost = 100 + 0.5*cpu*workers is smallest at the lower corner
	assert.Equal(t, 1, cost.Workers)

	_, err = m.Optimize(bounds, constants.Objective("carbon"))
	assert.Error(t, err)
}
