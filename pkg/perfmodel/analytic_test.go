package perfmodel

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

func TestAnalyticNonIncreasing(t *testing.T) {
	m := NewAnalytic(StageInfo{ID: "s", Parallelizable: true})
	require.NoError(t, m.Train(syntheticProfile([]float64{1, 2, 4}, []int{1, 4, 8}, 3)))
	params := m.Parameters()
	require.Len(t, params, 2)
	require.Greater(t, params[0], 0.0)

	// Configurations in increasing cpu*memory*workers order.
	configs := []v1alpha1.ResourceConfig{
		{CPU: 1, Memory: 1769, Workers: 1},
		{CPU: 1, Memory: 1769, Workers: 2},
		{CPU: 2, Memory: 3538, Workers: 2},
		{CPU: 2, Memory: 3538, Workers: 8},
		{CPU: 4, Memory: 7076, Workers: 16},
		{CPU: 5, Memory: 8845, Workers: 32},
	}
	prev := math.Inf(1)
	for _, cfg := range configs {
		pred, err := m.PredictTime(cfg)
		require.NoError(t, err)
		assert.LessOrEqual(t, pred.Total, prev, cfg.Key())
		prev = pred.Total
	}
}

func TestAnalyticNotParallelizable(t *testing.T) {
	m := NewAnalytic(StageInfo{ID: "s", Parallelizable: false})
	require.NoError(t, m.Train(syntheticProfile([]float64{1, 2}, []int{1, 2, 4}, 2)))

	// Only the worker count drives the prediction.
	a, err := m.PredictTime(v1alpha1.ResourceConfig{CPU: 1, Memory: 1769, Workers: 2})
	require.NoError(t, err)
	b, err := m.PredictTime(v1alpha1.ResourceConfig{CPU: 4, Memory: 7076, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
