package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
	"serverless-dag-tuner/pkg/storage"
)

// Caerus splits the worker budget across stages in proportion to their
// input size, with a uniform cpu per worker.
type Caerus struct {
	dag   *dag.DAG
	sizer storage.Sizer
	opts  Options
}

// NewCaerus returns a Caerus scheduler. Caerus reads no performance model.
func NewCaerus(d *dag.DAG, opts Options, sizer storage.Sizer) *Caerus {
	attachModels(d, constants.ModelNone, opts.Model)
	return &Caerus{dag: d, sizer: sizer, opts: opts}
}

func (c *Caerus) Name() string { return constants.SchedulerCaerus }

func (c *Caerus) Schedule(ctx context.Context) ([]v1alpha1.ResourceConfig, error) {
	if c.sizer == nil {
		return nil, errors.New("caerus requires a storage sizer")
	}
	defer observeSchedule(c.Name(), time.Now())

	stages := c.dag.Stages()
	sizes, err := inputSizes(ctx, c.sizer, stages)
	if err != nil {
		return nil, err
	}
	shares := proportionalShares(sizes)

	cpu := c.opts.CPUPerWorker
	if cpu <= 0 {
		cpu = constants.DefaultCPU
	}
	out := make([]v1alpha1.ResourceConfig, len(stages))
	for i, s := range stages {
		w := clampWorkers(s, int(math.Round(shares[i]*float64(c.opts.TotalParallelism))))
		out[i] = v1alpha1.ResourceConfig{CPU: cpu, Memory: s.Config.Memory, Workers: w}
		klog.V(3).Infof("Caerus stage %s: %d bytes, share %.3f -> %s", s.ID, sizes[i], shares[i], out[i].Key())
	}
	return out, nil
}

func inputSizes(ctx context.Context, sizer storage.Sizer, stages []*dag.Stage) ([]int64, error) {
	sizes := make([]int64, len(stages))
	for i, s := range stages {
		n, err := sizer.GetSize(ctx, s.InputBucket, s.InputPrefix)
		if err != nil {
			return nil, fmt.Errorf("size input of stage %s: %w", s.ID, err)
		}
		sizes[i] = n
	}
	return sizes, nil
}

// proportionalShares normalizes sizes to fractions; all-zero input is split evenly.
func proportionalShares(sizes []int64) []float64 {
	var total int64
	for _, n := range sizes {
		total += n
	}
	out := make([]float64, len(sizes))
	for i, n := range sizes {
		if total == 0 {
			out[i] = 1 / float64(len(sizes))
			continue
		}
		out[i] = float64(n) / float64(total)
	}
	return out
}
