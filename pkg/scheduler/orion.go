package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
	"serverless-dag-tuner/pkg/perfmodel"
	"serverless-dag-tuner/pkg/storage"
)

// OrionOptions configure the memory search.
type OrionOptions struct {
	MemoryMin  float64 `yaml:"memoryMin"`
	MemoryMax  float64 `yaml:"memoryMax"`
	MemoryStep float64 `yaml:"memoryStep"`
	// TargetLatency is the end-to-end latency the DAG must meet.
	TargetLatency float64 `yaml:"targetLatency"`
	// Confidence is the required probability of meeting TargetLatency.
	Confidence float64 `yaml:"confidence"`
	// MaxExplored caps the number of evaluated memory vectors.
	MaxExplored int `yaml:"maxExplored"`
	// Priority expands the cheapest vector (sum of memory*workers) first
	// instead of breadth first.
	Priority bool `yaml:"priority"`
}

func (o OrionOptions) withDefaults() OrionOptions {
	if o.MemoryMin <= 0 {
		o.MemoryMin = 1024
	}
	if o.MemoryMax < o.MemoryMin {
		o.MemoryMax = 10240
	}
	if o.MemoryStep <= 0 {
		o.MemoryStep = 512
	}
	if o.Confidence <= 0 || o.Confidence > 1 {
		o.Confidence = 1 - constants.DefaultRisk
	}
	if o.MaxExplored <= 0 {
		o.MaxExplored = 10000
	}
	return o
}

// Orion searches discretized per-stage memory for the smallest vector whose
// composed completion distribution meets the target latency with the
// required confidence.
type Orion struct {
	dag   *dag.DAG
	sizer storage.Sizer
	opts  Options
}

// NewOrion returns an Orion scheduler and attaches Distribution models.
func NewOrion(d *dag.DAG, opts Options, sizer storage.Sizer) *Orion {
	opts.Orion = opts.Orion.withDefaults()
	attachModels(d, constants.ModelDistribution, opts.Model)
	return &Orion{dag: d, sizer: sizer, opts: opts}
}

func (o *Orion) Name() string { return constants.SchedulerOrion }

func (o *Orion) levels() int {
	oo := o.opts.Orion
	return int(math.Floor((oo.MemoryMax-oo.MemoryMin)/oo.MemoryStep)) + 1
}

func (o *Orion) memoryAt(level int) float64 {
	return o.opts.Orion.MemoryMin + float64(level)*o.opts.Orion.MemoryStep
}

// workers keeps each stage's worker count, or splits TotalParallelism by
// input size when a sizer is available.
func (o *Orion) workers(ctx context.Context, stages []*dag.Stage) ([]int, error) {
	out := make([]int, len(stages))
	if o.sizer == nil || o.opts.TotalParallelism <= 0 {
		for i, s := range stages {
			out[i] = clampWorkers(s, s.Config.Workers)
		}
		return out, nil
	}
	sizes, err := inputSizes(ctx, o.sizer, stages)
	if err != nil {
		return nil, err
	}
	for i, sh := range proportionalShares(sizes) {
		out[i] = clampWorkers(stages[i], int(math.Round(sh*float64(o.opts.TotalParallelism))))
	}
	return out, nil
}

type memoryVector []int

func (v memoryVector) key() string {
	parts := make([]string, len(v))
	for i, l := range v {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ",")
}

type candidate struct {
	levels memoryVector
	cost   float64
}

type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return h[i].cost < h[j].cost }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (o *Orion) configs(stages []*dag.Stage, levels memoryVector, workers []int) []v1alpha1.ResourceConfig {
	out := make([]v1alpha1.ResourceConfig, len(stages))
	for i, s := range stages {
		out[i] = v1alpha1.ResourceConfig{CPU: s.Config.CPU, Memory: o.memoryAt(levels[i]), Workers: workers[i]}
	}
	return out
}

// confidence is P(end-to-end latency <= target) under cfgs.
func (o *Orion) confidence(models []*perfmodel.DistributionModel, cfgs []v1alpha1.ResourceConfig) (float64, error) {
	maxPoints := models[0].MaxPoints()
	memo := map[int]perfmodel.Distribution{}
	own := func(idx int) (perfmodel.Distribution, error) {
		return models[idx].Calculate(models[idx].Size(cfgs[idx]))
	}
	var end perfmodel.Distribution
	for _, leaf := range o.dag.LeafStages() {
		d, err := perfmodel.Completion(leaf.Idx, o.dag.ParentIdx, own, maxPoints, memo)
		if err != nil {
			return 0, err
		}
		end = end.Combine(d, perfmodel.CombineParallel, maxPoints)
	}
	return end.Probability(o.opts.Orion.TargetLatency), nil
}

func (o *Orion) Schedule(ctx context.Context) ([]v1alpha1.ResourceConfig, error) {
	defer observeSchedule(o.Name(), time.Now())
	stages := o.dag.Stages()
	if len(stages) == 0 {
		return nil, nil
	}
	models := make([]*perfmodel.DistributionModel, len(stages))
	for i, s := range stages {
		m, ok := s.Model().(*perfmodel.DistributionModel)
		if !ok {
			return nil, fmt.Errorf("stage %s: %w", s.ID, ErrModelMismatch)
		}
		models[i] = m
	}
	workers, err := o.workers(ctx, stages)
	if err != nil {
		return nil, err
	}

	top := o.levels() - 1
	cost := func(v memoryVector) float64 {
		var c float64
		for i, l := range v {
			c += o.memoryAt(l) * float64(workers[i])
		}
		return c
	}

	start := make(memoryVector, len(stages))
	seen := map[string]bool{start.key(): true}
	pending := &candidateHeap{{levels: start, cost: cost(start)}}
	var fifo []memoryVector
	if !o.opts.Orion.Priority {
		fifo = append(fifo, start)
	}
	pop := func() (memoryVector, bool) {
		if o.opts.Orion.Priority {
			if pending.Len() == 0 {
				return nil, false
			}
			return heap.Pop(pending).(candidate).levels, true
		}
		if len(fifo) == 0 {
			return nil, false
		}
		v := fifo[0]
		fifo = fifo[1:]
		return v, true
	}
	push := func(v memoryVector) {
		if o.opts.Orion.Priority {
			heap.Push(pending, candidate{levels: v, cost: cost(v)})
			return
		}
		fifo = append(fifo, v)
	}

	for explored := 0; explored < o.opts.Orion.MaxExplored; explored++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur, ok := pop()
		if !ok {
			break
		}
		cfgs := o.configs(stages, cur, workers)
		p, err := o.confidence(models, cfgs)
		if err != nil {
			return nil, err
		}
		orionExplored.Inc()
		klog.V(5).Infof("Orion candidate %s: P(latency<=%.3g)=%.3f", cur.key(), o.opts.Orion.TargetLatency, p)
		if p >= o.opts.Orion.Confidence {
			klog.V(3).Infof("Orion accepted memory vector %s after %d candidates", cur.key(), explored+1)
			return cfgs, nil
		}
		for i := range cur {
			if cur[i] >= top {
				continue
			}
			next := append(memoryVector(nil), cur...)
			next[i]++
			if k := next.key(); !seen[k] {
				seen[k] = true
				push(next)
			}
		}
	}

	klog.Warningf("Orion found no memory vector meeting latency %.3g with confidence %.2f; using maximum memory",
		o.opts.Orion.TargetLatency, o.opts.Orion.Confidence)
	all := make(memoryVector, len(stages))
	for i := range all {
		all[i] = top
	}
	return o.configs(stages, all, workers), nil
}
