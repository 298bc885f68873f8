// Package orchestrator drives a DAG through the execution service: it runs
// the workflow frontier by frontier, profiles configuration spaces, trains
// the stage models and applies scheduler decisions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
	"serverless-dag-tuner/pkg/executor"
	"serverless-dag-tuner/pkg/perfmodel"
	"serverless-dag-tuner/pkg/profile"
	"serverless-dag-tuner/pkg/scheduler"
	"serverless-dag-tuner/pkg/storage"
)

var (
	// ErrIncompleteConfigSpace is returned when a configuration combination
	// does not assign a config to every stage.
	ErrIncompleteConfigSpace = errors.New("config space entry does not cover every stage")
	// ErrNoScheduler is returned by Optimize before SetScheduler was called.
	ErrNoScheduler = errors.New("no scheduler set")
)

// Options configure an Orchestrator.
type Options struct {
	// ProfileDir receives <stage_id>.json after each profiled combination.
	ProfileDir string
	// ModelDir receives <stage_id>.json after training.
	ModelDir string
	// Chunker partitions stage inputs per worker; nil passes the prefix as is.
	Chunker storage.Chunker
}

// StageState is a point-in-time view of one stage.
type StageState struct {
	StageID string                `json:"stage_id"`
	CPU     float64               `json:"cpu"`
	Memory  float64               `json:"memory"`
	Workers int                   `json:"workers"`
	Status  constants.StageStatus `json:"status"`
}

type Orchestrator struct {
	dag   *dag.DAG
	exec  executor.Service
	store *profile.Store
	opts  Options
	sched scheduler.Scheduler

	// mu guards stage configs and statuses against Snapshot readers.
	mu sync.RWMutex
}

func New(d *dag.DAG, exec executor.Service, store *profile.Store, opts Options) *Orchestrator {
	if store == nil {
		store = profile.NewStore()
	}
	return &Orchestrator{dag: d, exec: exec, store: store, opts: opts}
}

func (o *Orchestrator) SetScheduler(s scheduler.Scheduler) {
	o.sched = s
}

func (o *Orchestrator) DAG() *dag.DAG { return o.dag }

func (o *Orchestrator) Store() *profile.Store { return o.store }

// Snapshot returns every stage's config and status in stage order.
func (o *Orchestrator) Snapshot() []StageState {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]StageState, 0, o.dag.Len())
	for _, s := range o.dag.Stages() {
		out = append(out, StageState{
			StageID: s.ID,
			CPU:     s.Config.CPU,
			Memory:  s.Config.Memory,
			Workers: s.Config.Workers,
			Status:  s.Status,
		})
	}
	return out
}

// runResult is one Execute pass: final statuses plus per-stage worker timings.
type runResult struct {
	status map[string]constants.StageStatus
	times  map[string][]v1alpha1.FunctionTimes
}

// Execute runs the workflow once with the stages' current configs.
func (o *Orchestrator) Execute(ctx context.Context) (map[string]constants.StageStatus, error) {
	res, err := o.run(ctx, map[string]string{})
	if err != nil {
		return nil, err
	}
	return res.status, nil
}

func (o *Orchestrator) setStatus(s *dag.Stage, status constants.StageStatus) {
	o.mu.Lock()
	s.Status = status
	o.mu.Unlock()
}

func (o *Orchestrator) run(ctx context.Context, params map[string]string) (runResult, error) {
	start := time.Now()
	runID := uuid.NewString()
	res := runResult{
		status: make(map[string]constants.StageStatus, o.dag.Len()),
		times:  make(map[string][]v1alpha1.FunctionTimes, o.dag.Len()),
	}
	if _, err := o.dag.TopologicalOrder(); err != nil {
		return res, err
	}

	for _, s := range o.dag.Stages() {
		o.setStatus(s, constants.StatusPending)
	}
	klog.V(3).Infof("Run %s: executing %d stages", runID, o.dag.Len())

	finished := make(map[int]bool, o.dag.Len())
	for round := 0; len(finished) < o.dag.Len(); round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ready := o.frontier(finished)
		if len(ready) == 0 {
			return res, fmt.Errorf("run %s: no runnable stage with %d of %d finished", runID, len(finished), o.dag.Len())
		}

		batch, owners, failed := o.buildBatch(ctx, runID, ready, params)
		for _, s := range ready {
			o.setStatus(s, constants.StatusRunning)
		}

		batchStart := time.Now()
		results, err := o.exec.Submit(ctx, batch)
		batchDuration.Observe(time.Since(batchStart).Seconds())
		if err != nil {
			return res, fmt.Errorf("run %s: submit batch %d: %w", runID, round, err)
		}

		perStage := make(map[int][]v1alpha1.InvocationResult, len(ready))
		for i, r := range results {
			perStage[owners[i]] = append(perStage[owners[i]], r)
		}
		for _, s := range ready {
			status := constants.StatusSuccess
			if failed[s.Idx] != nil {
				klog.Errorf("Stage %s failed before invocation: %v", s.ID, failed[s.Idx])
				status = constants.StatusFailed
			}
			times := make([]v1alpha1.FunctionTimes, 0, len(perStage[s.Idx]))
			for _, r := range perStage[s.Idx] {
				if r.Err != nil {
					klog.Errorf("Stage %s worker %d failed: %v", s.ID, r.WorkerID, r.Err)
					status = constants.StatusFailed
					continue
				}
				times = append(times, r.Times)
			}
			o.setStatus(s, status)
			res.status[s.ID] = status
			if status == constants.StatusSuccess {
				res.times[s.ID] = times
			}
			stageExecutions.WithLabelValues(string(status)).Inc()
			finished[s.Idx] = true
			klog.V(3).Infof("Stage %s (%s) -> %s", s.ID, s.Config.Key(), status)
		}
	}

	runDuration.Observe(time.Since(start).Seconds())
	klog.V(2).Infof("Run %s finished in %v", runID, time.Since(start))
	return res, nil
}

// frontier returns the unfinished stages whose parents are all finished.
// A failed parent counts as finished, so its dependents still run.
func (o *Orchestrator) frontier(finished map[int]bool) []*dag.Stage {
	var ready []*dag.Stage
	for _, s := range o.dag.Stages() {
		if finished[s.Idx] {
			continue
		}
		ok := true
		for _, p := range s.ParentIdx() {
			if !finished[p] {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		for _, p := range o.dag.Parents(s) {
			if p.Status == constants.StatusFailed {
				klog.Warningf("Stage %s runs although parent %s failed", s.ID, p.ID)
			}
		}
		ready = append(ready, s)
	}
	return ready
}

// buildBatch expands the ready stages into one invocation per worker. owners
// maps each invocation to its stage index; failed holds stages whose inputs
// could not be partitioned.
func (o *Orchestrator) buildBatch(ctx context.Context, runID string, ready []*dag.Stage, params map[string]string) ([]v1alpha1.StageInvocation, []int, map[int]error) {
	var (
		batch  []v1alpha1.StageInvocation
		owners []int
		failed = map[int]error{}
	)
	for _, s := range ready {
		workers := s.Config.Workers
		if workers < 1 || !s.Parallelizable {
			workers = 1
		}
		inputs, err := o.inputs(ctx, s, workers)
		if err != nil {
			failed[s.Idx] = err
			continue
		}
		outPrefix := s.OutputPrefix
		if outPrefix == "" {
			outPrefix = s.ID
		}
		for w := 0; w < workers; w++ {
			p := make(map[string]string, len(s.Params)+len(params)+1)
			for k, v := range s.Params {
				p[k] = v
			}
			for k, v := range params {
				p[k] = v
			}
			p["run_id"] = runID
			batch = append(batch, v1alpha1.StageInvocation{
				StageID:    s.ID,
				Compute:    s.Compute,
				WorkerID:   w,
				NumWorkers: workers,
				InputRefs:  inputs[w],
				OutputRefs: []string{path.Join(outPrefix, strconv.Itoa(w))},
				Params:     p,
				Config:     s.Config,
			})
			owners = append(owners, s.Idx)
		}
	}
	return batch, owners, failed
}

func (o *Orchestrator) inputs(ctx context.Context, s *dag.Stage, workers int) ([][]string, error) {
	out := make([][]string, workers)
	if o.opts.Chunker == nil || s.InputBucket == "" {
		for w := range out {
			if s.InputPrefix != "" {
				out[w] = []string{s.InputPrefix}
			}
		}
		return out, nil
	}
	parts, err := o.opts.Chunker.Partition(ctx, s.InputBucket, s.InputPrefix, workers)
	if err != nil {
		return nil, fmt.Errorf("partition %s/%s: %w", s.InputBucket, s.InputPrefix, err)
	}
	copy(out, parts)
	return out, nil
}

func completeConfig(c v1alpha1.ResourceConfig) bool {
	return c.CPU > 0 && c.Memory > 0 && c.Workers > 0
}

// Profile executes the workflow numReps times for every combination of
// configSpace, where each combination holds one config per stage index, and
// records the observed timings. Profiles are persisted after each
// combination when ProfileDir is set. Stage configs are restored afterwards.
func (o *Orchestrator) Profile(ctx context.Context, configSpace [][]v1alpha1.ResourceConfig, numReps int) error {
	for i, combo := range configSpace {
		if len(combo) != o.dag.Len() {
			return fmt.Errorf("combination %d has %d configs for %d stages: %w", i, len(combo), o.dag.Len(), ErrIncompleteConfigSpace)
		}
		for idx, c := range combo {
			if !completeConfig(c) {
				return fmt.Errorf("combination %d, stage %s: %w", i, o.dag.StageByIdx(idx).ID, ErrIncompleteConfigSpace)
			}
		}
	}
	if numReps < 1 {
		numReps = 1
	}

	saved := make([]v1alpha1.ResourceConfig, o.dag.Len())
	for _, s := range o.dag.Stages() {
		saved[s.Idx] = s.Config
	}
	defer o.apply(saved)

	for i, combo := range configSpace {
		o.apply(combo)
		for rep := 0; rep < numReps; rep++ {
			res, err := o.run(ctx, map[string]string{
				"profile_combination": strconv.Itoa(i),
				"profile_repetition":  strconv.Itoa(rep),
			})
			if err != nil {
				return fmt.Errorf("profile combination %d repetition %d: %w", i, rep, err)
			}
			profilingRuns.Inc()
			for _, s := range o.dag.Stages() {
				times, ok := res.times[s.ID]
				if !ok {
					klog.Warningf("Stage %s produced no sample for %s (rep %d)", s.ID, combo[s.Idx].Key(), rep)
					continue
				}
				o.store.Add(s.ID, combo[s.Idx], times)
			}
		}
		if o.opts.ProfileDir != "" {
			if err := o.store.Save(o.opts.ProfileDir); err != nil {
				return err
			}
		}
		klog.Infof("Profiled combination %d/%d (%d reps)", i+1, len(configSpace), numReps)
	}
	o.store.UpdateMetrics()
	return nil
}

func (o *Orchestrator) apply(cfgs []v1alpha1.ResourceConfig) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.dag.Stages() {
		if s.Idx < len(cfgs) {
			s.Config = cfgs[s.Idx]
		}
	}
}

// Train fits every stage's model on its stored profile and writes it to
// ModelDir when set. Stages without a model are skipped.
func (o *Orchestrator) Train() error {
	start := time.Now()
	for _, s := range o.dag.Stages() {
		m := s.Model()
		if m == nil {
			klog.V(3).Infof("Stage %s has no performance model, skipping training", s.ID)
			continue
		}
		if err := m.Train(o.store.Get(s.ID)); err != nil {
			return fmt.Errorf("train stage %s: %w", s.ID, err)
		}
		if o.opts.ModelDir != "" {
			if err := perfmodel.SaveModelFile(m, filepath.Join(o.opts.ModelDir, s.ID+".json")); err != nil {
				return fmt.Errorf("save model for stage %s: %w", s.ID, err)
			}
		}
		klog.V(3).Infof("Trained %s model for stage %s", m.Kind(), s.ID)
	}
	klog.Infof("Trained %d stage models in %v", o.dag.Len(), time.Since(start))
	return nil
}

// LoadModels restores previously trained models from ModelDir.
func (o *Orchestrator) LoadModels() error {
	if o.opts.ModelDir == "" {
		return nil
	}
	for _, s := range o.dag.Stages() {
		m := s.Model()
		if m == nil {
			continue
		}
		if err := perfmodel.LoadModelFile(m, filepath.Join(o.opts.ModelDir, s.ID+".json")); err != nil {
			return fmt.Errorf("load model for stage %s: %w", s.ID, err)
		}
	}
	return nil
}

// Optimize trains the models, runs the scheduler and applies its configs.
func (o *Orchestrator) Optimize(ctx context.Context) ([]v1alpha1.ResourceConfig, error) {
	if o.sched == nil {
		return nil, ErrNoScheduler
	}
	if err := o.Train(); err != nil {
		return nil, err
	}
	cfgs, err := o.sched.Schedule(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s schedule: %w", o.sched.Name(), err)
	}
	if len(cfgs) != o.dag.Len() {
		return nil, fmt.Errorf("%s returned %d configs for %d stages", o.sched.Name(), len(cfgs), o.dag.Len())
	}
	o.apply(cfgs)
	for _, s := range o.dag.Stages() {
		klog.Infof("Stage %s -> %s", s.ID, s.Config.Key())
	}
	return cfgs, nil
}

// stageOptimizer is a model that can search its own configuration space.
type stageOptimizer interface {
	Optimize(bounds v1alpha1.ConfigBounds, objective constants.Objective) (v1alpha1.ResourceConfig, error)
}

// Tune trains every stage's model and lets each one pick its own config
// inside bounds, independently of the other stages. Every stage model must
// support per-stage optimization (Genetic does).
func (o *Orchestrator) Tune(bounds v1alpha1.ConfigBounds, objective constants.Objective) ([]v1alpha1.ResourceConfig, error) {
	if err := o.Train(); err != nil {
		return nil, err
	}
	cfgs := make([]v1alpha1.ResourceConfig, o.dag.Len())
	for _, s := range o.dag.Stages() {
		opt, ok := s.Model().(stageOptimizer)
		if !ok {
			return nil, fmt.Errorf("stage %s: %s model cannot optimize a single stage", s.ID, s.ModelKind())
		}
		b := bounds
		if !s.Parallelizable {
			b.Workers = v1alpha1.Range{Min: 1, Max: 1}
		}
		cfg, err := opt.Optimize(b, objective)
		if err != nil {
			return nil, fmt.Errorf("tune stage %s: %w", s.ID, err)
		}
		cfgs[s.Idx] = cfg
	}
	o.apply(cfgs)
	for _, s := range o.dag.Stages() {
		klog.Infof("Stage %s tuned -> %s", s.ID, s.Config.Key())
	}
	return cfgs, nil
}
