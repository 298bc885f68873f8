// Package scheduler turns trained per-stage performance models into one
// resource configuration per DAG stage.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
	"serverless-dag-tuner/pkg/perfmodel"
	"serverless-dag-tuner/pkg/storage"
)

var (
	// ErrUnsupportedObjective is returned for an objective the scheduler cannot handle.
	ErrUnsupportedObjective = errors.New("unsupported objective")
	// ErrUnsupportedScheduler is returned by New for an unknown scheduler name.
	ErrUnsupportedScheduler = errors.New("unsupported scheduler")
	// ErrModelMismatch is returned when a stage's model is not the kind the scheduler reads.
	ErrModelMismatch = errors.New("stage model does not match scheduler")
)

// Scheduler produces one ResourceConfig per stage, in stage index order.
// Infeasible targets yield a best-effort assignment, never an error.
type Scheduler interface {
	Name() string
	Schedule(ctx context.Context) ([]v1alpha1.ResourceConfig, error)
}

// Options configure every scheduler; each reads the fields it needs.
type Options struct {
	// Bound is the target Jolteon keeps within risk. Ditto reads its objective.
	Bound v1alpha1.Bound
	// TotalParallelism is the worker budget Caerus and Ditto split.
	TotalParallelism int
	// CPUPerWorker is the uniform cpu Caerus and Ditto assign.
	CPUPerWorker float64
	// Model configures the models attached to every stage.
	Model perfmodel.Options

	Jolteon JolteonOptions
	Orion   OrionOptions
}

// Deps are the external collaborators a scheduler may query.
type Deps struct {
	Sizer storage.Sizer
}

// ModelKindFor is the performance-model strategy a scheduler consumes.
func ModelKindFor(name string) (constants.ModelKind, error) {
	switch name {
	case constants.SchedulerCaerus:
		return constants.ModelNone, nil
	case constants.SchedulerDitto:
		return constants.ModelAnalytic, nil
	case constants.SchedulerOrion:
		return constants.ModelDistribution, nil
	case constants.SchedulerJolteon:
		return constants.ModelMixed, nil
	}
	return constants.ModelNone, fmt.Errorf("%w: %q", ErrUnsupportedScheduler, name)
}

// New builds the named scheduler and attaches a fresh model of its kind to
// every stage.
func New(name string, d *dag.DAG, opts Options, deps Deps) (Scheduler, error) {
	switch name {
	case constants.SchedulerCaerus:
		return NewCaerus(d, opts, deps.Sizer), nil
	case constants.SchedulerDitto:
		s, err := NewDitto(d, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case constants.SchedulerOrion:
		return NewOrion(d, opts, deps.Sizer), nil
	case constants.SchedulerJolteon:
		s, err := NewJolteon(d, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheduler, name)
}

func attachModels(d *dag.DAG, kind constants.ModelKind, opts perfmodel.Options) {
	for _, s := range d.Stages() {
		s.ResetModel(kind, opts)
	}
}

// clampWorkers applies the stage's limits to a worker count.
func clampWorkers(s *dag.Stage, w int) int {
	if !s.Parallelizable || w < 1 {
		return 1
	}
	if s.MaxConcurrency > 0 && w > s.MaxConcurrency {
		return s.MaxConcurrency
	}
	return w
}

func observeSchedule(name string, start time.Time) {
	scheduleDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
