package dag

import (
	"sort"

	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/perfmodel"
)

// Stage is one execution unit of a workflow. A stage is owned by exactly one
// DAG; parent and child edges are stored as stage indices into that DAG.
type Stage struct {
	ID             string
	Idx            int
	Compute        string
	MaxConcurrency int
	Parallelizable bool

	InputBucket  string
	InputPrefix  string
	OutputPrefix string
	Params       map[string]string

	Config v1alpha1.ResourceConfig
	Status constants.StageStatus

	parents  map[int]struct{}
	children map[int]struct{}

	modelKind constants.ModelKind
	modelOpts perfmodel.Options
	model     perfmodel.Model
}

// NewStage returns a parallelizable stage with the default resource config.
func NewStage(id, compute string) *Stage {
	return &Stage{
		ID:             id,
		Idx:            -1,
		Compute:        compute,
		MaxConcurrency: constants.DefaultMaxInFlight,
		Parallelizable: true,
		Params:         map[string]string{},
		Config:         v1alpha1.DefaultResourceConfig(),
		Status:         constants.StatusPending,
		parents:        map[int]struct{}{},
		children:       map[int]struct{}{},
	}
}

// ParentIdx returns the parent indices in ascending order.
func (s *Stage) ParentIdx() []int {
	return sortedKeys(s.parents)
}

// ChildIdx returns the child indices in ascending order.
func (s *Stage) ChildIdx() []int {
	return sortedKeys(s.children)
}

// IsRoot reports whether the stage has no parents.
func (s *Stage) IsRoot() bool { return len(s.parents) == 0 }

// IsLeaf reports whether the stage has no children.
func (s *Stage) IsLeaf() bool { return len(s.children) == 0 }

// Info is the view of the stage handed to its performance model.
func (s *Stage) Info() perfmodel.StageInfo {
	return perfmodel.StageInfo{Idx: s.Idx, ID: s.ID, Parallelizable: s.Parallelizable}
}

// ModelKind returns the strategy used when the model is (re)created.
func (s *Stage) ModelKind() constants.ModelKind { return s.modelKind }

// ResetModel switches the stage to a fresh model of the given kind.
func (s *Stage) ResetModel(kind constants.ModelKind, opts perfmodel.Options) {
	s.modelKind = kind
	s.modelOpts = opts
	s.model = nil
}

// SetModel attaches an already built model.
func (s *Stage) SetModel(m perfmodel.Model) {
	s.model = m
	if m != nil {
		s.modelKind = m.Kind()
	}
}

// Model returns the stage's performance model, creating it on first use.
// It returns nil when no model kind has been chosen.
func (s *Stage) Model() perfmodel.Model {
	if s.model != nil {
		return s.model
	}
	if s.modelKind == constants.ModelNone {
		return nil
	}
	m, err := perfmodel.New(s.modelKind, s.Info(), s.modelOpts)
	if err != nil {
		klog.Errorf("Stage %s: creating %s model failed: %v", s.ID, s.modelKind, err)
		return nil
	}
	s.model = m
	return m
}

func sortedKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
