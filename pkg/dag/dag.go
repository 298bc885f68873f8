package dag

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateStage is returned when a stage id is added twice.
	ErrDuplicateStage = errors.New("duplicate stage id")
	// ErrUnknownStage is returned when a stage does not belong to the DAG.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrCycle is returned by TopologicalOrder on a cyclic graph.
	ErrCycle = errors.New("dag contains a cycle")
)

// DAG owns an ordered collection of stages. Stage indices are assigned from a
// monotonically increasing counter, so they equal insertion order.
type DAG struct {
	ID     string
	stages []*Stage
	byID   map[string]int
	next   int
}

// New returns an empty DAG.
func New(id string) *DAG {
	return &DAG{ID: id, byID: make(map[string]int)}
}

// AddStage appends a stage and assigns its index.
func (d *DAG) AddStage(s *Stage) error {
	if _, exists := d.byID[s.ID]; exists {
		return fmt.Errorf("add stage %q: %w", s.ID, ErrDuplicateStage)
	}
	if s.parents == nil {
		s.parents = map[int]struct{}{}
	}
	if s.children == nil {
		s.children = map[int]struct{}{}
	}
	s.Idx = d.next
	d.next++
	d.byID[s.ID] = s.Idx
	d.stages = append(d.stages, s)
	return nil
}

// AddStages adds several stages, stopping at the first error.
func (d *DAG) AddStages(stages ...*Stage) error {
	for _, s := range stages {
		if err := d.AddStage(s); err != nil {
			return err
		}
	}
	return nil
}

// Stage looks a stage up by id.
func (d *DAG) Stage(id string) (*Stage, bool) {
	idx, ok := d.byID[id]
	if !ok {
		return nil, false
	}
	return d.stages[idx], true
}

// StageByIdx returns the stage with the given index, or nil.
func (d *DAG) StageByIdx(idx int) *Stage {
	if idx < 0 || idx >= len(d.stages) {
		return nil
	}
	return d.stages[idx]
}

// Stages returns all stages in index order.
func (d *DAG) Stages() []*Stage {
	out := make([]*Stage, len(d.stages))
	copy(out, d.stages)
	return out
}

// Len is the number of stages.
func (d *DAG) Len() int { return len(d.stages) }

// RootStages returns the stages without parents.
func (d *DAG) RootStages() []*Stage {
	var out []*Stage
	for _, s := range d.stages {
		if s.IsRoot() {
			out = append(out, s)
		}
	}
	return out
}

// LeafStages returns the stages without children.
func (d *DAG) LeafStages() []*Stage {
	var out []*Stage
	for _, s := range d.stages {
		if s.IsLeaf() {
			out = append(out, s)
		}
	}
	return out
}

// Parents returns the parents of s in index order.
func (d *DAG) Parents(s *Stage) []*Stage {
	return d.resolve(s.ParentIdx())
}

// Children returns the children of s in index order.
func (d *DAG) Children(s *Stage) []*Stage {
	return d.resolve(s.ChildIdx())
}

// ParentIdx returns the parent indices of the stage at idx.
func (d *DAG) ParentIdx(idx int) []int {
	s := d.StageByIdx(idx)
	if s == nil {
		return nil
	}
	return s.ParentIdx()
}

func (d *DAG) resolve(idx []int) []*Stage {
	out := make([]*Stage, 0, len(idx))
	for _, i := range idx {
		out = append(out, d.stages[i])
	}
	return out
}

func (d *DAG) owns(s *Stage) bool {
	return s != nil && s.Idx >= 0 && s.Idx < len(d.stages) && d.stages[s.Idx] == s
}

// AddParent makes parent a parent of child (and child a child of parent).
func (d *DAG) AddParent(child, parent *Stage) error {
	return d.link(parent, child)
}

// AddChild makes child a child of parent (and parent a parent of child).
func (d *DAG) AddChild(parent, child *Stage) error {
	return d.link(parent, child)
}

func (d *DAG) link(parent, child *Stage) error {
	if !d.owns(parent) {
		return fmt.Errorf("link parent %s: %w", stageID(parent), ErrUnknownStage)
	}
	if !d.owns(child) {
		return fmt.Errorf("link child %s: %w", stageID(child), ErrUnknownStage)
	}
	parent.children[child.Idx] = struct{}{}
	child.parents[parent.Idx] = struct{}{}
	return nil
}

func stageID(s *Stage) string {
	if s == nil {
		return "<nil>"
	}
	return s.ID
}

// Relation is the result of a chained edge operation. It carries the last
// set of stages so fan-outs compose: d.Then(a, b, c).Then(e) wires a->{b,c}->e.
type Relation struct {
	dag    *DAG
	stages []*Stage
	err    error
}

// Then wires from -> each of to, like from >> [to...].
func (d *DAG) Then(from *Stage, to ...*Stage) *Relation {
	r := &Relation{dag: d, stages: []*Stage{from}}
	return r.Then(to...)
}

// After wires each of from -> to, like to << [from...].
func (d *DAG) After(to *Stage, from ...*Stage) *Relation {
	r := &Relation{dag: d, stages: from}
	return r.Then(to)
}

// Then wires every stage of the relation to every stage in to.
func (r *Relation) Then(to ...*Stage) *Relation {
	if r.err != nil {
		return r
	}
	for _, p := range r.stages {
		for _, c := range to {
			if err := r.dag.link(p, c); err != nil {
				return &Relation{dag: r.dag, err: err}
			}
		}
	}
	return &Relation{dag: r.dag, stages: to}
}

// Err returns the first wiring error of the chain.
func (r *Relation) Err() error { return r.err }

// TopologicalOrder returns stage indices so every parent precedes its children.
func (d *DAG) TopologicalOrder() ([]int, error) {
	indeg := make([]int, len(d.stages))
	for _, s := range d.stages {
		indeg[s.Idx] = len(s.parents)
	}
	var queue, order []int
	for i, deg := range indeg {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)
		for _, c := range d.stages[cur].ChildIdx() {
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(d.stages) {
		return nil, ErrCycle
	}
	return order, nil
}

// Paths enumerates every root-to-leaf path as stage indices.
func (d *DAG) Paths() [][]int {
	var out [][]int
	var walk func(idx int, path []int)
	walk = func(idx int, path []int) {
		path = append(path, idx)
		s := d.stages[idx]
		if s.IsLeaf() {
			out = append(out, append([]int(nil), path...))
			return
		}
		for _, c := range s.ChildIdx() {
			walk(c, path)
		}
	}
	for _, r := range d.RootStages() {
		walk(r.Idx, nil)
	}
	return out
}
