package scheduler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
)

// Ditto reduces the DAG to a single virtual node by merging siblings and
// series pairs of Analytic coefficients, then splits the worker budget back
// down the merge tree.
type Ditto struct {
	dag  *dag.DAG
	opts Options
}

// NewDitto returns a Ditto scheduler and attaches Analytic models.
func NewDitto(d *dag.DAG, opts Options) (*Ditto, error) {
	switch opts.Bound.Objective {
	case constants.ObjectiveLatency, constants.ObjectiveCost, "":
	default:
		return nil, fmt.Errorf("ditto: %w: %q", ErrUnsupportedObjective, opts.Bound.Objective)
	}
	attachModels(d, constants.ModelAnalytic, opts.Model)
	return &Ditto{dag: d, opts: opts}, nil
}

func (s *Ditto) Name() string { return constants.SchedulerDitto }

type mergeKind int

const (
	mergeLeaf mergeKind = iota
	mergeSibling
	mergeSeries
)

// vnode is a node of the virtual DAG and of the merge tree it collapses into.
type vnode struct {
	id       int
	stage    int // -1 for the virtual source and sink
	a        float64
	parents  map[int]struct{}
	children map[int]struct{}

	kind        mergeKind
	left, right *vnode
	// leftShare is the fraction of the budget given to left.
	leftShare float64
}

type virtualDAG struct {
	nodes map[int]*vnode
	next  int
}

func (v *virtualDAG) add(n *vnode) *vnode {
	n.id = v.next
	v.next++
	if n.parents == nil {
		n.parents = map[int]struct{}{}
	}
	if n.children == nil {
		n.children = map[int]struct{}{}
	}
	v.nodes[n.id] = n
	return n
}

func (v *virtualDAG) link(p, c *vnode) {
	p.children[c.id] = struct{}{}
	c.parents[p.id] = struct{}{}
}

func (v *virtualDAG) unlink(p, c *vnode) {
	delete(p.children, c.id)
	delete(c.parents, p.id)
}

func sameSet(a, b map[int]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func only(m map[int]struct{}) int {
	for k := range m {
		return k
	}
	return -1
}

func (v *virtualDAG) ids() []int {
	out := make([]int, 0, len(v.nodes))
	for id := range v.nodes {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// replace swaps the given nodes for m in the edges of their neighbours.
func (v *virtualDAG) replace(m *vnode, old ...*vnode) {
	for _, o := range old {
		for p := range o.parents {
			delete(v.nodes[p].children, o.id)
		}
		for c := range o.children {
			delete(v.nodes[c].parents, o.id)
		}
		delete(v.nodes, o.id)
	}
	for p := range m.parents {
		v.nodes[p].children[m.id] = struct{}{}
	}
	for c := range m.children {
		v.nodes[c].parents[m.id] = struct{}{}
	}
}

func share(x, y float64) float64 {
	if x+y <= 0 {
		return 0.5
	}
	return x / (x + y)
}

func copySet(m map[int]struct{}) map[int]struct{} {
	out := make(map[int]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// mergeSiblings merges the first pair of nodes with identical parent and
// child sets.
func (v *virtualDAG) mergeSiblings() bool {
	ids := v.ids()
	for i, x := range ids {
		for _, y := range ids[i+1:] {
			n0, n1 := v.nodes[x], v.nodes[y]
			if !sameSet(n0.parents, n1.parents) || !sameSet(n0.children, n1.children) {
				continue
			}
			m := v.add(&vnode{
				stage:     -1,
				a:         n0.a + n1.a,
				parents:   copySet(n0.parents),
				children:  copySet(n0.children),
				kind:      mergeSibling,
				left:      n0,
				right:     n1,
				leftShare: share(n0.a, n1.a),
			})
			v.replace(m, n0, n1)
			klog.V(5).Infof("Ditto sibling merge %d+%d -> %d (a=%.4g)", x, y, m.id, m.a)
			return true
		}
	}
	return false
}

// mergeSeries merges the first parent/child pair where the parent has a
// single child and the child a single parent.
func (v *virtualDAG) mergeSeries() bool {
	for _, x := range v.ids() {
		n0 := v.nodes[x]
		if len(n0.children) != 1 {
			continue
		}
		n1 := v.nodes[only(n0.children)]
		if len(n1.parents) != 1 {
			continue
		}
		r0, r1 := math.Sqrt(n0.a), math.Sqrt(n1.a)
		m := v.add(&vnode{
			stage:     -1,
			a:         (r0 + r1) * (r0 + r1),
			parents:   copySet(n0.parents),
			children:  copySet(n1.children),
			kind:      mergeSeries,
			left:      n0,
			right:     n1,
			leftShare: share(r0, r1),
		})
		v.replace(m, n0, n1)
		klog.V(5).Infof("Ditto series merge %d->%d -> %d (a=%.4g)", n0.id, n1.id, m.id, m.a)
		return true
	}
	return false
}

// distances is the a-weighted longest path from the source to every node.
func (v *virtualDAG) distances() map[int]float64 {
	dist := map[int]float64{}
	indeg := map[int]int{}
	var queue []int
	for _, id := range v.ids() {
		indeg[id] = len(v.nodes[id].parents)
		if indeg[id] == 0 {
			queue = append(queue, id)
			dist[id] = v.nodes[id].a
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children := make([]int, 0, len(v.nodes[cur].children))
		for c := range v.nodes[cur].children {
			children = append(children, c)
		}
		sort.Ints(children)
		for _, c := range children {
			if d := dist[cur] + v.nodes[c].a; d > dist[c] {
				dist[c] = d
			}
			indeg[c]--
			if indeg[c] == 0 {
				queue = append(queue, c)
			}
		}
	}
	return dist
}

// pruneToDominant keeps only the highest-distance parent edge of the first
// multi-parent node other than the sink. A parent left without children is
// re-attached to the sink.
func (v *virtualDAG) pruneToDominant(sink *vnode) bool {
	dist := v.distances()
	for _, id := range v.ids() {
		n := v.nodes[id]
		if len(n.parents) < 2 || n == sink {
			continue
		}
		parents := make([]int, 0, len(n.parents))
		for p := range n.parents {
			parents = append(parents, p)
		}
		sort.Ints(parents)
		dominant := parents[0]
		for _, p := range parents[1:] {
			if dist[p] > dist[dominant] {
				dominant = p
			}
		}
		for _, p := range parents {
			if p == dominant {
				continue
			}
			pn := v.nodes[p]
			v.unlink(pn, n)
			if len(pn.children) == 0 {
				v.link(pn, sink)
			}
		}
		klog.V(5).Infof("Ditto kept dominant parent %d of node %d", dominant, id)
		return true
	}
	return false
}

// split hands budget down the merge tree, filling per-stage shares.
func split(n *vnode, budget float64, shares map[int]float64) {
	if n.kind == mergeLeaf {
		if n.stage >= 0 {
			shares[n.stage] += budget
		}
		return
	}
	split(n.left, budget*n.leftShare, shares)
	split(n.right, budget*(1-n.leftShare), shares)
}

func (s *Ditto) paramA() ([]float64, error) {
	stages := s.dag.Stages()
	out := make([]float64, len(stages))
	for i, st := range stages {
		m := st.Model()
		if m == nil || m.Kind() != constants.ModelAnalytic {
			return nil, fmt.Errorf("stage %s: %w", st.ID, ErrModelMismatch)
		}
		params := m.Parameters()
		if len(params) == 0 {
			return nil, fmt.Errorf("stage %s: analytic model is not trained", st.ID)
		}
		out[i] = math.Abs(params[0])
	}
	return out, nil
}

// buildVirtual mirrors the DAG under a zero-weight source and sink.
func (s *Ditto) buildVirtual(a []float64) (*virtualDAG, *vnode) {
	v := &virtualDAG{nodes: map[int]*vnode{}}
	nodes := make([]*vnode, len(a))
	for i := range a {
		nodes[i] = v.add(&vnode{stage: i, a: a[i], kind: mergeLeaf})
	}
	source := v.add(&vnode{stage: -1, kind: mergeLeaf})
	sink := v.add(&vnode{stage: -1, kind: mergeLeaf})
	for _, st := range s.dag.Stages() {
		for _, c := range st.ChildIdx() {
			v.link(nodes[st.Idx], nodes[c])
		}
		if st.IsRoot() {
			v.link(source, nodes[st.Idx])
		}
		if st.IsLeaf() {
			v.link(nodes[st.Idx], sink)
		}
	}
	return v, sink
}

func (s *Ditto) Schedule(ctx context.Context) ([]v1alpha1.ResourceConfig, error) {
	defer observeSchedule(s.Name(), time.Now())
	a, err := s.paramA()
	if err != nil {
		return nil, err
	}

	shares := make(map[int]float64, len(a))
	if s.opts.Bound.Objective == constants.ObjectiveCost {
		var total float64
		for _, x := range a {
			total += math.Sqrt(x)
		}
		for i, x := range a {
			shares[i] = share(math.Sqrt(x), total-math.Sqrt(x))
		}
	} else {
		v, sink := s.buildVirtual(a)
		// Every step removes a node or an edge.
		limit := 4 * (len(v.nodes) + len(a)*len(a) + 1)
		for step := 0; len(v.nodes) > 1; step++ {
			if step > limit {
				return nil, fmt.Errorf("ditto: virtual DAG did not reduce after %d steps", step)
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if v.mergeSiblings() || v.mergeSeries() || v.pruneToDominant(sink) {
				continue
			}
			return nil, fmt.Errorf("ditto: virtual DAG is irreducible with %d nodes", len(v.nodes))
		}
		split(v.nodes[v.ids()[0]], 1.0, shares)
	}

	cpu := s.opts.CPUPerWorker
	if cpu <= 0 {
		cpu = constants.DefaultCPU
	}
	stages := s.dag.Stages()
	out := make([]v1alpha1.ResourceConfig, len(stages))
	for i, st := range stages {
		w := clampWorkers(st, int(math.Round(shares[i]*float64(s.opts.TotalParallelism))))
		out[i] = v1alpha1.ResourceConfig{CPU: cpu, Memory: st.Config.Memory, Workers: w}
		klog.V(3).Infof("Ditto stage %s: a=%.4g share=%.3f -> %s", st.ID, a[i], shares[i], out[i].Key())
	}
	return out, nil
}
