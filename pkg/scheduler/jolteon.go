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
	"serverless-dag-tuner/pkg/optim"
	"serverless-dag-tuner/pkg/perfmodel"
)

// JolteonOptions configure the risk-aware optimizer.
type JolteonOptions struct {
	// Risk is the tolerated probability of violating the bound. Zero means
	// the bound's own risk, then DefaultRisk.
	Risk float64 `yaml:"risk"`
	// ConfidenceError is the Hoeffding delta sizing the Monte-Carlo sample.
	ConfidenceError float64   `yaml:"confidenceError"`
	WorkersGrid     []int     `yaml:"workersGrid"`
	CPUGrid         []float64 `yaml:"cpuGrid"`
	// ProbeDepth is the radius of the grid neighbourhood search; negative
	// disables probing.
	ProbeDepth int `yaml:"probeDepth"`
	// MaxBoundRetries caps how often the internal bound is tightened.
	MaxBoundRetries int `yaml:"maxBoundRetries"`
	// MaxSamples caps the Hoeffding sample size.
	MaxSamples int `yaml:"maxSamples"`
	// SecondaryPath also constrains the second-longest root-to-leaf path.
	SecondaryPath bool `yaml:"secondaryPath"`
}

func (o JolteonOptions) withDefaults(bound v1alpha1.Bound) JolteonOptions {
	if o.Risk <= 0 {
		o.Risk = bound.Risk
	}
	if o.Risk <= 0 {
		o.Risk = constants.DefaultRisk
	}
	if o.ConfidenceError <= 0 {
		o.ConfidenceError = constants.DefaultConfidenceError
	}
	if len(o.WorkersGrid) == 0 {
		o.WorkersGrid = constants.DefaultWorkersGrid
	}
	if len(o.CPUGrid) == 0 {
		o.CPUGrid = constants.DefaultCPUGrid
	}
	o.WorkersGrid = append([]int(nil), o.WorkersGrid...)
	sort.Ints(o.WorkersGrid)
	o.CPUGrid = append([]float64(nil), o.CPUGrid...)
	sort.Float64s(o.CPUGrid)
	if o.ProbeDepth < 0 {
		o.ProbeDepth = 0
	} else if o.ProbeDepth == 0 {
		o.ProbeDepth = 2
	}
	if o.MaxBoundRetries <= 0 {
		o.MaxBoundRetries = 5
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 20000
	}
	return o
}

// SampleSize is the Hoeffding bound on the number of Monte-Carlo samples:
// ceil(ln(|space|/delta) / (2*risk^2)) with |space| = (|cpu grid|*|workers grid|)^(stages/2).
func SampleSize(stages, cpuGrid, workersGrid int, risk, delta float64) int {
	lnSpace := float64(stages) / 2 * math.Log(float64(cpuGrid*workersGrid))
	return int(math.Ceil((lnSpace - math.Log(delta)) / (2 * risk * risk)))
}

// Jolteon minimizes cost (or latency) subject to a latency (or cost/energy)
// bound holding with probability 1-risk under sampled model uncertainty.
type Jolteon struct {
	dag  *dag.DAG
	opts Options
	jo   JolteonOptions
}

// NewJolteon returns a Jolteon scheduler and attaches Mixed models.
func NewJolteon(d *dag.DAG, opts Options) (*Jolteon, error) {
	if !constants.ValidObjectives[opts.Bound.Objective] {
		return nil, fmt.Errorf("jolteon: %w: %q", ErrUnsupportedObjective, opts.Bound.Objective)
	}
	if opts.Bound.Value <= 0 {
		return nil, fmt.Errorf("jolteon: bound must be positive, got %g", opts.Bound.Value)
	}
	attachModels(d, constants.ModelMixed, opts.Model)
	return &Jolteon{dag: d, opts: opts, jo: opts.Jolteon.withDefaults(opts.Bound)}, nil
}

func (j *Jolteon) Name() string { return constants.SchedulerJolteon }

func latencyTerm(x, c []float64) float64 {
	return perfmodel.Term(x[0], x[1], c)
}

func costTerm(x, c []float64) float64 {
	l := perfmodel.Term(x[0], x[1], c)
	return x[0]*x[1]*l*constants.PricePerVCPUSecond + x[0]*constants.PricePerInvocation
}

func energyTerm(x, c []float64) float64 {
	return x[0] * x[1] * perfmodel.Term(x[0], x[1], c) * constants.WattsPerVCPU
}

// problem is one assembled optimization instance.
type problem struct {
	objective   []optim.Expr // maximum of these
	constraints []optim.Expr
	bound       float64
	mean        [][]float64
	samples     [][][]float64
	quantile    float64
}

func (p *problem) objectiveAt(x []float64) float64 {
	v := math.Inf(-1)
	for _, e := range p.objective {
		v = math.Max(v, e.Eval(x, p.mean))
	}
	return v
}

// violation is the worst relative excess of a constraint's sampled quantile
// over the bound.
func (p *problem) violation(x []float64) float64 {
	var v float64
	for _, e := range p.constraints {
		q := e.Quantile(x, p.samples, p.quantile)
		v = math.Max(v, (q-p.bound)/p.bound)
	}
	return v
}

func (p *problem) violationRate(x []float64) float64 {
	var r float64
	for _, e := range p.constraints {
		r = math.Max(r, e.ViolationRate(x, p.samples, p.bound))
	}
	return r
}

func (j *Jolteon) models() ([]*perfmodel.Mixed, error) {
	stages := j.dag.Stages()
	out := make([]*perfmodel.Mixed, len(stages))
	for i, s := range stages {
		m, ok := s.Model().(*perfmodel.Mixed)
		if !ok {
			return nil, fmt.Errorf("stage %s: %w", s.ID, ErrModelMismatch)
		}
		out[i] = m
	}
	return out, nil
}

// initialPoint is every stage's current config inside the grid bounds.
func (j *Jolteon) initialPoint(lower, upper []float64) []float64 {
	x := make([]float64, 2*j.dag.Len())
	for _, s := range j.dag.Stages() {
		x[2*s.Idx] = float64(s.Config.Workers)
		x[2*s.Idx+1] = s.Config.CPU
	}
	return optim.Clamp(x, lower, upper)
}

func (j *Jolteon) bounds() (lower, upper []float64) {
	n := j.dag.Len()
	lower, upper = make([]float64, 2*n), make([]float64, 2*n)
	wg, cg := j.jo.WorkersGrid, j.jo.CPUGrid
	for _, s := range j.dag.Stages() {
		i := s.Idx
		lower[2*i], upper[2*i] = float64(wg[0]), float64(wg[len(wg)-1])
		if !s.Parallelizable {
			lower[2*i], upper[2*i] = 1, 1
		}
		lower[2*i+1], upper[2*i+1] = cg[0], cg[len(cg)-1]
	}
	return lower, upper
}

// pathExprs returns the latency expressions of the critical path and, when
// enabled, the secondary path, ranked by mean latency at x.
func (j *Jolteon) pathExprs(x []float64, mean [][]float64) []optim.Expr {
	type ranked struct {
		expr optim.Expr
		lat  float64
	}
	var paths []ranked
	for _, path := range j.dag.Paths() {
		terms := make([]optim.StageExpr, len(path))
		for i, idx := range path {
			terms[i] = optim.StageExpr{Idx: idx, Term: latencyTerm}
		}
		e := optim.Sum(terms...)
		paths = append(paths, ranked{expr: e, lat: e.Eval(x, mean)})
	}
	sort.SliceStable(paths, func(a, b int) bool { return paths[a].lat > paths[b].lat })
	keep := 1
	if j.jo.SecondaryPath && len(paths) > 1 {
		keep = 2
	}
	out := make([]optim.Expr, 0, keep)
	for _, p := range paths[:keep] {
		out = append(out, p.expr)
	}
	return out
}

func (j *Jolteon) allStages(term optim.Term) optim.Expr {
	terms := make([]optim.StageExpr, j.dag.Len())
	for i := range terms {
		terms[i] = optim.StageExpr{Idx: i, Term: term}
	}
	return optim.Sum(terms...)
}

func (j *Jolteon) Schedule(ctx context.Context) ([]v1alpha1.ResourceConfig, error) {
	defer observeSchedule(j.Name(), time.Now())
	if j.dag.Len() == 0 {
		return nil, nil
	}
	models, err := j.models()
	if err != nil {
		return nil, err
	}

	n := SampleSize(j.dag.Len(), len(j.jo.CPUGrid), len(j.jo.WorkersGrid), j.jo.Risk, j.jo.ConfidenceError)
	if n > j.jo.MaxSamples {
		klog.V(3).Infof("Jolteon sample size %d capped at %d", n, j.jo.MaxSamples)
		n = j.jo.MaxSamples
	}
	jolteonSampleSize.Set(float64(n))

	mean := make([][]float64, len(models))
	samples := make([][][]float64, len(models))
	for i, m := range models {
		mean[i] = m.Parameters()
		if len(mean[i]) != perfmodel.NumCoefficients {
			return nil, fmt.Errorf("stage %s: %w", j.dag.StageByIdx(i).ID, perfmodel.ErrNotTrained)
		}
		if samples[i], err = m.SampleOffline(n); err != nil {
			return nil, fmt.Errorf("stage %s: sample coefficients: %w", j.dag.StageByIdx(i).ID, err)
		}
	}

	lower, upper := j.bounds()
	x0 := j.initialPoint(lower, upper)
	p := &problem{
		bound:    j.opts.Bound.Value,
		mean:     mean,
		samples:  samples,
		quantile: 1 - j.jo.Risk,
	}
	paths := j.pathExprs(x0, mean)
	switch j.opts.Bound.Objective {
	case constants.ObjectiveLatency:
		p.objective = []optim.Expr{j.allStages(costTerm)}
		p.constraints = paths
	case constants.ObjectiveCost:
		p.objective = paths
		p.constraints = []optim.Expr{j.allStages(costTerm)}
	case constants.ObjectiveEnergy:
		p.objective = paths
		p.constraints = []optim.Expr{j.allStages(energyTerm)}
	default:
		return nil, fmt.Errorf("jolteon: %w: %q", ErrUnsupportedObjective, j.opts.Bound.Objective)
	}

	x, err := j.solve(ctx, p, x0, lower, upper)
	if err != nil {
		return nil, err
	}
	point := j.roundUp(x)
	point, err = j.probe(ctx, p, point)
	if err != nil {
		return nil, err
	}

	out := make([]v1alpha1.ResourceConfig, j.dag.Len())
	xs := j.vector(point)
	for _, s := range j.dag.Stages() {
		w, c := xs[2*s.Idx], xs[2*s.Idx+1]
		out[s.Idx] = v1alpha1.ResourceConfig{CPU: c, Memory: c * constants.MemoryPerVCPU, Workers: int(w)}
		klog.V(3).Infof("Jolteon stage %s -> %s", s.ID, out[s.Idx].Key())
	}
	klog.Infof("Jolteon schedule: objective %.6g, violation rate %.3f (risk %.3f, %d samples)",
		p.objectiveAt(xs), p.violationRate(xs), j.jo.Risk, n)
	return out, nil
}

// solve runs the constrained local optimizer, tightening the internal bound
// while the sampled violation rate at the optimum exceeds the risk.
func (j *Jolteon) solve(ctx context.Context, p *problem, x0, lower, upper []float64) ([]float64, error) {
	internal := p.bound
	x := x0
	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := internal
		constraints := make([]optim.Constraint, len(p.constraints))
		for k, e := range p.constraints {
			constraints[k] = func(y []float64) float64 { return (e.Eval(y, p.mean) - b) / p.bound }
		}
		sol, err := optim.MinimizeConstrained(optim.Problem{
			Objective:   p.objectiveAt,
			Constraints: constraints,
			Lower:       lower,
			Upper:       upper,
		}, x, nil)
		if err != nil {
			return nil, fmt.Errorf("jolteon: local solve: %w", err)
		}
		x = sol.X
		rate := p.violationRate(x)
		klog.V(4).Infof("Jolteon solve %d: internal bound %.6g, objective %.6g, violation rate %.3f",
			retry, internal, sol.F, rate)
		if rate <= j.jo.Risk || retry >= j.jo.MaxBoundRetries {
			return x, nil
		}

		var gap float64
		for _, e := range p.constraints {
			gap = math.Max(gap, e.Quantile(x, p.samples, p.quantile)-e.Eval(x, p.mean))
		}
		if gap <= 0 {
			gap = 0.05 * internal
		}
		internal = math.Max(internal-gap, internal/2)
		jolteonBoundAdjustments.Inc()
	}
}

// gridPoint holds per-stage grid indices; a workers index of -1 pins the
// stage to one worker.
type gridPoint struct {
	workers []int
	cpu     []int
}

func (g gridPoint) clone() gridPoint {
	return gridPoint{workers: append([]int(nil), g.workers...), cpu: append([]int(nil), g.cpu...)}
}

func (g gridPoint) key() string {
	return fmt.Sprint(g.workers, g.cpu)
}

func (j *Jolteon) vector(g gridPoint) []float64 {
	x := make([]float64, 2*len(g.cpu))
	for i := range g.cpu {
		x[2*i] = 1
		if g.workers[i] >= 0 {
			x[2*i] = float64(j.jo.WorkersGrid[g.workers[i]])
		}
		x[2*i+1] = j.jo.CPUGrid[g.cpu[i]]
	}
	return x
}

// ceilIndex is the index of the smallest grid value >= v, or the last index.
func ceilIndex(n int, at func(int) float64, v float64) int {
	i := sort.Search(n, func(i int) bool { return at(i) >= v-1e-9 })
	if i == n {
		return n - 1
	}
	return i
}

func (j *Jolteon) roundUp(x []float64) gridPoint {
	n := j.dag.Len()
	g := gridPoint{workers: make([]int, n), cpu: make([]int, n)}
	wg, cg := j.jo.WorkersGrid, j.jo.CPUGrid
	for _, s := range j.dag.Stages() {
		i := s.Idx
		g.workers[i] = -1
		if s.Parallelizable {
			g.workers[i] = ceilIndex(len(wg), func(k int) float64 { return float64(wg[k]) }, x[2*i])
		}
		g.cpu[i] = ceilIndex(len(cg), func(k int) float64 { return cg[k] }, x[2*i+1])
	}
	return g
}

type probeScore struct {
	violation float64
	objective float64
}

func (a probeScore) better(b probeScore) bool {
	const eps = 1e-12
	if a.violation < b.violation-eps {
		return true
	}
	if a.violation > b.violation+eps {
		return false
	}
	return a.objective < b.objective
}

func (j *Jolteon) neighbours(g gridPoint) []gridPoint {
	var out []gridPoint
	for i := range g.cpu {
		for _, d := range []int{-1, 1} {
			if w := g.workers[i]; w >= 0 && w+d >= 0 && w+d < len(j.jo.WorkersGrid) {
				n := g.clone()
				n.workers[i] = w + d
				out = append(out, n)
			}
			if c := g.cpu[i] + d; c >= 0 && c < len(j.jo.CPUGrid) {
				n := g.clone()
				n.cpu[i] = c
				out = append(out, n)
			}
		}
	}
	return out
}

// probe scores the grid neighbourhood of start breadth first up to
// ProbeDepth steps, preferring lower sampled violation, then lower objective.
func (j *Jolteon) probe(ctx context.Context, p *problem, start gridPoint) (gridPoint, error) {
	score := func(g gridPoint) probeScore {
		x := j.vector(g)
		return probeScore{violation: math.Max(0, p.violation(x)), objective: p.objectiveAt(x)}
	}
	best, bestScore := start, score(start)
	seen := map[string]bool{start.key(): true}
	frontier := []gridPoint{start}
	for depth := 0; depth < j.jo.ProbeDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return gridPoint{}, err
		}
		var next []gridPoint
		for _, g := range frontier {
			for _, n := range j.neighbours(g) {
				k := n.key()
				if seen[k] {
					continue
				}
				seen[k] = true
				next = append(next, n)
				jolteonProbeSteps.Inc()
				if s := score(n); s.better(bestScore) {
					best, bestScore = n, s
				}
			}
		}
		klog.V(4).Infof("Jolteon probe depth %d: %d candidates, best violation %.4g objective %.6g",
			depth+1, len(next), bestScore.violation, bestScore.objective)
		frontier = next
	}
	return best, nil
}
