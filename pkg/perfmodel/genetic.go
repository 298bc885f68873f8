package perfmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/optim"
)

// GPConfig tunes the symbolic-regression search.
type GPConfig struct {
	Population     int     `json:"population" yaml:"population"`
	Generations    int     `json:"generations" yaml:"generations"`
	TournamentSize int     `json:"tournamentSize" yaml:"tournamentSize"`
	CrossoverProb  float64 `json:"crossoverProb" yaml:"crossoverProb"`
	MutationProb   float64 `json:"mutationProb" yaml:"mutationProb"`
	MaxHeight      int     `json:"maxHeight" yaml:"maxHeight"`
	InitDepth      int     `json:"initDepth" yaml:"initDepth"`
	ConstRange     float64 `json:"constRange" yaml:"constRange"`
	// OptimizeEvaluations is the CMA-ES budget of Genetic.Optimize.
	OptimizeEvaluations int `json:"optimizeEvaluations" yaml:"optimizeEvaluations"`
}

// DefaultGPConfig returns the search settings used when none are given.
func DefaultGPConfig() GPConfig {
	return GPConfig{
		Population:          300,
		Generations:         40,
		TournamentSize:      3,
		CrossoverProb:       0.7,
		MutationProb:        0.2,
		MaxHeight:           8,
		InitDepth:           6,
		ConstRange:          10,
		OptimizeEvaluations: optim.DefaultGlobalEvaluations,
	}
}

func (c GPConfig) withDefaults() GPConfig {
	def := DefaultGPConfig()
	if c.Population <= 0 {
		c.Population = def.Population
	}
	if c.Generations <= 0 {
		c.Generations = def.Generations
	}
	if c.TournamentSize <= 0 {
		c.TournamentSize = def.TournamentSize
	}
	if c.CrossoverProb <= 0 {
		c.CrossoverProb = def.CrossoverProb
	}
	if c.MutationProb <= 0 {
		c.MutationProb = def.MutationProb
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = def.MaxHeight
	}
	if c.InitDepth <= 0 {
		c.InitDepth = def.InitDepth
	}
	if c.InitDepth > c.MaxHeight {
		c.InitDepth = c.MaxHeight
	}
	if c.ConstRange <= 0 {
		c.ConstRange = def.ConstRange
	}
	if c.OptimizeEvaluations <= 0 {
		c.OptimizeEvaluations = def.OptimizeEvaluations
	}
	return c
}

type gpSample struct {
	x [numVars]float64
	y float64
}

// Genetic evolves a closed-form latency expression f(cpu, memory, workers).
type Genetic struct {
	info    StageInfo
	cfg     GPConfig
	seed    int64
	expr    *node
	fitness float64
}

// NewGenetic returns an untrained genetic model.
func NewGenetic(info StageInfo, cfg GPConfig, seed int64) *Genetic {
	return &Genetic{info: info, cfg: cfg.withDefaults(), seed: seed}
}

func (m *Genetic) Kind() constants.ModelKind { return constants.ModelGenetic }

// Expression is the evolved expression in prefix notation.
func (m *Genetic) Expression() string {
	if m.expr == nil {
		return ""
	}
	return m.expr.String()
}

// Fitness is the mean squared error of the evolved expression.
func (m *Genetic) Fitness() float64 { return m.fitness }

func gpInput(cfg v1alpha1.ResourceConfig) [numVars]float64 {
	return [numVars]float64{cfg.CPU, cfg.Memory, float64(cfg.Workers)}
}

// trainingSamples pairs every configuration with the mean total latency of
// each of its runs.
func trainingSamples(profile v1alpha1.StageProfile) []gpSample {
	var out []gpSample
	for _, cfg := range profile.Configs() {
		rec := profile[cfg]
		for rep := 0; rep < rec.Repetitions(); rep++ {
			workers := len(rec.Read[rep])
			if workers == 0 {
				continue
			}
			var sum float64
			for w := 0; w < workers; w++ {
				sum += at(rec.Read, rep, w) + at(rec.Compute, rep, w) + at(rec.Write, rep, w) + at(rec.ColdStart, rep, w)
			}
			out = append(out, gpSample{x: gpInput(cfg), y: sum / float64(workers)})
		}
	}
	return out
}

// fitness is the MSE of n over samples; non-finite or implausible
// predictions cost PenaltyValue.
func fitness(n *node, samples []gpSample, upper float64) float64 {
	var sse float64
	for _, s := range samples {
		pred := n.eval(s.x)
		if math.IsNaN(pred) || math.IsInf(pred, 0) || pred < 0 || pred > upper {
			return constants.PenaltyValue
		}
		d := pred - s.y
		sse += d * d
	}
	mse := sse / float64(len(samples))
	if math.IsNaN(mse) || math.IsInf(mse, 0) {
		return constants.PenaltyValue
	}
	return mse
}

type scored struct {
	tree    *node
	fitness float64
}

func (m *Genetic) Train(profile v1alpha1.StageProfile) error {
	if err := checkProfile(profile); err != nil {
		return fmt.Errorf("stage %s: %w", m.info.ID, err)
	}
	samples := trainingSamples(profile)
	if len(samples) == 0 {
		return fmt.Errorf("stage %s: no samples: %w", m.info.ID, ErrInsufficientProfiles)
	}
	start := time.Now()
	defer func() { observeTraining(constants.ModelGenetic, start) }()

	var upper float64
	for _, s := range samples {
		upper = math.Max(upper, s.y)
	}
	upper *= 10

	cfg := m.cfg
	rng := rand.New(rand.NewSource(uint64(m.seed) + uint64(m.info.Idx)*104729))
	tb := treeBuilder{rng: rng, constRange: cfg.ConstRange}

	score := func(trees []*node) []scored {
		out := make([]scored, len(trees))
		for i, t := range trees {
			out[i] = scored{tree: t, fitness: fitness(t, samples, upper)}
		}
		return out
	}
	tournament := func(pop []scored) *node {
		best := pop[rng.Intn(len(pop))]
		for i := 1; i < cfg.TournamentSize; i++ {
			if c := pop[rng.Intn(len(pop))]; c.fitness < best.fitness {
				best = c
			}
		}
		return best.tree
	}
	elite := func(pop []scored) scored {
		best := pop[0]
		for _, c := range pop[1:] {
			if c.fitness < best.fitness {
				best = c
			}
		}
		return best
	}

	pop := score(tb.rampedHalfAndHalf(cfg.Population, cfg.InitDepth))
	for gen := 0; gen < cfg.Generations; gen++ {
		champion := elite(pop)
		next := make([]*node, 0, cfg.Population)
		next = append(next, champion.tree)
		for len(next) < cfg.Population {
			parent := tournament(pop)
			switch r := rng.Float64(); {
			case r < cfg.CrossoverProb:
				next = append(next, tb.crossover(parent, tournament(pop), cfg.MaxHeight))
			case r < cfg.CrossoverProb+cfg.MutationProb:
				next = append(next, tb.mutate(parent, cfg.MaxHeight))
			default:
				next = append(next, parent.clone())
			}
		}
		pop = score(next)
		klog.V(5).Infof("Stage %s GP generation %d: best fitness %.6g", m.info.ID, gen, champion.fitness)
	}

	best := elite(pop)
	m.expr, m.fitness = best.tree, best.fitness
	gpBestFitness.WithLabelValues(m.info.ID).Set(best.fitness)
	klog.V(4).Infof("Stage %s genetic model: %s (mse %.6g)", m.info.ID, m.expr, m.fitness)
	return nil
}

// PredictTime evaluates the expression. The expression models the whole
// invocation, so it is reported as compute and total.
func (m *Genetic) PredictTime(cfg v1alpha1.ResourceConfig) (v1alpha1.Prediction, error) {
	if m.expr == nil {
		return v1alpha1.Prediction{}, ErrNotTrained
	}
	v := m.expr.eval(gpInput(cfg))
	return v1alpha1.Prediction{Compute: v, Total: v}, nil
}

// Parameters returns the ephemeral constants of the expression.
func (m *Genetic) Parameters() []float64 {
	if m.expr == nil {
		return nil
	}
	return m.expr.consts()
}

// Optimize searches bounds for the configuration minimizing objective
// (latency, or cost as latency*cpu*workers) under the evolved expression.
// Workers are rounded to integers before every evaluation.
func (m *Genetic) Optimize(bounds v1alpha1.ConfigBounds, objective constants.Objective) (v1alpha1.ResourceConfig, error) {
	if m.expr == nil {
		return v1alpha1.ResourceConfig{}, ErrNotTrained
	}
	toConfig := func(x []float64) v1alpha1.ResourceConfig {
		return bounds.Clamp(v1alpha1.ResourceConfig{
			CPU:     x[0],
			Memory:  x[1],
			Workers: int(math.Round(x[2])),
		})
	}
	var f func(x []float64) float64
	switch objective {
	case constants.ObjectiveLatency:
		f = func(x []float64) float64 {
			return m.expr.eval(gpInput(toConfig(x)))
		}
	case constants.ObjectiveCost, constants.ObjectiveEnergy:
		f = func(x []float64) float64 {
			cfg := toConfig(x)
			return m.expr.eval(gpInput(cfg)) * cfg.VCPUs()
		}
	default:
		return v1alpha1.ResourceConfig{}, fmt.Errorf("unsupported objective %q", objective)
	}
	penalized := func(x []float64) float64 {
		v := f(x)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return constants.PenaltyValue
		}
		return v
	}

	lower, upper := bounds.Lower(), bounds.Upper()
	sol, err := optim.MinimizeGlobal(penalized, lower, upper, uint64(m.seed)+uint64(m.info.Idx), m.cfg.OptimizeEvaluations)
	if err != nil {
		return v1alpha1.ResourceConfig{}, fmt.Errorf("stage %s: %w", m.info.ID, err)
	}
	cfg := toConfig(sol.X)
	klog.V(4).Infof("Stage %s genetic optimum for %s: %s (value %.4g)", m.info.ID, objective, cfg.Key(), sol.F)
	return cfg, nil
}

type geneticState struct {
	Kind       constants.ModelKind `json:"kind"`
	Stage      string              `json:"stage"`
	Expression string              `json:"expression"`
	Fitness    float64             `json:"fitness"`
}

func (m *Genetic) Save(w io.Writer) error {
	if m.expr == nil {
		return ErrNotTrained
	}
	return json.NewEncoder(w).Encode(geneticState{
		Kind:       constants.ModelGenetic,
		Stage:      m.info.ID,
		Expression: m.expr.String(),
		Fitness:    m.fitness,
	})
}

func (m *Genetic) Load(r io.Reader) error {
	var st geneticState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return err
	}
	if st.Kind != constants.ModelGenetic {
		return fmt.Errorf("unexpected model kind %q", st.Kind)
	}
	expr, err := parseExpr(st.Expression)
	if err != nil {
		return fmt.Errorf("parse expression: %w", err)
	}
	m.expr, m.fitness = expr, st.Fitness
	return nil
}
