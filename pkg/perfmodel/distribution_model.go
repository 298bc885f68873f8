package perfmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

// sizeProfile is the empirical behaviour at one stage size.
type sizeProfile struct {
	Size  float64      `json:"size"`
	Dist  Distribution `json:"dist"`
	Phase [4]float64   `json:"phase_means"`
}

// DistributionModel keeps the empirical latency distribution of every
// profiled stage size (memory*workers/scale). The model is the data.
type DistributionModel struct {
	info      StageInfo
	scale     float64
	maxPoints int
	sizes     []sizeProfile
}

// NewDistributionModel returns an untrained distribution model.
func NewDistributionModel(info StageInfo, scale float64, maxPoints int) *DistributionModel {
	if scale <= 0 {
		scale = constants.DefaultDistributionScale
	}
	if maxPoints <= 0 {
		maxPoints = constants.DefaultMaxDistributionPoints
	}
	return &DistributionModel{info: info, scale: scale, maxPoints: maxPoints}
}

func (m *DistributionModel) Kind() constants.ModelKind { return constants.ModelDistribution }

// Size maps a configuration to its stage size.
func (m *DistributionModel) Size(cfg v1alpha1.ResourceConfig) float64 {
	return cfg.Memory * float64(cfg.Workers) / m.scale
}

// MaxPoints is the cardinality cap applied after every combination.
func (m *DistributionModel) MaxPoints() int { return m.maxPoints }

func (m *DistributionModel) Train(profile v1alpha1.StageProfile) error {
	if err := checkProfile(profile); err != nil {
		return fmt.Errorf("stage %s: %w", m.info.ID, err)
	}
	start := time.Now()
	defer func() { observeTraining(constants.ModelDistribution, start) }()

	type acc struct {
		totals []float64
		phase  [4]float64
		n      int
	}
	bySize := map[float64]*acc{}
	for _, cfg := range profile.Configs() {
		rec := profile[cfg]
		size := m.Size(cfg)
		a := bySize[size]
		if a == nil {
			a = &acc{}
			bySize[size] = a
		}
		first := 0
		// The first repetition of every config is a warm-up run.
		if rec.Repetitions() > 1 {
			first = 1
		}
		for rep := first; rep < rec.Repetitions(); rep++ {
			for w := range rec.Read[rep] {
				r, c, wr, cs := at(rec.Read, rep, w), at(rec.Compute, rep, w), at(rec.Write, rep, w), at(rec.ColdStart, rep, w)
				a.totals = append(a.totals, r+c+wr+cs)
				a.phase[0] += r
				a.phase[1] += c
				a.phase[2] += wr
				a.phase[3] += cs
				a.n++
			}
		}
	}

	sizes := make([]sizeProfile, 0, len(bySize))
	for size, a := range bySize {
		if a.n == 0 {
			continue
		}
		sp := sizeProfile{Size: size, Dist: NewDistribution(a.totals).Reduce(m.maxPoints)}
		for i := range sp.Phase {
			sp.Phase[i] = a.phase[i] / float64(a.n)
		}
		sizes = append(sizes, sp)
	}
	sort.Slice(sizes, func(i, j int) bool { return sizes[i].Size < sizes[j].Size })
	if len(sizes) == 0 {
		return fmt.Errorf("stage %s: no samples: %w", m.info.ID, ErrInsufficientProfiles)
	}
	m.sizes = sizes
	klog.V(4).Infof("Stage %s distribution model: %d sizes", m.info.ID, len(sizes))
	return nil
}

func at(m [][]float64, rep, w int) float64 {
	if rep < len(m) && w < len(m[rep]) {
		return m[rep][w]
	}
	return 0
}

// bracket returns the profiled sizes around size and the weight of the lower one.
func (m *DistributionModel) bracket(size float64) (lo, hi int, w float64) {
	n := len(m.sizes)
	if size <= m.sizes[0].Size {
		return 0, 0, 1
	}
	if size >= m.sizes[n-1].Size {
		return n - 1, n - 1, 1
	}
	i := sort.Search(n, func(i int) bool { return m.sizes[i].Size >= size })
	if m.sizes[i].Size == size {
		return i, i, 1
	}
	s1, s2 := m.sizes[i-1].Size, m.sizes[i].Size
	return i - 1, i, (s2 - size) / (s2 - s1)
}

// Calculate returns the stage's latency distribution at size, blending the
// two nearest profiled sizes linearly in probability.
func (m *DistributionModel) Calculate(size float64) (Distribution, error) {
	if len(m.sizes) == 0 {
		return Distribution{}, ErrNotTrained
	}
	lo, hi, w := m.bracket(size)
	if lo == hi {
		return m.sizes[lo].Dist, nil
	}
	return m.sizes[lo].Dist.Mix(m.sizes[hi].Dist, w).Reduce(m.maxPoints), nil
}

func (m *DistributionModel) PredictTime(cfg v1alpha1.ResourceConfig) (v1alpha1.Prediction, error) {
	if len(m.sizes) == 0 {
		return v1alpha1.Prediction{}, ErrNotTrained
	}
	size := m.Size(cfg)
	d, err := m.Calculate(size)
	if err != nil {
		return v1alpha1.Prediction{}, err
	}
	lo, hi, w := m.bracket(size)
	var ph [4]float64
	for i := range ph {
		ph[i] = w*m.sizes[lo].Phase[i] + (1-w)*m.sizes[hi].Phase[i]
	}
	return v1alpha1.Prediction{
		Read:      ph[0],
		Compute:   ph[1],
		Write:     ph[2],
		ColdStart: ph[3],
		Total:     d.Mean(),
	}, nil
}

// Parameters returns the profiled sizes.
func (m *DistributionModel) Parameters() []float64 {
	out := make([]float64, len(m.sizes))
	for i, s := range m.sizes {
		out[i] = s.Size
	}
	return out
}

type distributionState struct {
	Kind      constants.ModelKind `json:"kind"`
	Stage     string              `json:"stage"`
	Scale     float64             `json:"scale"`
	MaxPoints int                 `json:"max_points"`
	Sizes     []sizeProfile       `json:"sizes"`
}

func (m *DistributionModel) Save(w io.Writer) error {
	if len(m.sizes) == 0 {
		return ErrNotTrained
	}
	return json.NewEncoder(w).Encode(distributionState{
		Kind:      constants.ModelDistribution,
		Stage:     m.info.ID,
		Scale:     m.scale,
		MaxPoints: m.maxPoints,
		Sizes:     m.sizes,
	})
}

func (m *DistributionModel) Load(r io.Reader) error {
	var st distributionState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return err
	}
	if st.Kind != constants.ModelDistribution {
		return fmt.Errorf("unexpected model kind %q", st.Kind)
	}
	if len(st.Sizes) == 0 {
		return ErrNotTrained
	}
	m.scale, m.maxPoints, m.sizes = st.Scale, st.MaxPoints, st.Sizes
	return nil
}

// Completion returns the finishing-time distribution of stage idx: its own
// distribution in series after the parallel composition of every parent's
// completion. own yields a stage's own distribution; memo caches results
// across calls that share the same sizes.
func Completion(
	idx int,
	parents func(int) []int,
	own func(int) (Distribution, error),
	maxPoints int,
	memo map[int]Distribution,
) (Distribution, error) {
	if d, ok := memo[idx]; ok {
		return d, nil
	}
	self, err := own(idx)
	if err != nil {
		return Distribution{}, err
	}

	var upstream Distribution
	for _, p := range parents(idx) {
		pd, err := Completion(p, parents, own, maxPoints, memo)
		if err != nil {
			return Distribution{}, err
		}
		upstream = upstream.Combine(pd, CombineParallel, maxPoints)
	}

	out := self
	if !upstream.Empty() {
		out = upstream.Combine(self, CombineSeries, maxPoints)
	}
	memo[idx] = out
	return out, nil
}
