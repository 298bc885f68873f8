package perfmodel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

var (
	// ErrInsufficientProfiles is returned by Train when fewer than two distinct
	// configurations were profiled.
	ErrInsufficientProfiles = errors.New("at least 2 distinct profiled configurations are required")
	// ErrNotTrained is returned when a model is used before Train or Load.
	ErrNotTrained = errors.New("model is not trained")
)

// StageInfo is what a model knows about the stage it belongs to.
type StageInfo struct {
	Idx            int
	ID             string
	Parallelizable bool
}

// Options tune model construction.
type Options struct {
	// Seed drives every random draw (coefficient sampling, GP evolution, global search).
	Seed int64
	// DistributionScale divides memory*workers into a stage size.
	DistributionScale float64
	// MaxDistributionPoints caps a Distribution's cardinality.
	MaxDistributionPoints int
	GP                    GPConfig
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Seed:                  1,
		DistributionScale:     constants.DefaultDistributionScale,
		MaxDistributionPoints: constants.DefaultMaxDistributionPoints,
		GP:                    DefaultGPConfig(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.DistributionScale <= 0 {
		o.DistributionScale = def.DistributionScale
	}
	if o.MaxDistributionPoints <= 0 {
		o.MaxDistributionPoints = def.MaxDistributionPoints
	}
	o.GP = o.GP.withDefaults()
	return o
}

// Model is the common contract of every performance-model strategy.
type Model interface {
	Kind() constants.ModelKind
	// Train fits the model from a stage profile.
	Train(profile v1alpha1.StageProfile) error
	// PredictTime estimates the per-phase latency of one configuration.
	PredictTime(cfg v1alpha1.ResourceConfig) (v1alpha1.Prediction, error)
	// Parameters is a model-specific coefficient summary.
	Parameters() []float64
	// Save serializes the fitted state.
	Save(w io.Writer) error
	// Load restores state written by Save.
	Load(r io.Reader) error
}

// Sampler is implemented by models that can draw coefficient sets from their
// fitted uncertainty.
type Sampler interface {
	SampleOffline(n int) ([][]float64, error)
}

// New builds an untrained model of the given kind.
func New(kind constants.ModelKind, info StageInfo, opts Options) (Model, error) {
	opts = opts.withDefaults()
	switch kind {
	case constants.ModelAnalytic:
		return NewAnalytic(info), nil
	case constants.ModelMixed:
		return NewMixed(info, opts.Seed), nil
	case constants.ModelDistribution:
		return NewDistributionModel(info, opts.DistributionScale, opts.MaxDistributionPoints), nil
	case constants.ModelGenetic:
		return NewGenetic(info, opts.GP, opts.Seed), nil
	default:
		return nil, fmt.Errorf("unsupported model kind %q", kind)
	}
}

// SaveModelFile writes the model's fitted state to path.
func SaveModelFile(m Model, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	if err := m.Save(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("save %s model: %w", m.Kind(), err)
	}
	return f.Close()
}

// LoadModelFile restores the model's fitted state from path.
func LoadModelFile(m Model, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return fmt.Errorf("load %s model: %w", m.Kind(), err)
	}
	return nil
}

func checkProfile(profile v1alpha1.StageProfile) error {
	if len(profile) < 2 {
		return fmt.Errorf("%w: got %d", ErrInsufficientProfiles, len(profile))
	}
	return nil
}

// phaseMatrix returns the repetition samples of one phase.
func phaseMatrix(rec *v1alpha1.ProfileRecord, phase constants.Phase) [][]float64 {
	switch phase {
	case constants.PhaseRead:
		return rec.Read
	case constants.PhaseCompute:
		return rec.Compute
	case constants.PhaseWrite:
		return rec.Write
	case constants.PhaseColdStart:
		return rec.ColdStart
	case constants.PhaseEnergy:
		return rec.EnergyConsumption
	}
	return nil
}

func flatten(m [][]float64) []float64 {
	var out []float64
	for _, row := range m {
		out = append(out, row...)
	}
	return out
}
