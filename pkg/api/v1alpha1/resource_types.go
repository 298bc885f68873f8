package v1alpha1

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"serverless-dag-tuner/pkg/constants"
)

// ResourceConfig is the per-stage resource assignment. It is comparable and
// used directly as a map key: two configs are equal when all three knobs are.
type ResourceConfig struct {
	CPU     float64 `json:"cpu" yaml:"cpu"`
	Memory  float64 `json:"memory" yaml:"memory"`
	Workers int     `json:"workers" yaml:"workers"`
}

// DefaultResourceConfig returns cpu=1, memory=2048, workers=1.
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		CPU:     constants.DefaultCPU,
		Memory:  constants.DefaultMemory,
		Workers: constants.DefaultWorkers,
	}
}

// Key returns the persisted string form "(cpu, memory, workers)".
func (rc ResourceConfig) Key() string {
	return fmt.Sprintf("(%s, %s, %d)", formatFloat(rc.CPU), formatFloat(rc.Memory), rc.Workers)
}

func (rc ResourceConfig) String() string {
	return rc.Key()
}

// VCPUs is the total number of vCPUs across all workers.
func (rc ResourceConfig) VCPUs() float64 {
	return rc.CPU * float64(rc.Workers)
}

// ParseConfigKey inverts ResourceConfig.Key.
func ParseConfigKey(s string) (ResourceConfig, error) {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(trimmed, "(")
	trimmed = strings.TrimSuffix(trimmed, ")")
	parts := strings.Split(trimmed, ",")
	if len(parts) != 3 {
		return ResourceConfig{}, fmt.Errorf("config key %q: want 3 fields, got %d", s, len(parts))
	}

	cpu, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return ResourceConfig{}, fmt.Errorf("config key %q: cpu: %w", s, err)
	}
	mem, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return ResourceConfig{}, fmt.Errorf("config key %q: memory: %w", s, err)
	}
	// Workers may have been written as a float by other tools ("4.0").
	wf, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return ResourceConfig{}, fmt.Errorf("config key %q: workers: %w", s, err)
	}
	if wf != math.Trunc(wf) {
		return ResourceConfig{}, fmt.Errorf("config key %q: workers %v is not integral", s, wf)
	}

	return ResourceConfig{CPU: cpu, Memory: mem, Workers: int(wf)}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Range is an inclusive [Min, Max] interval.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

// ConfigBounds bounds every knob of a ResourceConfig.
type ConfigBounds struct {
	CPU     Range `json:"cpu" yaml:"cpu"`
	Memory  Range `json:"memory" yaml:"memory"`
	Workers Range `json:"workers" yaml:"workers"`
}

// Clamp returns cfg with every knob inside the bounds. Workers are rounded.
func (b ConfigBounds) Clamp(cfg ResourceConfig) ResourceConfig {
	return ResourceConfig{
		CPU:     b.CPU.Clamp(cfg.CPU),
		Memory:  b.Memory.Clamp(cfg.Memory),
		Workers: int(math.Round(b.Workers.Clamp(float64(cfg.Workers)))),
	}
}

// Lower returns the (cpu, memory, workers) lower corner.
func (b ConfigBounds) Lower() []float64 {
	return []float64{b.CPU.Min, b.Memory.Min, b.Workers.Min}
}

// Upper returns the (cpu, memory, workers) upper corner.
func (b ConfigBounds) Upper() []float64 {
	return []float64{b.CPU.Max, b.Memory.Max, b.Workers.Max}
}
