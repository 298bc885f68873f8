package v1alpha1

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FunctionTimes is what the execution service reports for one invocation.
// Durations are in seconds, energy in joules.
type FunctionTimes struct {
	Read      float64 `json:"read"`
	Compute   float64 `json:"compute"`
	Write     float64 `json:"write"`
	ColdStart float64 `json:"cold_start"`
	Total     float64 `json:"total"`
	Energy    float64 `json:"energy,omitempty"`
}

// Prediction is a performance model's latency estimate for one configuration.
type Prediction struct {
	Read      float64 `json:"read"`
	Compute   float64 `json:"compute"`
	Write     float64 `json:"write"`
	ColdStart float64 `json:"cold_start"`
	Total     float64 `json:"total"`
}

// ProfileRecord holds repetition samples for one (stage, config) pair.
// Each inner slice is one repetition with one value per worker.
type ProfileRecord struct {
	Read              [][]float64 `json:"read"`
	Compute           [][]float64 `json:"compute"`
	Write             [][]float64 `json:"write"`
	ColdStart         [][]float64 `json:"cold_start"`
	EnergyConsumption [][]float64 `json:"energy_consumption"`
}

// NewProfileRecord returns an empty record whose phase lists encode as [] rather than null.
func NewProfileRecord() *ProfileRecord {
	return &ProfileRecord{
		Read:              [][]float64{},
		Compute:           [][]float64{},
		Write:             [][]float64{},
		ColdStart:         [][]float64{},
		EnergyConsumption: [][]float64{},
	}
}

// Append records one repetition; times holds one entry per worker.
func (pr *ProfileRecord) Append(times []FunctionTimes) {
	read := make([]float64, len(times))
	comp := make([]float64, len(times))
	write := make([]float64, len(times))
	cold := make([]float64, len(times))
	energy := make([]float64, len(times))
	for i, t := range times {
		read[i] = t.Read
		comp[i] = t.Compute
		write[i] = t.Write
		cold[i] = t.ColdStart
		energy[i] = t.Energy
	}
	pr.Read = append(pr.Read, read)
	pr.Compute = append(pr.Compute, comp)
	pr.Write = append(pr.Write, write)
	pr.ColdStart = append(pr.ColdStart, cold)
	pr.EnergyConsumption = append(pr.EnergyConsumption, energy)
}

// Repetitions is the number of recorded repetitions.
func (pr *ProfileRecord) Repetitions() int {
	return len(pr.Read)
}

// DeepCopy returns an independent copy.
func (pr *ProfileRecord) DeepCopy() *ProfileRecord {
	if pr == nil {
		return nil
	}
	return &ProfileRecord{
		Read:              copyMatrix(pr.Read),
		Compute:           copyMatrix(pr.Compute),
		Write:             copyMatrix(pr.Write),
		ColdStart:         copyMatrix(pr.ColdStart),
		EnergyConsumption: copyMatrix(pr.EnergyConsumption),
	}
}

func copyMatrix(in [][]float64) [][]float64 {
	out := make([][]float64, len(in))
	for i := range in {
		out[i] = append([]float64(nil), in[i]...)
	}
	return out
}

// StageProfile maps every profiled configuration of a stage to its samples.
type StageProfile map[ResourceConfig]*ProfileRecord

// Configs returns the profiled configurations in a stable order.
func (sp StageProfile) Configs() []ResourceConfig {
	out := make([]ResourceConfig, 0, len(sp))
	for cfg := range sp {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.CPU != b.CPU {
			return a.CPU < b.CPU
		}
		if a.Memory != b.Memory {
			return a.Memory < b.Memory
		}
		return a.Workers < b.Workers
	})
	return out
}

// DeepCopy returns an independent copy.
func (sp StageProfile) DeepCopy() StageProfile {
	out := make(StageProfile, len(sp))
	for k, v := range sp {
		out[k] = v.DeepCopy()
	}
	return out
}

// MarshalJSON writes the profile keyed by ResourceConfig.Key.
func (sp StageProfile) MarshalJSON() ([]byte, error) {
	m := make(map[string]*ProfileRecord, len(sp))
	for cfg, rec := range sp {
		m[cfg.Key()] = rec
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads a profile keyed by ResourceConfig.Key.
func (sp *StageProfile) UnmarshalJSON(data []byte) error {
	var m map[string]*ProfileRecord
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	out := make(StageProfile, len(m))
	for k, rec := range m {
		cfg, err := ParseConfigKey(k)
		if err != nil {
			return fmt.Errorf("decode stage profile: %w", err)
		}
		out[cfg] = rec
	}
	*sp = out
	return nil
}
