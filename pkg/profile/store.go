package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
)

const fileSuffix = ".json"

// Store keeps the profiled samples of every stage, keyed by stage id.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]v1alpha1.StageProfile
}

func NewStore() *Store {
	return &Store{profiles: make(map[string]v1alpha1.StageProfile)}
}

// Add appends one repetition (one entry per worker) for stageID under cfg.
func (s *Store) Add(stageID string, cfg v1alpha1.ResourceConfig, times []v1alpha1.FunctionTimes) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.profiles[stageID]
	if !ok {
		sp = v1alpha1.StageProfile{}
		s.profiles[stageID] = sp
	}
	rec, ok := sp[cfg]
	if !ok {
		rec = v1alpha1.NewProfileRecord()
		sp[cfg] = rec
	}
	rec.Append(times)

	klog.V(4).Infof("Profile sample: stage_id=%s config=%s reps=%d workers=%d",
		stageID, cfg.Key(), rec.Repetitions(), len(times))
}

// Set replaces a stage's profile with a copy of sp.
func (s *Store) Set(stageID string, sp v1alpha1.StageProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[stageID] = sp.DeepCopy()
}

// Get returns a deep copy of a stage's profile; empty when unknown.
func (s *Store) Get(stageID string) v1alpha1.StageProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.profiles[stageID]
	if !ok {
		return v1alpha1.StageProfile{}
	}
	return sp.DeepCopy()
}

// Stages lists the stage ids with recorded samples, sorted.
func (s *Store) Stages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalStageProfile encodes a profile as {"(cpu, memory, workers)": {"read": [[...]], ...}}.
func MarshalStageProfile(sp v1alpha1.StageProfile) ([]byte, error) {
	return json.MarshalIndent(sp, "", "  ")
}

func UnmarshalStageProfile(data []byte) (v1alpha1.StageProfile, error) {
	var sp v1alpha1.StageProfile
	if err := json.Unmarshal(data, &sp); err != nil {
		return nil, err
	}
	if sp == nil {
		sp = v1alpha1.StageProfile{}
	}
	return sp, nil
}

// Save writes one <stage_id>.json file per stage into dir.
func (s *Store) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, sp := range s.profiles {
		data, err := MarshalStageProfile(sp)
		if err != nil {
			return fmt.Errorf("encode profile %s: %w", id, err)
		}
		path := filepath.Join(dir, id+fileSuffix)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write profile %s: %w", id, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write profile %s: %w", id, err)
		}
	}
	klog.V(3).Infof("Saved %d stage profiles to %s", len(s.profiles), dir)
	return nil
}

// Load reads every <stage_id>.json in dir, replacing profiles of the same
// stage. A missing directory is not an error.
func (s *Store) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read profile dir: %w", err)
	}

	loaded := make(map[string]v1alpha1.StageProfile)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read profile %s: %w", e.Name(), err)
		}
		sp, err := UnmarshalStageProfile(data)
		if err != nil {
			return fmt.Errorf("decode profile %s: %w", e.Name(), err)
		}
		loaded[strings.TrimSuffix(e.Name(), fileSuffix)] = sp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sp := range loaded {
		s.profiles[id] = sp
	}
	klog.Infof("Loaded %d stage profiles from %s", len(loaded), dir)
	return nil
}

// UpdateMetrics publishes the repetition count of every (stage, config).
func (s *Store) UpdateMetrics() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profileSamples.Reset()
	for id, sp := range s.profiles {
		for cfg, rec := range sp {
			profileSamples.WithLabelValues(id, cfg.Key()).Set(float64(rec.Repetitions()))
		}
	}
	profileStages.Set(float64(len(s.profiles)))
}
