package scheduler

import (
	"io"
	"math"
	"testing"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
	"serverless-dag-tuner/pkg/dag"
)

// fixedModel reports constant parameters under a chosen kind.
type fixedModel struct {
	kind   constants.ModelKind
	params []float64
}

func (m *fixedModel) Kind() constants.ModelKind { return m.kind }
func (m *fixedModel) Train(v1alpha1.StageProfile) error {
	return nil
}
func (m *fixedModel) PredictTime(v1alpha1.ResourceConfig) (v1alpha1.Prediction, error) {
	return v1alpha1.Prediction{}, nil
}
func (m *fixedModel) Parameters() []float64 { return m.params }
func (m *fixedModel) Save(io.Writer) error  { return nil }
func (m *fixedModel) Load(io.Reader) error  { return nil }

// chain builds s0 -> s1 -> ... with the given ids.
func chain(t *testing.T, ids ...string) *dag.DAG {
	t.Helper()
	d := dag.New("chain")
	var prev *dag.Stage
	for _, id := range ids {
		s := dag.NewStage(id, "fn-"+id)
		if err := d.AddStage(s); err != nil {
			t.Fatalf("AddStage: %v", err)
		}
		if prev != nil {
			if err := d.AddChild(prev, s); err != nil {
				t.Fatalf("AddChild: %v", err)
			}
		}
		prev = s
	}
	return d
}

func jitter(r, i int, c float64, w int) float64 {
	return 1 + 0.01*math.Sin(float64(7*r+3*i)+c+float64(w))
}

// mixedProfile follows read 2/c+0.1, compute scale/(c*w)+0.5, write 1/c+0.1, cold 0.2.
func mixedProfile(scale float64) v1alpha1.StageProfile {
	profile := v1alpha1.StageProfile{}
	for _, c := range []float64{1, 2, 4} {
		for _, w := range []int{1, 4, 8} {
			rec := v1alpha1.NewProfileRecord()
			for r := 0; r < 3; r++ {
				times := make([]v1alpha1.FunctionTimes, w)
				for i := range times {
					j := jitter(r, i, c, w)
					times[i] = v1alpha1.FunctionTimes{
						Read:      (2/c + 0.1) * j,
						Compute:   (scale/(c*float64(w)) + 0.5) * j,
						Write:     (1/c + 0.1) * j,
						ColdStart: 0.2 * j,
					}
				}
				rec.Append(times)
			}
			profile[v1alpha1.ResourceConfig{CPU: c, Memory: c * constants.MemoryPerVCPU, Workers: w}] = rec
		}
	}
	return profile
}

// memoryProfile has single-worker totals of roughly 100/(memory/1024) seconds.
func memoryProfile() v1alpha1.StageProfile {
	profile := v1alpha1.StageProfile{}
	for _, mem := range []float64{1024, 2048, 4096} {
		rec := v1alpha1.NewProfileRecord()
		for r := 0; r < 3; r++ {
			j := jitter(r, 0, mem, 1)
			rec.Append([]v1alpha1.FunctionTimes{{Compute: 100 / (mem / 1024) * j}})
		}
		profile[v1alpha1.ResourceConfig{CPU: 1, Memory: mem, Workers: 1}] = rec
	}
	return profile
}

func trainAll(t *testing.T, d *dag.DAG, profile func(i int) v1alpha1.StageProfile) {
	t.Helper()
	for _, s := range d.Stages() {
		if err := s.Model().Train(profile(s.Idx)); err != nil {
			t.Fatalf("train stage %s: %v", s.ID, err)
		}
	}
}

func workersOf(cfgs []v1alpha1.ResourceConfig) []int {
	out := make([]int, len(cfgs))
	for i, c := range cfgs {
		out[i] = c.Workers
	}
	return out
}
