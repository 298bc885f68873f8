package perfmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

// Analytic models every phase as a/x + b where x is the allocated capacity
// cpu*memory*workers, or workers alone for a stage that is not parallelizable.
type Analytic struct {
	info   StageInfo
	params map[constants.Phase][2]float64
}

// NewAnalytic returns an untrained analytic model.
func NewAnalytic(info StageInfo) *Analytic {
	return &Analytic{info: info}
}

func (m *Analytic) Kind() constants.ModelKind { return constants.ModelAnalytic }

func (m *Analytic) capacity(cfg v1alpha1.ResourceConfig) float64 {
	if !m.info.Parallelizable {
		return float64(cfg.Workers)
	}
	return cfg.CPU * cfg.Memory * float64(cfg.Workers)
}

func analyticCurve(x, p []float64) float64 {
	return p[0]/x[0] + p[1]
}

func (m *Analytic) Train(profile v1alpha1.StageProfile) error {
	if err := checkProfile(profile); err != nil {
		return fmt.Errorf("stage %s: %w", m.info.ID, err)
	}
	start := time.Now()
	defer func() { observeTraining(constants.ModelAnalytic, start) }()

	params := make(map[constants.Phase][2]float64, len(constants.LatencyPhases))
	for _, phase := range constants.LatencyPhases {
		// Mean observed latency per distinct capacity.
		byX := map[float64][]float64{}
		for _, cfg := range profile.Configs() {
			x := m.capacity(cfg)
			byX[x] = append(byX[x], flatten(phaseMatrix(profile[cfg], phase))...)
		}
		xsKeys := make([]float64, 0, len(byX))
		for x := range byX {
			xsKeys = append(xsKeys, x)
		}
		sort.Float64s(xsKeys)

		var xs [][]float64
		var ys []float64
		for _, x := range xsKeys {
			if len(byX[x]) == 0 {
				continue
			}
			xs = append(xs, []float64{x})
			ys = append(ys, stat.Mean(byX[x], nil))
		}
		if len(ys) == 0 {
			params[phase] = [2]float64{}
			continue
		}

		res, err := curveFit(analyticCurve, xs, ys, []float64{1, stat.Mean(ys, nil)})
		if err != nil {
			return fmt.Errorf("stage %s: fit %s: %w", m.info.ID, phase, err)
		}
		params[phase] = [2]float64{res.Params[0], res.Params[1]}
		klog.V(4).Infof("Stage %s analytic %s: a=%.4g b=%.4g relErr=%.3f",
			m.info.ID, phase, res.Params[0], res.Params[1], res.RelErr)
	}
	m.params = params
	return nil
}

func (m *Analytic) PredictTime(cfg v1alpha1.ResourceConfig) (v1alpha1.Prediction, error) {
	if m.params == nil {
		return v1alpha1.Prediction{}, ErrNotTrained
	}
	x := []float64{m.capacity(cfg)}
	eval := func(phase constants.Phase) float64 {
		p := m.params[phase]
		return analyticCurve(x, p[:])
	}
	pred := v1alpha1.Prediction{
		Read:      eval(constants.PhaseRead),
		Compute:   eval(constants.PhaseCompute),
		Write:     eval(constants.PhaseWrite),
		ColdStart: eval(constants.PhaseColdStart),
	}
	pred.Total = pred.Read + pred.Compute + pred.Write + pred.ColdStart
	return pred, nil
}

// Parameters returns [sum of a, sum of b] across the four phases.
func (m *Analytic) Parameters() []float64 {
	var a, b float64
	for _, phase := range constants.LatencyPhases {
		p := m.params[phase]
		a += p[0]
		b += p[1]
	}
	return []float64{a, b}
}

type analyticState struct {
	Kind           constants.ModelKind   `json:"kind"`
	Stage          string                `json:"stage"`
	Parallelizable bool                  `json:"parallelizable"`
	Params         map[string][2]float64 `json:"params"`
}

func (m *Analytic) Save(w io.Writer) error {
	if m.params == nil {
		return ErrNotTrained
	}
	st := analyticState{
		Kind:           constants.ModelAnalytic,
		Stage:          m.info.ID,
		Parallelizable: m.info.Parallelizable,
		Params:         make(map[string][2]float64, len(m.params)),
	}
	for phase, p := range m.params {
		st.Params[string(phase)] = p
	}
	return json.NewEncoder(w).Encode(st)
}

func (m *Analytic) Load(r io.Reader) error {
	var st analyticState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return err
	}
	if st.Kind != constants.ModelAnalytic {
		return fmt.Errorf("unexpected model kind %q", st.Kind)
	}
	m.info.Parallelizable = st.Parallelizable
	m.params = make(map[constants.Phase][2]float64, len(st.Params))
	for phase, p := range st.Params {
		m.params[constants.Phase(phase)] = p
	}
	return nil
}
