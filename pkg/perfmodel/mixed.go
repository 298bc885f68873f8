package perfmodel

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"

	"serverless-dag-tuner/pkg/api/v1alpha1"
	"serverless-dag-tuner/pkg/constants"
)

// Indices into a merged Mixed coefficient set.
const (
	CoefCold = iota
	CoefX
	CoefKdD
	CoefLogX
	CoefX2
	CoefConst
	NumCoefficients
)

// ScalingForm is how a phase's latency scales with the resource knobs.
type ScalingForm string

const (
	// FormPerWorker: a/c + b, driven by the vCPUs of one worker.
	FormPerWorker ScalingForm = "per_worker"
	// FormTotal: a/d + b with d = cpu*workers (compute adds log and quadratic terms).
	FormTotal ScalingForm = "total"
	// FormHybrid: a/d + b/c + e, a total term plus a worker-count term (w/d = 1/c).
	FormHybrid ScalingForm = "hybrid"
)

var mixedPhases = []constants.Phase{constants.PhaseRead, constants.PhaseCompute, constants.PhaseWrite}

// mixedInput is the fitting input: x[0] = cpu per worker, x[1] = total vCPUs.
func mixedInput(cfg v1alpha1.ResourceConfig, parallel bool) []float64 {
	c := cfg.CPU
	if !parallel {
		return []float64{c, c}
	}
	return []float64{c, c * float64(cfg.Workers)}
}

func curveFor(phase constants.Phase, form ScalingForm) (fitFunc, int) {
	switch form {
	case FormPerWorker:
		return func(x, p []float64) float64 { return p[0]/x[0] + p[1] }, 2
	case FormHybrid:
		return func(x, p []float64) float64 { return p[0]/x[1] + p[1]/x[0] + p[2] }, 3
	default:
		if phase == constants.PhaseCompute {
			return func(x, p []float64) float64 {
				d := x[1]
				return p[0]/d + p[1]*math.Log(d)/d + p[2]/(d*d) + p[3]
			}, 4
		}
		return totalCurve, 2
	}
}

// totalCurve is a/d + b, also the compute form when too few distinct points
// support the log and quadratic terms.
func totalCurve(x, p []float64) float64 { return p[0]/x[1] + p[1] }

// curveWith returns the curve of form for exactly k parameters.
func curveWith(phase constants.Phase, form ScalingForm, k int) fitFunc {
	f, n := curveFor(phase, form)
	if form == FormTotal && k == 2 && n != 2 {
		return totalCurve
	}
	return f
}

// PhaseFit is the selected scaling form of one phase with its fit.
type PhaseFit struct {
	Form   ScalingForm `json:"form"`
	Params []float64   `json:"params"`
	Cov    [][]float64 `json:"cov"`
	RelErr float64     `json:"rel_err"`
}

func (pf PhaseFit) eval(phase constants.Phase, x []float64) float64 {
	return curveWith(phase, pf.Form, len(pf.Params))(x, pf.Params)
}

// Mixed is the white-box/black-box model Jolteon consumes. Each phase keeps
// the scaling form with the lowest relative fitting error; the phases are
// merged into the coefficient set {cold, x, kd_d, logx, x2, const} evaluated
// by Term.
type Mixed struct {
	info StageInfo
	seed int64

	phases     map[constants.Phase]PhaseFit
	coldMean   float64
	coldStdErr float64
	coeffs     []float64
}

// NewMixed returns an untrained mixed model.
func NewMixed(info StageInfo, seed int64) *Mixed {
	return &Mixed{info: info, seed: seed}
}

func (m *Mixed) Kind() constants.ModelKind { return constants.ModelMixed }

func (m *Mixed) Train(profile v1alpha1.StageProfile) error {
	if err := checkProfile(profile); err != nil {
		return fmt.Errorf("stage %s: %w", m.info.ID, err)
	}
	start := time.Now()
	defer func() { observeTraining(constants.ModelMixed, start) }()

	configs := profile.Configs()
	distinct := map[[2]float64]struct{}{}
	for _, cfg := range configs {
		x := mixedInput(cfg, m.info.Parallelizable)
		distinct[[2]float64{x[0], x[1]}] = struct{}{}
	}

	phases := make(map[constants.Phase]PhaseFit, len(mixedPhases))
	for _, phase := range mixedPhases {
		var xs [][]float64
		var ys []float64
		for _, cfg := range configs {
			x := mixedInput(cfg, m.info.Parallelizable)
			for _, v := range flatten(phaseMatrix(profile[cfg], phase)) {
				xs = append(xs, x)
				ys = append(ys, v)
			}
		}
		if len(ys) == 0 {
			f, k := FormTotal, 2
			if phase == constants.PhaseCompute {
				k = 4
			}
			phases[phase] = PhaseFit{Form: f, Params: make([]float64, k), Cov: zeroCov(k)}
			continue
		}

		candidates := []ScalingForm{FormTotal}
		if m.info.Parallelizable {
			candidates = []ScalingForm{FormPerWorker, FormTotal, FormHybrid}
		}

		best := PhaseFit{RelErr: math.Inf(1)}
		for _, form := range candidates {
			f, k := curveFor(phase, form)
			if k > len(distinct) && k > 2 {
				if form != FormTotal {
					continue
				}
				f, k = totalCurve, 2
			}
			p0 := make([]float64, k)
			p0[0] = 1
			p0[k-1] = stat.Mean(ys, nil)
			res, err := curveFit(f, xs, ys, p0)
			if err != nil {
				return fmt.Errorf("stage %s: fit %s/%s: %w", m.info.ID, phase, form, err)
			}
			klog.V(5).Infof("Stage %s mixed %s candidate %s: relErr=%.4f params=%v",
				m.info.ID, phase, form, res.RelErr, res.Params)
			if res.RelErr < best.RelErr {
				best = PhaseFit{Form: form, Params: res.Params, Cov: res.Cov, RelErr: res.RelErr}
			}
		}
		if best.Params == nil {
			return fmt.Errorf("stage %s: no finite fit for %s", m.info.ID, phase)
		}
		klog.V(4).Infof("Stage %s mixed %s: form=%s relErr=%.4f", m.info.ID, phase, best.Form, best.RelErr)
		phases[phase] = best
	}

	var cold []float64
	for _, cfg := range configs {
		cold = append(cold, flatten(profile[cfg].ColdStart)...)
	}
	m.coldMean, m.coldStdErr = 0, 0
	if len(cold) > 0 {
		m.coldMean = stat.Mean(cold, nil)
		if len(cold) > 1 {
			m.coldStdErr = stat.StdDev(cold, nil) / math.Sqrt(float64(len(cold)))
		}
	}

	m.phases = phases
	m.coeffs = m.merge(m.coldMean, func(p constants.Phase) []float64 { return phases[p].Params })
	return nil
}

// merge folds per-phase parameters into one coefficient set.
//
// The not-parallelizable branch drops the read and write intercepts and
// keeps only the compute intercept in const, unlike the parallelizable
// branch which sums all three.
func (m *Mixed) merge(cold float64, params func(constants.Phase) []float64) []float64 {
	out := make([]float64, NumCoefficients)
	out[CoefCold] = cold

	for _, phase := range mixedPhases {
		p := params(phase)
		form := m.phases[phase].Form
		if !m.info.Parallelizable {
			out[CoefX] += p[0]
			if phase != constants.PhaseCompute {
				continue
			}
			if len(p) == 4 {
				out[CoefLogX] += p[1]
				out[CoefX2] += p[2]
				out[CoefConst] += p[3]
			} else {
				out[CoefConst] += p[len(p)-1]
			}
			continue
		}
		switch form {
		case FormPerWorker:
			out[CoefKdD] += p[0]
			out[CoefConst] += p[1]
		case FormHybrid:
			out[CoefX] += p[0]
			out[CoefKdD] += p[1]
			out[CoefConst] += p[2]
		default:
			out[CoefX] += p[0]
			if len(p) == 4 {
				out[CoefLogX] += p[1]
				out[CoefX2] += p[2]
				out[CoefConst] += p[3]
			} else {
				out[CoefConst] += p[1]
			}
		}
	}
	return out
}

// Term evaluates a merged coefficient set at workers w and cpu c:
// cold + x/d + kd_d*w/d + logx*ln(d)/d + x2/d^2 + const with d = w*c.
func Term(w, c float64, coeffs []float64) float64 {
	d := w * c
	if d <= 0 {
		return constants.PenaltyValue
	}
	return coeffs[CoefCold] +
		coeffs[CoefX]/d +
		coeffs[CoefKdD]*w/d +
		coeffs[CoefLogX]*math.Log(d)/d +
		coeffs[CoefX2]/(d*d) +
		coeffs[CoefConst]
}

func (m *Mixed) PredictTime(cfg v1alpha1.ResourceConfig) (v1alpha1.Prediction, error) {
	if m.phases == nil {
		return v1alpha1.Prediction{}, ErrNotTrained
	}
	x := mixedInput(cfg, m.info.Parallelizable)
	pred := v1alpha1.Prediction{
		Read:      m.phases[constants.PhaseRead].eval(constants.PhaseRead, x),
		Compute:   m.phases[constants.PhaseCompute].eval(constants.PhaseCompute, x),
		Write:     m.phases[constants.PhaseWrite].eval(constants.PhaseWrite, x),
		ColdStart: m.coldMean,
	}
	pred.Total = pred.Read + pred.Compute + pred.Write + pred.ColdStart
	return pred, nil
}

// Parameters returns the mean merged coefficient set.
func (m *Mixed) Parameters() []float64 {
	return append([]float64(nil), m.coeffs...)
}

// Forms reports the selected scaling form per phase.
func (m *Mixed) Forms() map[constants.Phase]ScalingForm {
	out := make(map[constants.Phase]ScalingForm, len(m.phases))
	for p, f := range m.phases {
		out[p] = f.Form
	}
	return out
}

// SampleOffline draws n merged coefficient sets. Every phase's parameters
// come from a multivariate normal around the fit using its covariance; cold
// start comes from a normal around its mean. Draws are reproducible for a
// given seed.
func (m *Mixed) SampleOffline(n int) ([][]float64, error) {
	if m.phases == nil {
		return nil, ErrNotTrained
	}
	if n <= 0 {
		return nil, nil
	}
	src := rand.NewSource(uint64(m.seed) + uint64(m.info.Idx)*7919)

	draws := make(map[constants.Phase][][]float64, len(mixedPhases))
	for _, phase := range mixedPhases {
		pf := m.phases[phase]
		rows := make([][]float64, n)
		normal, ok := distmv.NewNormal(pf.Params, symDense(pf.Cov), src)
		if !ok {
			klog.V(4).Infof("Stage %s: %s covariance not positive definite, sampling the mean", m.info.ID, phase)
		}
		for i := range rows {
			if ok {
				rows[i] = normal.Rand(nil)
			} else {
				rows[i] = append([]float64(nil), pf.Params...)
			}
		}
		draws[phase] = rows
	}

	var coldDist *distuv.Normal
	if m.coldStdErr > 0 {
		coldDist = &distuv.Normal{Mu: m.coldMean, Sigma: m.coldStdErr, Src: src}
	}

	out := make([][]float64, n)
	for i := range out {
		cold := m.coldMean
		if coldDist != nil {
			cold = coldDist.Rand()
		}
		out[i] = m.merge(cold, func(p constants.Phase) []float64 { return draws[p][i] })
	}
	sampledCoefficientSets.WithLabelValues(m.info.ID).Add(float64(n))
	return out, nil
}

type mixedState struct {
	Kind           constants.ModelKind `json:"kind"`
	Stage          string              `json:"stage"`
	Parallelizable bool                `json:"parallelizable"`
	Phases         map[string]PhaseFit `json:"phases"`
	ColdMean       float64             `json:"cold_mean"`
	ColdStdErr     float64             `json:"cold_stderr"`
}

func (m *Mixed) Save(w io.Writer) error {
	if m.phases == nil {
		return ErrNotTrained
	}
	st := mixedState{
		Kind:           constants.ModelMixed,
		Stage:          m.info.ID,
		Parallelizable: m.info.Parallelizable,
		Phases:         make(map[string]PhaseFit, len(m.phases)),
		ColdMean:       m.coldMean,
		ColdStdErr:     m.coldStdErr,
	}
	for p, f := range m.phases {
		st.Phases[string(p)] = f
	}
	return json.NewEncoder(w).Encode(st)
}

func (m *Mixed) Load(r io.Reader) error {
	var st mixedState
	if err := json.NewDecoder(r).Decode(&st); err != nil {
		return err
	}
	if st.Kind != constants.ModelMixed {
		return fmt.Errorf("unexpected model kind %q", st.Kind)
	}
	m.info.Parallelizable = st.Parallelizable
	m.phases = make(map[constants.Phase]PhaseFit, len(st.Phases))
	for p, f := range st.Phases {
		m.phases[constants.Phase(p)] = f
	}
	for _, p := range mixedPhases {
		if _, ok := m.phases[p]; !ok {
			return fmt.Errorf("missing phase %s", p)
		}
	}
	m.coldMean, m.coldStdErr = st.ColdMean, st.ColdStdErr
	m.coeffs = m.merge(m.coldMean, func(p constants.Phase) []float64 { return m.phases[p].Params })
	return nil
}
