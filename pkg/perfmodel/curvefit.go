package perfmodel

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// fitFunc evaluates a parametric curve at one input point.
type fitFunc func(x, p []float64) float64

// fitResult is the outcome of a least-squares fit.
type fitResult struct {
	Params []float64   `json:"params"`
	Cov    [][]float64 `json:"cov"`
	RelErr float64     `json:"rel_err"`
}

const (
	lmMaxIterations = 100
	lmInitLambda    = 1e-3
	lmMaxLambda     = 1e12
	lmTolerance     = 1e-12
)

var errEmptyFit = errors.New("curve fit: no observations")

// curveFit minimizes the squared residuals of f over (xs, ys) with a
// Levenberg-Marquardt iteration, starting at p0. The covariance is
// s^2 * (J^T J)^-1 at the optimum; a singular J^T J yields a zero covariance.
func curveFit(f fitFunc, xs [][]float64, ys []float64, p0 []float64) (fitResult, error) {
	n, k := len(ys), len(p0)
	if n == 0 || len(xs) != n {
		return fitResult{}, errEmptyFit
	}

	predict := func(y, p []float64) {
		for i := range xs {
			y[i] = f(xs[i], p)
		}
	}
	cost := func(p []float64) float64 {
		var s float64
		for i := range xs {
			r := ys[i] - f(xs[i], p)
			s += r * r
		}
		return s
	}

	p := append([]float64(nil), p0...)
	cur := cost(p)
	lambda := lmInitLambda
	jac := mat.NewDense(n, k, nil)
	pred := make([]float64, n)
	resid := mat.NewVecDense(n, nil)

	for iter := 0; iter < lmMaxIterations; iter++ {
		fd.Jacobian(jac, predict, p, &fd.JacobianSettings{Formula: fd.Central})
		predict(pred, p)
		for i := range ys {
			resid.SetVec(i, ys[i]-pred[i])
		}

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), resid)

		improved := false
		for lambda <= lmMaxLambda {
			a := mat.DenseCopyOf(&jtj)
			for d := 0; d < k; d++ {
				a.Set(d, d, jtj.At(d, d)*(1+lambda)+lambda*1e-12)
			}
			var step mat.VecDense
			if err := step.SolveVec(a, &jtr); err != nil {
				lambda *= 10
				continue
			}
			next := make([]float64, k)
			for d := range next {
				next[d] = p[d] + step.AtVec(d)
			}
			nc := cost(next)
			if !math.IsNaN(nc) && nc < cur {
				rel := (cur - nc) / math.Max(cur, lmTolerance)
				p, cur = next, nc
				lambda = math.Max(lambda/10, 1e-15)
				improved = rel > lmTolerance
				break
			}
			lambda *= 10
		}
		if !improved {
			break
		}
	}

	fd.Jacobian(jac, predict, p, &fd.JacobianSettings{Formula: fd.Central})
	return fitResult{
		Params: p,
		Cov:    covariance(jac, cur, n, k),
		RelErr: relativeError(f, xs, ys, p),
	}, nil
}

func covariance(jac *mat.Dense, ssr float64, n, k int) [][]float64 {
	out := make([][]float64, k)
	for i := range out {
		out[i] = make([]float64, k)
	}
	if n <= k {
		return out
	}
	var jtj, inv mat.Dense
	jtj.Mul(jac.T(), jac)
	if err := inv.Inverse(&jtj); err != nil {
		return out
	}
	s2 := ssr / float64(n-k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			v := s2 * (inv.At(i, j) + inv.At(j, i)) / 2
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return zeroCov(k)
			}
			out[i][j] = v
		}
	}
	return out
}

func zeroCov(k int) [][]float64 {
	out := make([][]float64, k)
	for i := range out {
		out[i] = make([]float64, k)
	}
	return out
}

func relativeError(f fitFunc, xs [][]float64, ys []float64, p []float64) float64 {
	var sum float64
	var cnt int
	for i := range xs {
		if ys[i] == 0 {
			continue
		}
		sum += math.Abs(f(xs[i], p)-ys[i]) / math.Abs(ys[i])
		cnt++
	}
	if cnt == 0 {
		return 0
	}
	return sum / float64(cnt)
}

func symDense(cov [][]float64) *mat.SymDense {
	k := len(cov)
	data := make([]float64, 0, k*k)
	for i := 0; i < k; i++ {
		data = append(data, cov[i]...)
	}
	return mat.NewSymDense(k, data)
}
