package optim

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Term evaluates one stage's closed form at its (workers, cpu) slice of the
// flat configuration vector.
type Term func(x []float64, coeffs []float64) float64

// StageExpr binds a Term to a stage index.
type StageExpr struct {
	Idx  int
	Term Term
}

// Expr is the sum of per-stage terms. The configuration vector interleaves
// (workers_i, cpu_i) in stage index order.
type Expr struct {
	terms []StageExpr
}

// Sum composes stage expressions into one Expr.
func Sum(terms ...StageExpr) Expr {
	return Expr{terms: append([]StageExpr(nil), terms...)}
}

// Plus returns an Expr holding the terms of both.
func (e Expr) Plus(other Expr) Expr {
	return Sum(append(append([]StageExpr(nil), e.terms...), other.terms...)...)
}

// Stages returns the stage indices the expression reads.
func (e Expr) Stages() []int {
	out := make([]int, len(e.terms))
	for i, t := range e.terms {
		out[i] = t.Idx
	}
	return out
}

// Slice returns the (workers, cpu) pair of stage idx.
func Slice(x []float64, idx int) []float64 {
	return x[2*idx : 2*idx+2]
}

// Eval evaluates the expression with one coefficient row per stage.
func (e Expr) Eval(x []float64, coeffs [][]float64) float64 {
	var total float64
	for _, t := range e.terms {
		total += t.Term(Slice(x, t.Idx), coeffs[t.Idx])
	}
	return total
}

// EvalSamples evaluates the expression once per sample. samples is indexed
// stage, sample, coefficient; the sample count is the smallest one among
// the stages the expression reads.
func (e Expr) EvalSamples(x []float64, samples [][][]float64) []float64 {
	n := -1
	for _, t := range e.terms {
		if k := len(samples[t.Idx]); n < 0 || k < n {
			n = k
		}
	}
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for _, t := range e.terms {
		xs := Slice(x, t.Idx)
		for s := 0; s < n; s++ {
			out[s] += t.Term(xs, samples[t.Idx][s])
		}
	}
	return out
}

// ViolationRate is the fraction of samples whose value exceeds bound.
func (e Expr) ViolationRate(x []float64, samples [][][]float64, bound float64) float64 {
	vals := e.EvalSamples(x, samples)
	if len(vals) == 0 {
		return 0
	}
	var over int
	for _, v := range vals {
		if v > bound {
			over++
		}
	}
	return float64(over) / float64(len(vals))
}

// Quantile is the empirical q-quantile of the sampled values.
func (e Expr) Quantile(x []float64, samples [][][]float64, q float64) float64 {
	vals := e.EvalSamples(x, samples)
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return stat.Quantile(q, stat.Empirical, vals, nil)
}
