package perfmodel

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// CombineMode selects how two stage distributions are composed.
type CombineMode string

const (
	// CombineParallel is the distribution of max(X, Y) for independent X, Y:
	// the CDFs multiply.
	CombineParallel CombineMode = "parallel"
	// CombineSeries is the distribution of X + Y: a discrete convolution.
	CombineSeries CombineMode = "in-series"
)

// Distribution is a discrete latency distribution. Data is strictly
// ascending and Prob sums to one.
type Distribution struct {
	Data []float64 `json:"data"`
	Prob []float64 `json:"prob"`
}

// NewDistribution builds the empirical distribution of values.
func NewDistribution(values []float64) Distribution {
	prob := make([]float64, len(values))
	for i := range prob {
		prob[i] = 1
	}
	return fromPairs(values, prob)
}

// fromPairs sorts, merges equal values and normalizes.
func fromPairs(data, prob []float64) Distribution {
	type pt struct{ v, p float64 }
	pts := make([]pt, 0, len(data))
	for i := range data {
		if math.IsNaN(data[i]) || math.IsInf(data[i], 0) || prob[i] <= 0 {
			continue
		}
		pts = append(pts, pt{data[i], prob[i]})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].v < pts[j].v })

	var d Distribution
	for _, p := range pts {
		n := len(d.Data)
		if n > 0 && d.Data[n-1] == p.v {
			d.Prob[n-1] += p.p
			continue
		}
		d.Data = append(d.Data, p.v)
		d.Prob = append(d.Prob, p.p)
	}
	d.normalize()
	return d
}

func (d *Distribution) normalize() {
	total := floats.Sum(d.Prob)
	if total <= 0 {
		return
	}
	floats.Scale(1/total, d.Prob)
}

// Len is the number of support points.
func (d Distribution) Len() int { return len(d.Data) }

// Empty reports whether the distribution has no support.
func (d Distribution) Empty() bool { return len(d.Data) == 0 }

// Reduce collapses the distribution to at most max points. Contiguous
// buckets of near-equal probability mass become one point at their
// probability-weighted mean carrying their total probability, which keeps
// Data ascending. A point heavier than one bucket stays on its own.
func (d Distribution) Reduce(max int) Distribution {
	n := len(d.Data)
	if max <= 0 || n <= max {
		return d
	}
	total := floats.Sum(d.Prob)
	if total <= 0 {
		return d
	}
	step := total / float64(max)
	out := Distribution{
		Data: make([]float64, 0, max),
		Prob: make([]float64, 0, max),
	}
	var cum, p, wv float64
	next := step
	lo := 0
	for i := 0; i < n; i++ {
		cum += d.Prob[i]
		p += d.Prob[i]
		wv += d.Prob[i] * d.Data[i]
		last := i == n-1
		if !last && (cum < next*(1-1e-12) || len(out.Data) == max-1) {
			continue
		}
		v := wv / p
		if p == 0 {
			v = floats.Sum(d.Data[lo:i+1]) / float64(i+1-lo)
		}
		out.Data = append(out.Data, v)
		out.Prob = append(out.Prob, p)
		p, wv, lo = 0, 0, i+1
		for next <= cum*(1+1e-12) {
			next += step
		}
	}
	out.normalize()
	return out
}

// cdfAt returns P(X <= v) treating the distribution as a step function.
func (d Distribution) cdfAt(v float64) float64 {
	i := sort.Search(len(d.Data), func(i int) bool { return d.Data[i] > v })
	if i == 0 {
		return 0
	}
	return math.Min(1, floats.Sum(d.Prob[:i]))
}

func (d Distribution) cumulative() []float64 {
	cdf := make([]float64, len(d.Prob))
	floats.CumSum(cdf, d.Prob)
	return cdf
}

// Combine composes d with other and reduces the result to max points.
func (d Distribution) Combine(other Distribution, mode CombineMode, max int) Distribution {
	if d.Empty() {
		return other.Reduce(max)
	}
	if other.Empty() {
		return d.Reduce(max)
	}
	switch mode {
	case CombineSeries:
		data := make([]float64, 0, len(d.Data)*len(other.Data))
		prob := make([]float64, 0, len(d.Data)*len(other.Data))
		for i := range d.Data {
			for j := range other.Data {
				data = append(data, d.Data[i]+other.Data[j])
				prob = append(prob, d.Prob[i]*other.Prob[j])
			}
		}
		return fromPairs(data, prob).Reduce(max)
	default:
		support := append(append([]float64(nil), d.Data...), other.Data...)
		sort.Float64s(support)
		support = uniqueSorted(support)

		prob := make([]float64, len(support))
		prev := 0.0
		for i, v := range support {
			f := d.cdfAt(v) * other.cdfAt(v)
			prob[i] = f - prev
			prev = f
		}
		return fromPairs(support, prob).Reduce(max)
	}
}

func uniqueSorted(v []float64) []float64 {
	out := v[:0]
	for i, x := range v {
		if i == 0 || x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

// Mix blends two distributions: a w-weighted mixture of d and (1-w) of other.
func (d Distribution) Mix(other Distribution, w float64) Distribution {
	data := make([]float64, 0, len(d.Data)+len(other.Data))
	prob := make([]float64, 0, len(d.Data)+len(other.Data))
	for i := range d.Data {
		data = append(data, d.Data[i])
		prob = append(prob, d.Prob[i]*w)
	}
	for i := range other.Data {
		data = append(data, other.Data[i])
		prob = append(prob, other.Prob[i]*(1-w))
	}
	return fromPairs(data, prob)
}

// TailValue is the inverse CDF: the smallest value whose cumulative
// probability reaches percentile (0..1).
func (d Distribution) TailValue(percentile float64) float64 {
	if d.Empty() {
		return math.NaN()
	}
	cdf := d.cumulative()
	for i, c := range cdf {
		if c >= percentile-1e-12 {
			return d.Data[i]
		}
	}
	return d.Data[len(d.Data)-1]
}

// Probability is the CDF at value, linearly interpolated between the
// bracketing support points.
func (d Distribution) Probability(value float64) float64 {
	n := len(d.Data)
	if n == 0 || value < d.Data[0] {
		return 0
	}
	if value >= d.Data[n-1] {
		return 1
	}
	cdf := d.cumulative()
	i := sort.Search(n, func(i int) bool { return d.Data[i] > value }) - 1
	lo, hi := d.Data[i], d.Data[i+1]
	frac := (value - lo) / (hi - lo)
	return cdf[i] + frac*(cdf[i+1]-cdf[i])
}

// Mean is the expected value.
func (d Distribution) Mean() float64 {
	if d.Empty() {
		return 0
	}
	return floats.Dot(d.Data, d.Prob)
}
