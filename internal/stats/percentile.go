package stats

import (
	"math"
	"sort"
)

// Percentile computes the nearest-rank percentile of samples for p in (0,1].
// The nearest-rank method (position = clamp(ceil(p*n), 1, n)) is deliberate:
// downstream views were defined against it and interpolation would shift
// published values. Input order does not matter; the input slice is not
// modified.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

// PercentileSet computes nearest-rank percentiles for several p values with
// a single sort pass.
func PercentileSet(samples []float64, ps []float64) []float64 {
	out := make([]float64, len(ps))
	if len(samples) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	for i, p := range ps {
		out[i] = percentileSorted(sorted, p)
	}
	return out
}

// percentileSorted applies the nearest-rank rule to an already-sorted slice.
func percentileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	rank := int(math.Ceil(p * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Rate returns numerator/denominator as a fraction, guarding the zero
// denominator case with 0 rather than NaN so ratios render cleanly.
func Rate(numerator, denominator float64) float64 {
	if denominator == 0 {
		return 0
	}
	return numerator / denominator
}

// Summary bundles the descriptive statistics served to dashboards.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Summarize computes a Summary over raw samples with one sort.
func Summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return Summary{
		Count: len(sorted),
		Sum:   sum,
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / float64(len(sorted)),
		P50:   percentileSorted(sorted, 0.50),
		P90:   percentileSorted(sorted, 0.90),
		P95:   percentileSorted(sorted, 0.95),
		P99:   percentileSorted(sorted, 0.99),
	}
}
