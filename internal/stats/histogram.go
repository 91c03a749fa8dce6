package stats

import (
	"fmt"
	"math"
)

// Histogram is a fixed-bucket accumulator used when the sample count makes
// exact sorting too expensive. Percentiles read from a histogram are
// approximate: the error bound is one bucket width, i.e. (max-min)/buckets
// as configured at construction.
type Histogram struct {
	min    float64
	max    float64
	width  float64
	counts []uint64
	total  uint64

	// Exact extremes are tracked so Min/Max stay precise even though
	// in-bucket positions are not.
	observedMin float64
	observedMax float64
	sum         float64
}

// NewHistogram creates a histogram covering [min, max) with the given number
// of buckets. Values outside the range clamp into the edge buckets.
func NewHistogram(min, max float64, buckets int) (*Histogram, error) {
	if buckets <= 0 {
		return nil, fmt.Errorf("histogram buckets must be positive, got %d", buckets)
	}
	if max <= min {
		return nil, fmt.Errorf("histogram range invalid: [%v, %v)", min, max)
	}
	return &Histogram{
		min:         min,
		max:         max,
		width:       (max - min) / float64(buckets),
		counts:      make([]uint64, buckets),
		observedMin: math.Inf(1),
		observedMax: math.Inf(-1),
	}, nil
}

// Observe records a single sample.
func (h *Histogram) Observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	idx := int((v - h.min) / h.width)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(h.counts) {
		idx = len(h.counts) - 1
	}
	h.counts[idx]++
	h.total++
	h.sum += v
	if v < h.observedMin {
		h.observedMin = v
	}
	if v > h.observedMax {
		h.observedMax = v
	}
}

// Count returns the number of observed samples.
func (h *Histogram) Count() uint64 { return h.total }

// Sum returns the running sum of observed samples.
func (h *Histogram) Sum() float64 { return h.sum }

// ErrorBound returns the worst-case absolute error of Quantile: one bucket
// width.
func (h *Histogram) ErrorBound() float64 { return h.width }

// Quantile returns the approximate nearest-rank quantile for p in (0,1].
// The returned value is the upper edge of the bucket containing the target
// rank, clamped to the observed extremes.
func (h *Histogram) Quantile(p float64) float64 {
	if h.total == 0 {
		return math.NaN()
	}
	rank := uint64(math.Ceil(p * float64(h.total)))
	if rank < 1 {
		rank = 1
	}
	if rank > h.total {
		rank = h.total
	}

	var seen uint64
	for i, c := range h.counts {
		seen += c
		if seen >= rank {
			v := h.min + float64(i+1)*h.width
			if v > h.observedMax {
				v = h.observedMax
			}
			if v < h.observedMin {
				v = h.observedMin
			}
			return v
		}
	}
	return h.observedMax
}

// Engine selects between exact sorting and the bounded histogram based on
// sample count, trading exactness for bounded memory above the threshold.
type Engine struct {
	// ExactThreshold is the largest sample count computed exactly. Above
	// it, percentiles come from a Histogram with HistogramBuckets buckets.
	ExactThreshold   int
	HistogramBuckets int
}

// NewEngine returns an engine with the default exact/approximate boundary.
func NewEngine() *Engine {
	return &Engine{
		ExactThreshold:   100_000,
		HistogramBuckets: 2048,
	}
}

// PercentileSet computes the requested percentiles, exact below the
// threshold and histogram-approximated above it.
func (e *Engine) PercentileSet(samples []float64, ps []float64) ([]float64, bool) {
	if len(samples) <= e.ExactThreshold {
		return PercentileSet(samples, ps), true
	}

	min, max := math.Inf(1), math.Inf(-1)
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if min >= max {
		// Degenerate distribution, exact answer is free.
		return PercentileSet(samples, ps), true
	}

	h, err := NewHistogram(min, max, e.HistogramBuckets)
	if err != nil {
		return PercentileSet(samples, ps), true
	}
	for _, v := range samples {
		h.Observe(v)
	}
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = h.Quantile(p)
	}
	return out, false
}
