package tasks

import (
	"math"
	"sort"
)

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64, m float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - m
		sumSquaredDiff += diff * diff
	}
	return math.Sqrt(sumSquaredDiff / float64(len(values)-1))
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := p * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func median(values []float64) float64 {
	return percentile(values, 0.5)
}

// mad is the median absolute deviation around m.
func mad(values []float64, m float64) float64 {
	if len(values) == 0 {
		return 0
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - m)
	}
	return median(dev)
}

// sample picks at most limit evenly spaced values from plane.
func sample(plane []float64, limit int) []float64 {
	if len(plane) <= limit {
		out := make([]float64, len(plane))
		copy(out, plane)
		return out
	}
	step := len(plane) / limit
	out := make([]float64, 0, limit)
	for i := 0; i < len(plane) && len(out) < limit; i += step {
		out = append(out, plane[i])
	}
	return out
}

// noiseSigma estimates Gaussian noise from first differences, which cancels
// most of the large-scale signal.
func noiseSigma(plane []float64, width int) float64 {
	if width < 2 || len(plane) < 2 {
		return 0
	}
	diffs := make([]float64, 0, len(plane)/2)
	for i := 0; i+1 < len(plane); i += 2 {
		if (i+1)%width == 0 {
			continue
		}
		diffs = append(diffs, plane[i+1]-plane[i])
	}
	diffs = sample(diffs, 200000)
	return 1.4826 * mad(diffs, median(diffs)) / math.Sqrt2
}
