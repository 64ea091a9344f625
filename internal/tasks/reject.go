package tasks

import (
	"math"
	"sort"

	"stackengine/internal/config"
)

const maxClipIterations = 10

// rejector flags outliers in the samples of one pixel. Samples are already
// normalized for rejection.
type rejector struct {
	rc config.RejectionConfig

	order []int
	work  []float64
}

// reject marks rejected samples in mask and returns how many fell below and
// above the centre of the distribution.
func (r *rejector) reject(samples []float64, mask []bool) (low, high int) {
	for i := range mask {
		mask[i] = false
	}
	switch r.rc.Rejection {
	case config.RejectMinMax:
		return r.minMax(samples, mask)
	case config.RejectPercentile:
		return r.percentileClip(samples, mask)
	case config.RejectSigma, config.RejectCCDClip:
		return r.sigmaClip(samples, mask, false)
	case config.RejectWinsorized:
		return r.sigmaClip(samples, mask, true)
	case config.RejectAveragedSigma:
		return r.averagedSigmaClip(samples, mask)
	case config.RejectLinearFit:
		return r.linearFitClip(samples, mask)
	}
	return 0, 0
}

func (r *rejector) kept(samples []float64, mask []bool) []float64 {
	r.work = r.work[:0]
	for i, v := range samples {
		if !mask[i] {
			r.work = append(r.work, v)
		}
	}
	return r.work
}

func (r *rejector) minMax(samples []float64, mask []bool) (low, high int) {
	n := len(samples)
	if r.rc.MinMaxLow+r.rc.MinMaxHigh >= n {
		return 0, 0
	}
	r.order = r.order[:0]
	for i := range samples {
		r.order = append(r.order, i)
	}
	sort.SliceStable(r.order, func(a, b int) bool { return samples[r.order[a]] < samples[r.order[b]] })
	for i := 0; i < r.rc.MinMaxLow; i++ {
		mask[r.order[i]] = true
		low++
	}
	for i := 0; i < r.rc.MinMaxHigh; i++ {
		mask[r.order[n-1-i]] = true
		high++
	}
	return low, high
}

func (r *rejector) percentileClip(samples []float64, mask []bool) (low, high int) {
	m := median(samples)
	if m == 0 {
		return 0, 0
	}
	for i, v := range samples {
		switch {
		case (m-v)/m > r.rc.PercentileLow:
			mask[i] = true
			low++
		case (v-m)/m > r.rc.PercentileHigh:
			mask[i] = true
			high++
		}
	}
	return low, high
}

// sigmaClip iterates until no new sample is rejected. The winsorized variant
// estimates sigma from values pulled in to 1.5 sigma of the median.
func (r *rejector) sigmaClip(samples []float64, mask []bool, winsorize bool) (low, high int) {
	for iter := 0; iter < maxClipIterations; iter++ {
		active := r.kept(samples, mask)
		if len(active) < 3 {
			break
		}
		m := median(active)
		var sigma float64
		if winsorize {
			sigma = winsorizedSigma(active, m)
		} else {
			sigma = stdDev(active, mean(active))
		}
		if sigma == 0 {
			break
		}

		rejected := 0
		for i, v := range samples {
			if mask[i] {
				continue
			}
			switch {
			case v < m-r.rc.SigmaLow*sigma:
				mask[i] = true
				low++
				rejected++
			case v > m+r.rc.SigmaHigh*sigma:
				mask[i] = true
				high++
				rejected++
			}
		}
		if rejected == 0 {
			break
		}
	}
	return low, high
}

func winsorizedSigma(values []float64, m float64) float64 {
	sigma := stdDev(values, mean(values))
	w := make([]float64, len(values))
	for iter := 0; iter < maxClipIterations && sigma > 0; iter++ {
		lo, hi := m-1.5*sigma, m+1.5*sigma
		for i, v := range values {
			w[i] = math.Min(math.Max(v, lo), hi)
		}
		next := 1.134 * stdDev(w, mean(w))
		if math.Abs(next-sigma) < sigma*0.0005 {
			return next
		}
		sigma = next
	}
	return sigma
}

// averagedSigmaClip derives sigma from the mean absolute deviation, which is
// steadier than the sample deviation on the small stacks it targets.
func (r *rejector) averagedSigmaClip(samples []float64, mask []bool) (low, high int) {
	for iter := 0; iter < maxClipIterations; iter++ {
		active := r.kept(samples, mask)
		if len(active) < 3 {
			break
		}
		m := median(active)
		dev := 0.0
		for _, v := range active {
			dev += math.Abs(v - m)
		}
		sigma := 1.2533 * dev / float64(len(active))
		if sigma == 0 {
			break
		}

		rejected := 0
		for i, v := range samples {
			if mask[i] {
				continue
			}
			switch {
			case v < m-r.rc.SigmaLow*sigma:
				mask[i] = true
				low++
				rejected++
			case v > m+r.rc.SigmaHigh*sigma:
				mask[i] = true
				high++
				rejected++
			}
		}
		if rejected == 0 {
			break
		}
	}
	return low, high
}

// linearFitClip fits a line through the sorted samples and rejects those
// too far from it.
func (r *rejector) linearFitClip(samples []float64, mask []bool) (low, high int) {
	r.order = r.order[:0]
	for i := range samples {
		r.order = append(r.order, i)
	}
	sort.SliceStable(r.order, func(a, b int) bool { return samples[r.order[a]] < samples[r.order[b]] })

	for iter := 0; iter < maxClipIterations; iter++ {
		var sx, sy, sxx, sxy, n float64
		for rank, idx := range r.order {
			if mask[idx] {
				continue
			}
			x, y := float64(rank), samples[idx]
			sx += x
			sy += y
			sxx += x * x
			sxy += x * y
			n++
		}
		if n < 3 {
			break
		}
		den := n*sxx - sx*sx
		if den == 0 {
			break
		}
		b := (n*sxy - sx*sy) / den
		a := (sy - b*sx) / n

		dev := 0.0
		for rank, idx := range r.order {
			if !mask[idx] {
				dev += math.Abs(samples[idx] - (a + b*float64(rank)))
			}
		}
		sigma := dev / n
		if sigma == 0 {
			break
		}

		rejected := 0
		for rank, idx := range r.order {
			if mask[idx] {
				continue
			}
			res := samples[idx] - (a + b*float64(rank))
			switch {
			case res < -r.rc.LinearFitLow*sigma:
				mask[idx] = true
				low++
				rejected++
			case res > r.rc.LinearFitHigh*sigma:
				mask[idx] = true
				high++
				rejected++
			}
		}
		if rejected == 0 {
			break
		}
	}
	return low, high
}

// combine merges the unmasked values. Weights are used by the average only.
func combine(method config.Combination, values, weights []float64, mask []bool, scratch []float64) float64 {
	scratch = scratch[:0]
	var sum, wsum float64
	for i, v := range values {
		if mask[i] {
			continue
		}
		scratch = append(scratch, v)
		sum += weights[i] * v
		wsum += weights[i]
	}
	if len(scratch) == 0 {
		return median(values)
	}
	switch method {
	case config.CombineMedian:
		return median(scratch)
	case config.CombineMinimum:
		lo := scratch[0]
		for _, v := range scratch[1:] {
			lo = math.Min(lo, v)
		}
		return lo
	case config.CombineMaximum:
		hi := scratch[0]
		for _, v := range scratch[1:] {
			hi = math.Max(hi, v)
		}
		return hi
	}
	if wsum == 0 {
		return mean(scratch)
	}
	return sum / wsum
}
