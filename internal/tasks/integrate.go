package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"stackengine/internal/engine"
	"stackengine/internal/logging"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Integrator combines frames pixel by pixel with outlier rejection.
type Integrator struct {
	log *slog.Logger
}

func NewIntegrator(logger *slog.Logger) *Integrator {
	return &Integrator{log: logger}
}

// Integrate implements engine.Integrator.
func (s *Integrator) Integrate(ctx context.Context, req engine.IntegrateRequest) (engine.IntegrateResult, error) {
	start := time.Now()
	if len(req.Targets) == 0 {
		return engine.IntegrateResult{}, fmt.Errorf("no images provided")
	}
	if err := req.Rejection.Validate(); err != nil {
		return engine.IntegrateResult{}, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	stack := make([]*Image, 0, len(req.Targets))
	for i, path := range req.Targets {
		if err := ctx.Err(); err != nil {
			return engine.IntegrateResult{}, err
		}
		s.log.Debug("loading frame", "index", i+1, "total", len(req.Targets), "file", filepath.Base(path))
		img, err := readImage(path)
		if err != nil {
			return engine.IntegrateResult{}, err
		}
		stack = append(stack, img)
	}

	res, err := integrateImages(stack, req)
	if err != nil {
		return engine.IntegrateResult{}, err
	}

	if err := writeImage(req.Output, res.image); err != nil {
		return engine.IntegrateResult{}, err
	}
	out := engine.IntegrateResult{Path: req.Output}
	if req.GenerateRejectionMaps {
		for _, m := range []struct {
			name string
			img  *Image
		}{{"rejection_low", res.low}, {"rejection_high", res.high}} {
			path := mapPath(req.Output, m.name)
			if err := writeImage(path, m.img); err != nil {
				return engine.IntegrateResult{}, err
			}
			out.RejectionMaps = append(out.RejectionMaps, path)
		}
	}

	logging.LogProcessingStep(s.log, "integrate", string(req.Rejection.Rejection), "complete", map[string]any{
		"frames":   len(stack),
		"rejected": res.rejected,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	})
	return out, nil
}

func mapPath(output, name string) string {
	ext := filepath.Ext(output)
	return strings.TrimSuffix(output, ext) + "_" + name + ext
}

type integration struct {
	image    *Image
	low      *Image
	high     *Image
	rejected int64
}

// frameStats holds per-channel location and scale of one frame.
type frameStats struct {
	location []float64
	scale    []float64
	noise    float64
}

func measure(img *Image) frameStats {
	st := frameStats{location: make([]float64, img.Channels), scale: make([]float64, img.Channels)}
	for c := 0; c < img.Channels; c++ {
		plane := img.Channel(c)
		sub := sample(plane, 250000)
		m := median(sub)
		st.location[c] = m
		st.scale[c] = 1.4826 * mad(sub, m)
		if c == 0 {
			st.noise = noiseSigma(plane, img.Width)
		}
	}
	return st
}

// normalizer maps a raw sample of frame i, channel c onto the reference
// frame's level.
type normalizer func(v float64, i, c int) float64

func locationScale(stats []frameStats, scale bool) normalizer {
	ref := stats[0]
	return func(v float64, i, c int) float64 {
		st := stats[i]
		if scale && st.scale[c] > 0 {
			return (v-st.location[c])*ref.scale[c]/st.scale[c] + ref.location[c]
		}
		return v - st.location[c] + ref.location[c]
	}
}

func multiplicative(stats []frameStats) normalizer {
	ref := stats[0]
	return func(v float64, i, c int) float64 {
		if stats[i].location[c] == 0 {
			return v
		}
		return v * ref.location[c] / stats[i].location[c]
	}
}

func identity(v float64, _, _ int) float64 { return v }

func outputNormalizer(n engine.Normalization, stats []frameStats) normalizer {
	switch n {
	case engine.NormalizeAdditive:
		return locationScale(stats, false)
	case engine.NormalizeMultiplicative:
		return multiplicative(stats)
	case engine.NormalizeAdditiveWithScaling:
		return locationScale(stats, true)
	}
	return identity
}

func rejectionNormalizer(n engine.RejectionNormalization, stats []frameStats) normalizer {
	switch n {
	case engine.RejectionNormScale:
		return locationScale(stats, true)
	case engine.RejectionNormEqualizeFluxes:
		return multiplicative(stats)
	}
	return identity
}

func frameWeights(w engine.Weighting, stats []frameStats) []float64 {
	weights := make([]float64, len(stats))
	for i, st := range stats {
		weights[i] = 1
		var sigma float64
		switch w {
		case engine.WeightMAD:
			sigma = mean(st.scale)
		case engine.WeightNoiseEvaluation:
			sigma = st.noise
		}
		if sigma > 0 {
			weights[i] = 1 / (sigma * sigma)
		}
	}
	return weights
}

// integrateImages is the pixel engine behind Integrate.
func integrateImages(stack []*Image, req engine.IntegrateRequest) (*integration, error) {
	first := stack[0]
	for _, img := range stack[1:] {
		if !img.SameShape(first) {
			return nil, fmt.Errorf("frame geometry mismatch: %dx%dx%d vs %dx%dx%d",
				img.Width, img.Height, img.Channels, first.Width, first.Height, first.Channels)
		}
	}

	stats := make([]frameStats, len(stack))
	for i, img := range stack {
		stats[i] = measure(img)
	}
	outNorm := outputNormalizer(req.Normalization, stats)
	rejNorm := rejectionNormalizer(req.RejectionNormalization, stats)
	weights := frameWeights(req.Weighting, stats)

	res := &integration{
		image: NewImage(first.Width, first.Height, first.Channels),
		low:   NewImage(first.Width, first.Height, first.Channels),
		high:  NewImage(first.Width, first.Height, first.Channels),
	}

	n := len(stack)
	rej := &rejector{rc: req.Rejection}
	values := make([]float64, n)
	forReject := make([]float64, n)
	mask := make([]bool, n)
	scratch := make([]float64, 0, n)

	for p := range first.Pix {
		c := p % first.Channels
		clipped := 0
		for i, img := range stack {
			v := img.Pix[p]
			values[i] = outNorm(v, i, c)
			forReject[i] = rejNorm(v, i, c)
		}

		low, high := rej.reject(forReject, mask)
		if req.HighClip > 0 {
			for i, img := range stack {
				if !mask[i] && img.Pix[p] >= req.HighClip {
					mask[i] = true
					clipped++
				}
			}
		}
		high += clipped

		res.image.Pix[p] = combine(req.Rejection.Combination, values, weights, mask, scratch)
		res.low.Pix[p] = float64(low) / float64(n)
		res.high.Pix[p] = float64(high) / float64(n)
		res.rejected += int64(low + high)
	}
	return res, nil
}
