package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"stackengine/internal/engine"
	"stackengine/internal/frames"
	"stackengine/internal/fsutil"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Calibrator applies overscan, bias, dark and flat correction.
type Calibrator struct {
	log *slog.Logger
}

func NewCalibrator(logger *slog.Logger) *Calibrator {
	return &Calibrator{log: logger}
}

type masterSet struct {
	bias, dark, flat *Image
	flatLevel        float64
}

// Calibrate implements engine.Calibrator. A target that cannot be read is
// logged and left without output; a master that cannot be read fails the
// whole request.
func (c *Calibrator) Calibrate(ctx context.Context, req engine.CalibrateRequest) ([]engine.Output, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	var ms masterSet
	var err error
	if ms.bias, err = loadMaster(req.MasterBias); err != nil {
		return nil, err
	}
	if ms.dark, err = loadMaster(req.MasterDark); err != nil {
		return nil, err
	}
	if ms.flat, err = loadMaster(req.MasterFlat); err != nil {
		return nil, err
	}
	if ms.flat != nil {
		ms.flatLevel = mean(sample(ms.flat.Pix, 250000))
		if ms.flatLevel <= 0 {
			return nil, fmt.Errorf("master flat %s has no signal", req.MasterFlat)
		}
	}

	outs := make([]engine.Output, 0, len(req.Targets))
	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := fsutil.WithSuffix(req.OutputDir, target, req.Postfix, req.Suffix)
		outs = append(outs, engine.Output{Source: target, Path: out})

		img, err := readImage(target)
		if err != nil {
			c.log.Warn("skipping unreadable frame", "file", target, "error", err)
			continue
		}
		cal, err := calibrateImage(img, ms, req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", target, err)
		}
		if err := writeImage(out, cal); err != nil {
			return nil, err
		}
	}
	c.log.Info("calibrated frames", "class", req.Class, "count", len(outs))
	return outs, nil
}

func loadMaster(path string) (*Image, error) {
	if path == "" {
		return nil, nil
	}
	img, err := readImage(path)
	if err != nil {
		return nil, fmt.Errorf("master frame: %w", err)
	}
	return img, nil
}

func calibrateImage(img *Image, ms masterSet, req engine.CalibrateRequest) (*Image, error) {
	out := img
	if req.Overscan != nil && req.Overscan.Enabled {
		var err error
		if out, err = applyOverscan(out, *req.Overscan); err != nil {
			return nil, err
		}
	} else {
		out = img.Clone()
	}

	for name, m := range map[string]*Image{"bias": ms.bias, "dark": ms.dark, "flat": ms.flat} {
		if m != nil && !m.SameShape(out) {
			return nil, fmt.Errorf("master %s is %dx%dx%d, frame is %dx%dx%d",
				name, m.Width, m.Height, m.Channels, out.Width, out.Height, out.Channels)
		}
	}

	if ms.bias != nil {
		for i := range out.Pix {
			out.Pix[i] -= ms.bias.Pix[i]
		}
	}

	if ms.dark != nil {
		thermal := ms.dark.Pix
		if ms.bias != nil {
			thermal = make([]float64, len(ms.dark.Pix))
			for i := range thermal {
				thermal[i] = ms.dark.Pix[i] - ms.bias.Pix[i]
			}
		}
		k := 1.0
		if req.OptimizeDark {
			k = darkScale(out.Pix, thermal)
		}
		for i := range out.Pix {
			out.Pix[i] -= k * thermal[i]
		}
	}

	if ms.flat != nil {
		for i := range out.Pix {
			f := ms.flat.Pix[i] / ms.flatLevel
			if f > 0 {
				out.Pix[i] /= f
			}
		}
	}

	if req.Class == frames.Flat && req.LargeScaleRejection {
		fillNonPositive(out)
	}
	return out, nil
}

// darkScale is the least-squares factor k minimizing the residual of
// frame - k*dark, clamped to [0, 2].
func darkScale(frame, dark []float64) float64 {
	fm, dm := mean(frame), mean(dark)
	var cov, vr float64
	for i := range frame {
		d := dark[i] - dm
		cov += (frame[i] - fm) * d
		vr += d * d
	}
	if vr == 0 {
		return 1
	}
	return math.Min(math.Max(cov/vr, 0), 2)
}

// fillNonPositive replaces dead or over-subtracted flat pixels with the
// channel median so later division stays finite.
func fillNonPositive(img *Image) {
	for c := 0; c < img.Channels; c++ {
		m := median(sample(img.Channel(c), 250000))
		for p := c; p < len(img.Pix); p += img.Channels {
			if img.Pix[p] <= 0 {
				img.Pix[p] = m
			}
		}
	}
}

// applyOverscan subtracts the mean of each enabled source area from its
// target area and crops the result.
func applyOverscan(img *Image, o frames.Overscan) (*Image, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	bounds := frames.Rect{X1: img.Width, Y1: img.Height}
	work := img.Clone()
	for i, reg := range o.Regions {
		if !reg.Enabled {
			continue
		}
		if !inside(reg.Source, bounds) || !inside(reg.Target, bounds) {
			return nil, &frames.InvalidOverscanError{Region: i, Reason: "rectangle outside image " + bounds.String()}
		}
		for c := 0; c < img.Channels; c++ {
			var sum float64
			for y := reg.Source.Y0; y < reg.Source.Y1; y++ {
				for x := reg.Source.X0; x < reg.Source.X1; x++ {
					sum += img.At(x, y, c)
				}
			}
			level := sum / float64(reg.Source.Width()*reg.Source.Height())
			for y := reg.Target.Y0; y < reg.Target.Y1; y++ {
				for x := reg.Target.X0; x < reg.Target.X1; x++ {
					work.Set(x, y, c, work.At(x, y, c)-level)
				}
			}
		}
	}

	if !inside(o.Crop, bounds) {
		return nil, &frames.InvalidOverscanError{Region: -1, Reason: "crop outside image " + bounds.String()}
	}
	out := NewImage(o.Crop.Width(), o.Crop.Height(), img.Channels)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			for c := 0; c < img.Channels; c++ {
				out.Set(x, y, c, work.At(x+o.Crop.X0, y+o.Crop.Y0, c))
			}
		}
	}
	return out, nil
}

func inside(r, bounds frames.Rect) bool {
	return r.X0 >= bounds.X0 && r.Y0 >= bounds.Y0 && r.X1 <= bounds.X1 && r.Y1 <= bounds.Y1
}
