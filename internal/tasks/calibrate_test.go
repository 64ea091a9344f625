package tasks

import (
	"errors"
	"math"
	"testing"

	"stackengine/internal/engine"
	"stackengine/internal/frames"
)

func gradient(w, h int, base, step float64) *Image {
	img := NewImage(w, h, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, 0, base+step*float64(x+y*w))
		}
	}
	return img
}

func TestCalibrateImageBiasDarkFlat(t *testing.T) {
	const w, h = 4, 4
	bias := flatImage(w, h, 1, 0.1)
	thermal := gradient(w, h, 0.01, 0.002)
	dark := bias.Clone()
	for i := range dark.Pix {
		dark.Pix[i] += thermal.Pix[i]
	}
	flat := flatImage(w, h, 1, 0.5)
	flat.Set(0, 0, 0, 0.25)

	signal := 0.3
	light := NewImage(w, h, 1)
	for i := range light.Pix {
		gain := flat.Pix[i] / 0.5
		light.Pix[i] = bias.Pix[i] + thermal.Pix[i] + signal*gain
	}

	ms := masterSet{bias: bias, dark: dark, flat: flat, flatLevel: 0.5}
	out, err := calibrateImage(light, ms, engine.CalibrateRequest{Class: frames.Light})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i, v := range out.Pix {
		if math.Abs(v-signal) > 1e-9 {
			t.Fatalf("sample %d: expected %v, got %v", i, signal, v)
		}
	}
	if light.Pix[0] == out.Pix[0] {
		t.Fatalf("calibration must not modify its input")
	}
}

func TestCalibrateOptimizeDark(t *testing.T) {
	thermal := gradient(8, 8, 0, 0.001)
	light := NewImage(8, 8, 1)
	for i := range light.Pix {
		light.Pix[i] = 0.2 + 0.5*thermal.Pix[i]
	}

	if k := darkScale(light.Pix, thermal.Pix); math.Abs(k-0.5) > 1e-9 {
		t.Fatalf("expected dark scale 0.5, got %v", k)
	}

	out, err := calibrateImage(light, masterSet{dark: thermal}, engine.CalibrateRequest{Class: frames.Light, OptimizeDark: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i, v := range out.Pix {
		if math.Abs(v-0.2) > 1e-9 {
			t.Fatalf("sample %d: expected 0.2, got %v", i, v)
		}
	}
}

func TestCalibrateRejectsMismatchedMaster(t *testing.T) {
	_, err := calibrateImage(flatImage(4, 4, 1, 0.5), masterSet{bias: flatImage(2, 2, 1, 0)}, engine.CalibrateRequest{})
	if err == nil {
		t.Fatalf("expected geometry error")
	}
}

func TestCalibrateFlatLargeScaleRejection(t *testing.T) {
	flat := flatImage(3, 3, 1, 0.5)
	flat.Set(1, 1, 0, -0.01)
	out, err := calibrateImage(flat, masterSet{}, engine.CalibrateRequest{Class: frames.Flat, LargeScaleRejection: true})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := out.At(1, 1, 0); got != 0.5 {
		t.Fatalf("expected dead pixel filled with 0.5, got %v", got)
	}
}

func TestApplyOverscan(t *testing.T) {
	img := flatImage(6, 4, 1, 0.7)
	for y := 0; y < 4; y++ {
		img.Set(4, y, 0, 0.2)
		img.Set(5, y, 0, 0.2)
	}
	o := frames.Overscan{
		Enabled: true,
		Crop:    frames.Rect{X0: 0, Y0: 0, X1: 4, Y1: 4},
	}
	o.Regions[0] = frames.OverscanRegion{
		Enabled: true,
		Source:  frames.Rect{X0: 4, Y0: 0, X1: 6, Y1: 4},
		Target:  frames.Rect{X0: 0, Y0: 0, X1: 4, Y1: 4},
	}

	out, err := applyOverscan(img, o)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.Width != 4 || out.Height != 4 {
		t.Fatalf("expected 4x4 crop, got %dx%d", out.Width, out.Height)
	}
	for i, v := range out.Pix {
		if math.Abs(v-0.5) > 1e-9 {
			t.Fatalf("sample %d: expected 0.5, got %v", i, v)
		}
	}

	o.Crop = frames.Rect{X0: 0, Y0: 0, X1: 10, Y1: 4}
	_, err = applyOverscan(img, o)
	var oe *frames.InvalidOverscanError
	if !errors.As(err, &oe) || oe.Region != -1 {
		t.Fatalf("expected crop error, got %v", err)
	}
}
