package tasks

import (
	"math"
	"strings"
	"testing"

	"stackengine/internal/config"
	"stackengine/internal/engine"
)

func flatImage(w, h, channels int, v float64) *Image {
	img := NewImage(w, h, channels)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestIntegrateRejectsHotPixel(t *testing.T) {
	var stack []*Image
	for i := 0; i < 10; i++ {
		stack = append(stack, flatImage(4, 4, 1, 0.5))
	}
	hot := flatImage(4, 4, 1, 0.5)
	hot.Set(2, 1, 0, 1.0)
	stack = append(stack, hot)

	res, err := integrateImages(stack, engine.IntegrateRequest{
		Rejection: config.RejectionConfig{Combination: config.CombineAverage, Rejection: config.RejectSigma, SigmaLow: 3, SigmaHigh: 3},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := res.image.At(2, 1, 0); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected hot pixel to be rejected, got %v", got)
	}
	if got := res.high.At(2, 1, 0); math.Abs(got-1.0/11) > 1e-9 {
		t.Fatalf("expected high rejection fraction 1/11, got %v", got)
	}
	if res.rejected != 1 {
		t.Fatalf("expected 1 rejected sample, got %d", res.rejected)
	}
}

func TestIntegrateMultiplicativeNormalization(t *testing.T) {
	stack := []*Image{flatImage(3, 3, 3, 0.2), flatImage(3, 3, 3, 0.4), flatImage(3, 3, 3, 0.1)}
	res, err := integrateImages(stack, engine.IntegrateRequest{
		Rejection:     config.RejectionConfig{Combination: config.CombineAverage, Rejection: config.RejectNone},
		Normalization: engine.NormalizeMultiplicative,
		Weighting:     engine.WeightMAD,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for i, v := range res.image.Pix {
		if math.Abs(v-0.2) > 1e-9 {
			t.Fatalf("sample %d: expected 0.2, got %v", i, v)
		}
	}
}

func TestIntegrateAdditiveNormalization(t *testing.T) {
	a := flatImage(2, 2, 1, 0.3)
	b := flatImage(2, 2, 1, 0.5)
	b.Set(0, 0, 0, 0.6)
	res, err := integrateImages([]*Image{a, b}, engine.IntegrateRequest{
		Rejection:     config.RejectionConfig{Combination: config.CombineAverage, Rejection: config.RejectNone},
		Normalization: engine.NormalizeAdditive,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := res.image.At(1, 1, 0); math.Abs(got-0.3) > 1e-9 {
		t.Fatalf("expected 0.3 after offset removal, got %v", got)
	}
	if got := res.image.At(0, 0, 0); math.Abs(got-0.35) > 1e-9 {
		t.Fatalf("expected 0.35, got %v", got)
	}
}

func TestIntegrateHighClip(t *testing.T) {
	a, b := flatImage(2, 2, 1, 0.5), flatImage(2, 2, 1, 0.5)
	c := flatImage(2, 2, 1, 0.99)
	res, err := integrateImages([]*Image{a, b, c}, engine.IntegrateRequest{
		Rejection: config.RejectionConfig{Combination: config.CombineAverage, Rejection: config.RejectNone},
		HighClip:  0.98,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := res.image.At(0, 0, 0); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("expected clipped sample to be excluded, got %v", got)
	}
}

func TestIntegrateGeometryMismatch(t *testing.T) {
	_, err := integrateImages([]*Image{flatImage(2, 2, 1, 0), flatImage(3, 2, 1, 0)}, engine.IntegrateRequest{
		Rejection: config.DefaultRejection(0),
	})
	if err == nil || !strings.Contains(err.Error(), "geometry mismatch") {
		t.Fatalf("expected geometry mismatch, got %v", err)
	}
}

func TestFrameWeightsFavourQuietFrames(t *testing.T) {
	stats := []frameStats{
		{location: []float64{0.5}, scale: []float64{0.01}, noise: 0.01},
		{location: []float64{0.5}, scale: []float64{0.02}, noise: 0.04},
	}
	for _, w := range []engine.Weighting{engine.WeightMAD, engine.WeightNoiseEvaluation} {
		weights := frameWeights(w, stats)
		if weights[0] <= weights[1] {
			t.Fatalf("%s: expected first frame to weigh more, got %v", w, weights)
		}
	}
	if w := frameWeights(engine.WeightNone, stats); w[0] != 1 || w[1] != 1 {
		t.Fatalf("expected unit weights, got %v", w)
	}
}

func TestMapPath(t *testing.T) {
	if got := mapPath("/out/master/light-L-BIN1.fit", "rejection_low"); got != "/out/master/light-L-BIN1_rejection_low.fit" {
		t.Fatalf("unexpected map path %s", got)
	}
}
