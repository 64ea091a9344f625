package tasks

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"
)

func TestPreviewFromTIFF(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "light.tif")

	img := image.NewGray16(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray16(x, y, color.Gray16{Y: uint16(x * 1000)})
		}
	}
	f, err := os.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := tiff.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
	f.Close()

	dst := filepath.Join(dir, "preview", "light.png")
	if err := NewPreviewer(16).Preview(context.Background(), src, dst); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	out, err := os.Open(dst)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()
	decoded, err := png.Decode(out)
	if err != nil {
		t.Fatalf("preview is not a PNG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Fatalf("expected 16x8 preview, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestStretchMapsRangeToFullScale(t *testing.T) {
	img := gradient(100, 1, 0.01, 0.0001)
	rgba := stretch(img)
	if lo := rgba.NRGBAAt(0, 0).R; lo != 0 {
		t.Fatalf("expected black point at 0, got %d", lo)
	}
	if hi := rgba.NRGBAAt(99, 0).R; hi != 255 {
		t.Fatalf("expected white point at 255, got %d", hi)
	}
}

func TestFitWithin(t *testing.T) {
	cases := []struct{ w, h, limit, ew, eh int }{
		{100, 50, 200, 100, 50},
		{400, 200, 100, 100, 50},
		{200, 400, 100, 50, 100},
		{1000, 1, 10, 10, 1},
	}
	for _, c := range cases {
		if w, h := fitWithin(c.w, c.h, c.limit); w != c.ew || h != c.eh {
			t.Fatalf("fitWithin(%d,%d,%d) = %d,%d; want %d,%d", c.w, c.h, c.limit, w, h, c.ew, c.eh)
		}
	}
}
