package tasks

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
	"golang.org/x/image/tiff"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// Previewer renders stretched, downscaled PNG previews of integrated
// images.
type Previewer struct {
	MaxSize int
}

func NewPreviewer(maxSize int) *Previewer {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Previewer{MaxSize: maxSize}
}

// Preview implements engine.Previewer.
func (p *Previewer) Preview(_ context.Context, src, dst string) error {
	img, err := p.load(src)
	if err != nil {
		return err
	}
	rgba := stretch(img)

	w, h := fitWithin(rgba.Bounds().Dx(), rgba.Bounds().Dy(), p.MaxSize)
	var out image.Image = rgba
	if w != rgba.Bounds().Dx() || h != rgba.Bounds().Dy() {
		out = transform.Resize(rgba, w, h, transform.Lanczos)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := imgio.Save(dst, out, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}

func (p *Previewer) load(src string) (*Image, error) {
	switch strings.ToLower(filepath.Ext(src)) {
	case ".tif", ".tiff":
		f, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		decoded, err := tiff.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", src, err)
		}
		return fromGoImage(decoded), nil
	}

	imagick.Initialize()
	defer imagick.Terminate()
	return readImage(src)
}

func fromGoImage(src image.Image) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out.Set(x, y, 0, float64(r)/0xffff)
			out.Set(x, y, 1, float64(g)/0xffff)
			out.Set(x, y, 2, float64(bl)/0xffff)
		}
	}
	return out
}

// stretch maps the 0.1 and 99.9 percentiles of the data to black and white
// and applies a square-root curve, which makes faint linear data visible.
func stretch(img *Image) *image.NRGBA {
	sub := sample(img.Pix, 250000)
	lo, hi := percentile(sub, 0.001), percentile(sub, 0.999)
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	out := image.NewNRGBA(image.Rect(0, 0, img.Width, img.Height))
	level := func(v float64) uint8 {
		v = math.Sqrt(math.Min(math.Max((v-lo)/span, 0), 1))
		return uint8(math.Round(v * 255))
	}
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			var c color.NRGBA
			if img.Channels == 1 {
				v := level(img.At(x, y, 0))
				c = color.NRGBA{R: v, G: v, B: v, A: 255}
			} else {
				c = color.NRGBA{R: level(img.At(x, y, 0)), G: level(img.At(x, y, 1)), B: level(img.At(x, y, 2)), A: 255}
			}
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func fitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, int(math.Max(1, math.Round(float64(h)*float64(limit)/float64(w))))
	}
	return int(math.Max(1, math.Round(float64(w)*float64(limit)/float64(h)))), limit
}
