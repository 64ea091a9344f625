package tasks

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"stackengine/internal/fsutil"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// bayerOffsets gives, for each pattern, the colour (0=R, 1=G, 2=B) at the
// four positions of the 2x2 cell in row-major order.
var bayerOffsets = map[string][4]int{
	"RGGB": {0, 1, 1, 2},
	"BGGR": {2, 1, 1, 0},
	"GRBG": {1, 0, 2, 1},
	"GBRG": {1, 2, 0, 1},
}

func cfaColor(cell [4]int, x, y int) int {
	return cell[(y%2)*2+x%2]
}

// Debayer demosaics CFA frames and writes Bayer-masked split copies.
type Debayer struct{}

func NewDebayer() *Debayer { return &Debayer{} }

// Debayer implements engine.Debayerer.
func (d *Debayer) Debayer(_ context.Context, src, pattern, method, outDir string) (string, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	img, err := readImage(src)
	if err != nil {
		return "", err
	}
	rgb, err := demosaic(img, pattern, method)
	if err != nil {
		return "", err
	}
	out := fsutil.WithSuffix(outDir, src, "_d", filepath.Ext(src))
	return out, writeImage(out, rgb)
}

// Split implements engine.BayerSplitter.
func (d *Debayer) Split(_ context.Context, src, pattern, outDir string) (string, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	img, err := readImage(src)
	if err != nil {
		return "", err
	}
	split, err := bayerSplit(img, pattern)
	if err != nil {
		return "", err
	}
	out := fsutil.WithSuffix(outDir, src, "_b", filepath.Ext(src))
	return out, writeImage(out, split)
}

func cellFor(img *Image, pattern string) ([4]int, error) {
	cell, ok := bayerOffsets[strings.ToUpper(pattern)]
	if !ok {
		return cell, fmt.Errorf("unknown Bayer pattern %q", pattern)
	}
	if img.Channels != 1 {
		return cell, fmt.Errorf("CFA frame must have one channel, got %d", img.Channels)
	}
	return cell, nil
}

func demosaic(img *Image, pattern, method string) (*Image, error) {
	cell, err := cellFor(img, pattern)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(method) {
	case "bilinear", "":
		return bilinear(img, cell), nil
	case "superpixel":
		return superpixel(img, cell), nil
	}
	return nil, fmt.Errorf("unknown debayer method %q", method)
}

// bilinear averages the same-colour neighbours in the 3x3 window around
// each pixel. Edges are mirrored, which keeps the Bayer parity.
func bilinear(img *Image, cell [4]int) *Image {
	w, h := img.Width, img.Height
	out := NewImage(w, h, 3)
	reflect := func(v, hi int) int {
		if v < 0 {
			v = -v
		}
		if v >= hi {
			v = 2*(hi-1) - v
		}
		if v < 0 {
			return 0
		}
		return v
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [3]float64
			var count [3]int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sx, sy := reflect(x+dx, w), reflect(y+dy, h)
					col := cfaColor(cell, sx, sy)
					sum[col] += img.At(sx, sy, 0)
					count[col]++
				}
			}
			own := cfaColor(cell, x, y)
			for c := 0; c < 3; c++ {
				switch {
				case c == own:
					out.Set(x, y, c, img.At(x, y, 0))
				case count[c] > 0:
					out.Set(x, y, c, sum[c]/float64(count[c]))
				}
			}
		}
	}
	return out
}

// superpixel collapses each 2x2 cell into one RGB pixel at half resolution.
func superpixel(img *Image, cell [4]int) *Image {
	out := NewImage(img.Width/2, img.Height/2, 3)
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			var sum [3]float64
			var count [3]int
			for i := 0; i < 4; i++ {
				sx, sy := 2*x+i%2, 2*y+i/2
				col := cell[i]
				sum[col] += img.At(sx, sy, 0)
				count[col]++
			}
			for c := 0; c < 3; c++ {
				out.Set(x, y, c, sum[c]/float64(count[c]))
			}
		}
	}
	return out
}

// bayerSplit places every CFA sample in its own colour channel and leaves
// the other two channels at zero.
func bayerSplit(img *Image, pattern string) (*Image, error) {
	cell, err := cellFor(img, pattern)
	if err != nil {
		return nil, err
	}
	out := NewImage(img.Width, img.Height, 3)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			out.Set(x, y, cfaColor(cell, x, y), img.At(x, y, 0))
		}
	}
	return out, nil
}
