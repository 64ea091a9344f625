package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Image is a frame held as normalized [0,1] samples, row-major and
// channel-interleaved.
type Image struct {
	Width    int
	Height   int
	Channels int // 1 for mono/CFA data, 3 for RGB
	Pix      []float64
}

// NewImage allocates a zeroed image.
func NewImage(width, height, channels int) *Image {
	return &Image{Width: width, Height: height, Channels: channels, Pix: make([]float64, width*height*channels)}
}

func (img *Image) index(x, y, c int) int {
	return (y*img.Width+x)*img.Channels + c
}

// At returns the sample at (x, y) in channel c.
func (img *Image) At(x, y, c int) float64 {
	return img.Pix[img.index(x, y, c)]
}

// Set stores v at (x, y) in channel c.
func (img *Image) Set(x, y, c int, v float64) {
	img.Pix[img.index(x, y, c)] = v
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	out := &Image{Width: img.Width, Height: img.Height, Channels: img.Channels, Pix: make([]float64, len(img.Pix))}
	copy(out.Pix, img.Pix)
	return out
}

// SameShape reports whether two images can be combined pixel by pixel.
func (img *Image) SameShape(other *Image) bool {
	return img.Width == other.Width && img.Height == other.Height && img.Channels == other.Channels
}

// Channel copies one channel into a plane.
func (img *Image) Channel(c int) []float64 {
	out := make([]float64, img.Width*img.Height)
	for i := range out {
		out[i] = img.Pix[i*img.Channels+c]
	}
	return out
}

// readImage loads a frame through ImageMagick. Grayscale sources keep a
// single channel so CFA mosaics survive untouched.
func readImage(path string) (*Image, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()

	pmap, channels := "RGB", 3
	switch mw.GetImageType() {
	case imagick.IMAGE_TYPE_GRAYSCALE, imagick.IMAGE_TYPE_BILEVEL:
		pmap, channels = "I", 1
	}

	pixels, err := mw.ExportImagePixels(0, 0, width, height, pmap, imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels from %s: %w", path, err)
	}

	img := &Image{Width: int(width), Height: int(height), Channels: channels}
	switch v := pixels.(type) {
	case []float64:
		img.Pix = v
	case []float32:
		img.Pix = make([]float64, len(v))
		for i, val := range v {
			img.Pix[i] = float64(val)
		}
	default:
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}
	return img, nil
}

// writeImage stores img in the format implied by the file extension.
func writeImage(path string, img *Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	pmap := "RGB"
	if img.Channels == 1 {
		pmap = "I"
	}
	if err := mw.ConstituteImage(uint(img.Width), uint(img.Height), pmap, imagick.PIXEL_DOUBLE, img.Pix); err != nil {
		return fmt.Errorf("failed to create result image: %w", err)
	}

	if err := mw.SetImageFormat(formatFor(path)); err != nil {
		return fmt.Errorf("failed to set image format: %w", err)
	}
	if err := mw.SetImageDepth(32); err != nil {
		return fmt.Errorf("failed to set image depth: %w", err)
	}
	if err := mw.WriteImage(path); err != nil {
		return fmt.Errorf("failed to write result %s: %w", path, err)
	}
	return nil
}

func formatFor(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "fit", "fits", "fts":
		return "FITS"
	case "tif", "tiff":
		return "TIFF"
	case "":
		return "FITS"
	default:
		return strings.ToUpper(ext)
	}
}
