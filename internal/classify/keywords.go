package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"stackengine/internal/fsutil"

	"github.com/barasher/go-exiftool"
)

// FormatExposureKey carries an exposure time reported by the file format
// itself (EXIF ExposureTime for camera RAW files) rather than by a header
// keyword.
const FormatExposureKey = "FORMAT:EXPOSURE"

const (
	fitsCardSize   = 80
	fitsBlockCards = 36
	// Headers longer than this are treated as corrupt.
	fitsMaxBlocks = 64
)

// KeywordReader extracts metadata keywords from a frame file. Keys are
// upper case.
type KeywordReader interface {
	ReadKeywords(ctx context.Context, path string) (map[string]string, error)
}

// FITSReader reads the primary header of FITS files without touching the
// pixel data.
type FITSReader struct{}

func (FITSReader) ReadKeywords(_ context.Context, path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return readFITSHeader(f)
}

func readFITSHeader(r io.Reader) (map[string]string, error) {
	keywords := make(map[string]string)
	card := make([]byte, fitsCardSize)

	for block := 0; block < fitsMaxBlocks; block++ {
		for i := 0; i < fitsBlockCards; i++ {
			if _, err := io.ReadFull(r, card); err != nil {
				return nil, fmt.Errorf("reading FITS header record: %w", err)
			}
			record := string(card)
			keyword := strings.ToUpper(strings.TrimSpace(record[:8]))

			if keyword == "END" {
				return keywords, nil
			}
			if record[8] != '=' || record[9] != ' ' || keyword == "" {
				continue
			}
			if value := parseFITSValue(record[10:]); value != "" {
				keywords[keyword] = value
			}
		}
	}
	return nil, errors.New("FITS header has no END card")
}

// parseFITSValue strips quotes and the trailing comment from a card value.
func parseFITSValue(field string) string {
	field = strings.TrimSpace(field)
	if strings.HasPrefix(field, "'") {
		// Quotes inside strings are doubled.
		var b strings.Builder
		for i := 1; i < len(field); i++ {
			if field[i] == '\'' {
				if i+1 < len(field) && field[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				break
			}
			b.WriteByte(field[i])
		}
		return strings.TrimRight(b.String(), " ")
	}
	if i := strings.IndexByte(field, '/'); i >= 0 {
		field = field[:i]
	}
	field = strings.TrimSpace(field)
	switch field {
	case "T":
		return "True"
	case "F":
		return "False"
	}
	return field
}

// ExifReader reads camera RAW and raster metadata through a long-lived
// exiftool process.
type ExifReader struct {
	mu sync.Mutex
	et *exiftool.Exiftool
}

// NewExifReader returns a reader that starts exiftool on first use.
func NewExifReader() *ExifReader {
	return &ExifReader{}
}

func (r *ExifReader) ReadKeywords(_ context.Context, path string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.et == nil {
		et, err := exiftool.NewExiftool()
		if err != nil {
			return nil, fmt.Errorf("exiftool failed: %w", err)
		}
		r.et = et
	}

	fis := r.et.ExtractMetadata(path)
	if len(fis) == 0 {
		return nil, fmt.Errorf("no metadata for %q", path)
	}
	fi := fis[0]
	if fi.Err != nil {
		return nil, fmt.Errorf("extract fail for %q: %w", path, fi.Err)
	}

	keywords := make(map[string]string, len(fi.Fields))
	for k := range fi.Fields {
		if s, err := fi.GetString(k); err == nil {
			keywords[strings.ToUpper(k)] = s
		}
	}
	if s, err := fi.GetString("ExposureTime"); err == nil {
		if exp, ok := parseExposure(s); ok {
			keywords[FormatExposureKey] = strconv.FormatFloat(exp, 'g', -1, 64)
		}
	}
	return keywords, nil
}

// Close stops the exiftool process.
func (r *ExifReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.et == nil {
		return nil
	}
	err := r.et.Close()
	r.et = nil
	return err
}

// CompositeReader dispatches on file extension: FITS files are parsed
// natively, everything else goes to Other.
type CompositeReader struct {
	FITS  KeywordReader
	Other KeywordReader
}

// NewCompositeReader wires the FITS and exiftool readers.
func NewCompositeReader() *CompositeReader {
	return &CompositeReader{FITS: FITSReader{}, Other: NewExifReader()}
}

func (c *CompositeReader) ReadKeywords(ctx context.Context, path string) (map[string]string, error) {
	if fsutil.IsFITSFile(path) {
		return c.FITS.ReadKeywords(ctx, path)
	}
	if c.Other == nil {
		return nil, fmt.Errorf("no metadata reader for %q", path)
	}
	return c.Other.ReadKeywords(ctx, path)
}

// Close releases the readers that hold external processes.
func (c *CompositeReader) Close() error {
	if cl, ok := c.Other.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// parseExposure accepts plain seconds or fractions such as "1/250".
func parseExposure(s string) (float64, bool) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "s"))
	if s == "" {
		return 0, false
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, false
		}
		return n / d, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
