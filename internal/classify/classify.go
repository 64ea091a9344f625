package classify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"stackengine/internal/frames"
)

// UnforcedFilter marks a filter hint as "not supplied". The empty string is a
// legitimate forced filter (no filter), so it cannot serve as the sentinel.
const UnforcedFilter = "?"

var (
	classKeys    = []string{"IMAGETYP"}
	filterKeys   = []string{"FILTER", "INSFLNAM"}
	binningKeys  = []string{"XBINNING", "BINNING", "CCDBINX"}
	exposureKeys = []string{"EXPTIME", "EXPOSURE"}
)

// Hints are caller-forced values. A field only counts as forced when it is
// semantically valid: Class above Unknown, Filter other than
// UnforcedFilter, Binning above zero, Exposure above zero.
type Hints struct {
	Class    frames.Class
	Filter   string
	Binning  int
	Exposure float64
}

// Unforced returns hints that force nothing.
func Unforced() Hints {
	return Hints{Filter: UnforcedFilter}
}

func (h Hints) complete() bool {
	return h.Class.Valid() && h.Filter != UnforcedFilter && h.Binning > 0 && (h.Exposure > 0 || h.Class == frames.Bias)
}

// Result is the resolved classification of one file.
type Result struct {
	Class    frames.Class
	Filter   string
	Binning  int
	Exposure float64
}

// ClassificationError reports a file whose class could not be determined.
type ClassificationError struct {
	Path string
	Err  error // keyword read failure, if any
}

func (e *ClassificationError) Error() string {
	msg := fmt.Sprintf("cannot determine frame type of %s", e.Path)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Classifier resolves class, filter, binning and exposure for a file.
type Classifier struct {
	reader KeywordReader
	logger *slog.Logger
}

// New returns a classifier reading metadata through reader.
func New(reader KeywordReader, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{reader: reader, logger: logger}
}

// Classify resolves each field independently: forced hint first, then
// metadata keywords, then (class only) the file name.
func (c *Classifier) Classify(ctx context.Context, path string, hints Hints) (Result, error) {
	res := Result{Class: frames.Unknown, Filter: "", Binning: 1}

	var keywords map[string]string
	var readErr error
	if !hints.complete() && c.reader != nil {
		keywords, readErr = c.reader.ReadKeywords(ctx, path)
		if readErr != nil {
			c.logger.Debug("metadata unavailable", "file", path, "error", readErr)
		}
	}

	switch {
	case hints.Class.Valid():
		res.Class = hints.Class
	default:
		if v, ok := first(keywords, classKeys); ok {
			res.Class = frames.ParseClass(v)
		}
		if res.Class == frames.Unknown {
			res.Class = classFromName(path)
		}
	}
	if res.Class == frames.Unknown {
		return Result{}, &ClassificationError{Path: path, Err: readErr}
	}

	if hints.Filter != UnforcedFilter {
		res.Filter = hints.Filter
	} else if v, ok := first(keywords, filterKeys); ok {
		res.Filter = v
	}

	if hints.Binning > 0 {
		res.Binning = hints.Binning
	} else if v, ok := first(keywords, binningKeys); ok {
		if b, ok := parseBinning(v); ok {
			res.Binning = b
		}
	}

	switch {
	case res.Class == frames.Bias:
		res.Exposure = 0
	case hints.Exposure > 0:
		res.Exposure = hints.Exposure
	default:
		res.Exposure = keywordExposure(keywords)
	}

	return res, nil
}

func keywordExposure(keywords map[string]string) float64 {
	if v, ok := first(keywords, exposureKeys); ok {
		if exp, ok := parseExposure(v); ok && exp > 0 {
			return exp
		}
	}
	if v, ok := keywords[FormatExposureKey]; ok {
		if exp, ok := parseExposure(v); ok && exp > 0 {
			return exp
		}
	}
	return 0
}

// first returns the value of the first key present with a non-empty value.
func first(keywords map[string]string, keys []string) (string, bool) {
	for _, k := range keys {
		if v := strings.TrimSpace(keywords[k]); v != "" {
			return v, true
		}
	}
	return "", false
}

// classFromName checks the base name for class words in priority order.
func classFromName(path string) frames.Class {
	name := strings.ToLower(filepath.Base(path))
	for _, class := range frames.Classes {
		if strings.Contains(name, class.String()) {
			return class
		}
	}
	return frames.Unknown
}

// parseBinning reads the leading integer of values like "2" or "2x2".
func parseBinning(v string) (int, bool) {
	v = strings.TrimSpace(v)
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	b, err := strconv.Atoi(v[:end])
	if err != nil || b < 1 {
		return 0, false
	}
	return b, true
}
