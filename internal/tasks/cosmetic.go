package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"

	"stackengine/internal/engine"
	"stackengine/internal/fsutil"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Pixel is one defect coordinate.
type Pixel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CosmeticTemplate is a stored template with its correction parameters.
type CosmeticTemplate struct {
	engine.Template
	HotSigma  float64 `json:"hot_sigma"`
	ColdSigma float64 `json:"cold_sigma"`
	Defects   []Pixel `json:"defects"`
}

type templateFile struct {
	Templates []CosmeticTemplate `json:"templates"`
}

// TemplateStore is the catalogue of processing templates read from a JSON
// file.
type TemplateStore struct {
	byID map[string]CosmeticTemplate
}

// LoadTemplates reads the template file. A missing file yields an empty
// store.
func LoadTemplates(path string) (*TemplateStore, error) {
	ts := &TemplateStore{byID: map[string]CosmeticTemplate{}}
	if path == "" {
		return ts, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ts, nil
		}
		return nil, err
	}
	var tf templateFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return nil, fmt.Errorf("parse template file %s: %w", path, err)
	}
	for _, t := range tf.Templates {
		if t.ID == "" {
			return nil, fmt.Errorf("template file %s: template without id", path)
		}
		ts.byID[t.ID] = t
	}
	return ts, nil
}

// Lookup implements engine.TemplateCatalog.
func (ts *TemplateStore) Lookup(id string) (engine.Template, bool) {
	t, ok := ts.byID[id]
	return t.Template, ok
}

// Cosmetic returns the full template.
func (ts *TemplateStore) Cosmetic(id string) (CosmeticTemplate, bool) {
	t, ok := ts.byID[id]
	return t, ok
}

// List returns the templates ordered by id.
func (ts *TemplateStore) List() []engine.Template {
	out := make([]engine.Template, 0, len(ts.byID))
	for _, t := range ts.byID {
		out = append(out, t.Template)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CosmeticCorrector replaces listed defects and statistical outliers with
// the median of their neighbours.
type CosmeticCorrector struct {
	store *TemplateStore
	log   *slog.Logger
}

func NewCosmeticCorrector(store *TemplateStore, logger *slog.Logger) *CosmeticCorrector {
	return &CosmeticCorrector{store: store, log: logger}
}

// Apply implements engine.CosmeticCorrector.
func (cc *CosmeticCorrector) Apply(ctx context.Context, req engine.CosmeticRequest) ([]engine.Output, error) {
	tpl, ok := cc.store.Cosmetic(req.TemplateID)
	if !ok {
		return nil, &engine.TemplateNotFoundError{ID: req.TemplateID}
	}
	if tpl.Kind != engine.TemplateKindCosmetic {
		return nil, &engine.TemplateTypeError{ID: tpl.ID, Kind: tpl.Kind}
	}

	imagick.Initialize()
	defer imagick.Terminate()

	outs := make([]engine.Output, 0, len(req.Targets))
	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := readImage(target)
		if err != nil {
			return nil, err
		}
		fixed, n := correctDefects(img, tpl)
		out := fsutil.WithSuffix(req.OutputDir, target, req.Postfix, req.Suffix)
		if err := writeImage(out, fixed); err != nil {
			return nil, err
		}
		cc.log.Debug("cosmetic correction", "file", target, "pixels", n)
		outs = append(outs, engine.Output{Source: target, Path: out})
	}
	return outs, nil
}

// correctDefects returns the corrected copy and the number of replaced
// samples. With a CFA template only same-colour neighbours, two pixels
// apart, are considered.
func correctDefects(img *Image, tpl CosmeticTemplate) (*Image, int) {
	out := img.Clone()
	step := 1
	if tpl.CFA {
		step = 2
	}

	defect := make(map[Pixel]bool, len(tpl.Defects))
	for _, p := range tpl.Defects {
		defect[p] = true
	}

	floors := make([]float64, img.Channels)
	for c := range floors {
		floors[c] = math.Max(noiseSigma(img.Channel(c), img.Width), 1e-6)
	}

	fixed := 0
	neigh := make([]float64, 0, 8)
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			for c := 0; c < img.Channels; c++ {
				neigh = neigh[:0]
				for dy := -step; dy <= step; dy += step {
					for dx := -step; dx <= step; dx += step {
						nx, ny := x+dx, y+dy
						if (dx == 0 && dy == 0) || nx < 0 || ny < 0 || nx >= img.Width || ny >= img.Height {
							continue
						}
						neigh = append(neigh, img.At(nx, ny, c))
					}
				}
				if len(neigh) == 0 {
					continue
				}
				m := median(neigh)
				sigma := math.Max(1.4826*mad(neigh, m), floors[c])
				v := img.At(x, y, c)

				replace := defect[Pixel{X: x, Y: y}]
				if !replace && tpl.HotSigma > 0 && v > m+tpl.HotSigma*sigma {
					replace = true
				}
				if !replace && tpl.ColdSigma > 0 && v < m-tpl.ColdSigma*sigma {
					replace = true
				}
				if replace {
					out.Set(x, y, c, m)
					fixed++
				}
			}
		}
	}
	return out, fixed
}
