package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"stackengine/internal/classify"
	"stackengine/internal/config"
	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
	"stackengine/internal/logging"

	"github.com/stretchr/testify/require"
)

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

type fakeIntegrator struct {
	calls  []IntegrateRequest
	failOn frames.Class
	class  func(IntegrateRequest) frames.Class
	during func()
}

func (f *fakeIntegrator) Integrate(_ context.Context, req IntegrateRequest) (IntegrateResult, error) {
	f.calls = append(f.calls, req)
	if f.during != nil {
		f.during()
	}
	if f.failOn != frames.Unknown && f.class != nil && f.class(req) == f.failOn {
		return IntegrateResult{}, fmt.Errorf("integration exploded")
	}
	if err := writeFile(req.Output, "integrated"); err != nil {
		return IntegrateResult{}, err
	}
	return IntegrateResult{Path: req.Output}, nil
}

type fakeCalibrator struct {
	calls []CalibrateRequest
	drop  map[string]bool
}

func (f *fakeCalibrator) Calibrate(_ context.Context, req CalibrateRequest) ([]Output, error) {
	f.calls = append(f.calls, req)
	var outs []Output
	for _, t := range req.Targets {
		out := fsutil.WithSuffix(req.OutputDir, t, req.Postfix, req.Suffix)
		if !f.drop[t] {
			if err := writeFile(out, "calibrated"); err != nil {
				return nil, err
			}
		}
		outs = append(outs, Output{Source: t, Path: out})
	}
	return outs, nil
}

type fakeCosmetic struct {
	calls []CosmeticRequest
}

func (f *fakeCosmetic) Apply(_ context.Context, req CosmeticRequest) ([]Output, error) {
	f.calls = append(f.calls, req)
	var outs []Output
	for _, t := range req.Targets {
		out := fsutil.WithSuffix(req.OutputDir, t, req.Postfix, req.Suffix)
		if err := writeFile(out, "cosmetized"); err != nil {
			return nil, err
		}
		outs = append(outs, Output{Source: t, Path: out})
	}
	return outs, nil
}

type fakeDebayerer struct {
	calls int
}

func (f *fakeDebayerer) Debayer(_ context.Context, src, pattern, method, outDir string) (string, error) {
	f.calls++
	out := fsutil.WithSuffix(outDir, src, "_d", filepath.Ext(src))
	return out, writeFile(out, "rgb")
}

type fakeSplitter struct{}

func (fakeSplitter) Split(_ context.Context, src, pattern, outDir string) (string, error) {
	out := fsutil.WithSuffix(outDir, src, "_b", filepath.Ext(src))
	return out, writeFile(out, "cfa")
}

type fakeRegistrar struct {
	calls []RegisterRequest
	// drizzleBody returns the drizzle file content for a source frame.
	drizzleBody func(src string) string
}

func (f *fakeRegistrar) Register(_ context.Context, req RegisterRequest) ([]RegisteredOutput, error) {
	f.calls = append(f.calls, req)
	var outs []RegisteredOutput
	for _, t := range req.Targets {
		out := fsutil.WithSuffix(req.OutputDir, t, req.Postfix, req.Suffix)
		if err := writeFile(out, "registered"); err != nil {
			return nil, err
		}
		ro := RegisteredOutput{Source: t, Path: out}
		if req.GenerateDrizzle {
			ro.DrizzlePath = out + ".xdrz"
			body := "P{" + t + "}"
			if f.drizzleBody != nil {
				body = f.drizzleBody(t)
			}
			if err := writeFile(ro.DrizzlePath, body); err != nil {
				return nil, err
			}
		}
		outs = append(outs, ro)
	}
	return outs, nil
}

type templateMap map[string]Template

func (m templateMap) Lookup(id string) (Template, bool) {
	t, ok := m[id]
	return t, ok
}

type memRecorder struct {
	runs []*RunResult
}

func (m *memRecorder) RecordRun(res *RunResult) error {
	m.runs = append(m.runs, res)
	return nil
}

type fixture struct {
	t       *testing.T
	cfg     *config.Config
	in      string
	integ   *fakeIntegrator
	calib   *fakeCalibrator
	reg     *fakeRegistrar
	deb     *fakeDebayerer
	cosm    *fakeCosmetic
	rec     *memRecorder
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.OutputDir = filepath.Join(t.TempDir(), "out")
	f := &fixture{
		t:     t,
		cfg:   cfg,
		in:    t.TempDir(),
		integ: &fakeIntegrator{},
		calib: &fakeCalibrator{drop: map[string]bool{}},
		reg:   &fakeRegistrar{},
		deb:   &fakeDebayerer{},
		cosm:  &fakeCosmetic{},
		rec:   &memRecorder{},
	}
	f.session = NewSession(cfg, classify.New(nil, logging.Discard()), Services{
		Calibrator: f.calib,
		Integrator: f.integ,
		Registrar:  f.reg,
		Debayerer:  f.deb,
		Splitter:   fakeSplitter{},
		Cosmetic:   f.cosm,
		Templates: templateMap{
			"cc-default": {ID: "cc-default", Kind: TemplateKindCosmetic},
			"cc-cfa":     {ID: "cc-cfa", Kind: TemplateKindCosmetic, CFA: true},
			"crop":       {ID: "crop", Kind: "Crop"},
		},
	}, f.rec, logging.Discard())
	return f
}

// add creates n frames on disk and adds them with fully forced hints.
func (f *fixture) add(n int, class frames.Class, filter string, binning int, exposure float64) []string {
	f.t.Helper()
	var paths []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("%s_%s_bin%d_%gs_%03d.fit", class, filter, binning, exposure, i)
		path := filepath.Join(f.in, name)
		require.NoError(f.t, writeFile(path, "raw"))
		_, err := f.session.AddFile(context.Background(), path, classify.Hints{
			Class: class, Filter: filter, Binning: binning, Exposure: exposure,
		}, false)
		require.NoError(f.t, err)
		paths = append(paths, path)
	}
	return paths
}
