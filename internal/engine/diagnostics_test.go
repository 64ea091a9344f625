package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stackengine/internal/config"
	"stackengine/internal/frames"

	"github.com/stretchr/testify/require"
)

func messages(ds []Diagnostic) string {
	var parts []string
	for _, d := range ds {
		parts = append(parts, d.Message)
	}
	return strings.Join(parts, "\n")
}

func TestSampleSizeThresholds(t *testing.T) {
	cases := []struct {
		rej       config.Rejection
		fineFrom  int
		fineUntil int // inclusive; 0 means never fine
	}{
		{config.RejectPercentile, 1, 8},
		{config.RejectSigma, 8, 15},
		{config.RejectWinsorized, 8, 1000},
		{config.RejectAveragedSigma, 8, 10},
		{config.RejectLinearFit, 20, 1000},
		{config.RejectMinMax, 1, 1000},
		{config.RejectNone, 0, 0},
		{config.RejectCCDClip, 0, 0},
	}
	for _, tc := range cases {
		for n := 1; n <= 40; n++ {
			_, ok := SampleSizeAdvice(tc.rej, n)
			want := tc.fineUntil > 0 && n >= tc.fineFrom && n <= tc.fineUntil
			require.Equal(t, want, ok, "%s with n=%d", tc.rej, n)
		}
	}
}

func TestPercentileFlipsAtNine(t *testing.T) {
	_, ok := SampleSizeAdvice(config.RejectPercentile, 8)
	require.True(t, ok)
	_, ok = SampleSizeAdvice(config.RejectPercentile, 9)
	require.False(t, ok)
}

func TestDiagnoseEmptySession(t *testing.T) {
	f := newFixture(t)
	report := f.session.Diagnose()
	require.True(t, report.HasErrors())
	require.Contains(t, messages(report.Errors()), "no input frames")
	require.Contains(t, messages(report.Warnings()), "no bias frames")
	require.Contains(t, messages(report.Warnings()), "no light frames")
}

func TestDiagnoseCleanSessionHasNoErrors(t *testing.T) {
	f := newFixture(t)
	f.add(8, frames.Bias, "", 1, 0)
	f.add(8, frames.Dark, "", 1, 300)
	f.add(8, frames.Flat, "L", 1, 2)
	lights := f.add(8, frames.Light, "L", 1, 300)
	f.cfg.Registration.Reference = lights[0]

	report := f.session.Diagnose()
	require.False(t, report.HasErrors(), messages(report.Errors()))
	require.Empty(t, report.Warnings(), messages(report.Warnings()))
}

func TestDiagnoseOutputSettings(t *testing.T) {
	f := newFixture(t)
	f.add(8, frames.Bias, "", 1, 0)

	f.cfg.Processing.OutputSuffix = "fit"
	require.Contains(t, messages(f.session.Diagnose().Errors()), "invalid output file suffix")

	f.cfg.Processing.OutputSuffix = ".fit"
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	f.cfg.Processing.OutputDir = filepath.Join(blocker, "sub")
	require.Contains(t, messages(f.session.Diagnose().Errors()), "output directory is not usable")
}

func TestDiagnoseMissingFileAndReference(t *testing.T) {
	f := newFixture(t)
	lights := f.add(8, frames.Light, "L", 1, 60)
	require.NoError(t, os.Remove(lights[3]))

	errs := messages(f.session.Diagnose().Errors())
	require.Contains(t, errs, "file not found: "+lights[3])
	require.Contains(t, errs, "no registration reference image selected")

	f.cfg.Registration.Reference = filepath.Join(f.in, "gone.fit")
	require.Contains(t, messages(f.session.Diagnose().Errors()), "registration reference image not found")

	f.cfg.Processing.CalibrateOnly = true
	require.NotContains(t, messages(f.session.Diagnose().Errors()), "registration reference")
}

func TestDiagnoseWarnings(t *testing.T) {
	f := newFixture(t)
	f.add(8, frames.Flat, "Ha 7nm", 1, 2)
	lights := f.add(8, frames.Light, "OIII", 1, 300)
	f.cfg.Registration.Reference = lights[0]

	warnings := messages(f.session.Diagnose().Warnings())
	require.Contains(t, warnings, `filter name "Ha 7nm"`)
	require.Contains(t, warnings, "no flat frames for light group light-OIII-BIN1-300s")
}

func TestDiagnoseRejectionPolicy(t *testing.T) {
	f := newFixture(t)
	f.cfg.Rejection[frames.Dark] = config.RejectionConfig{Combination: config.CombineAverage, Rejection: config.RejectLinearFit}
	f.cfg.Rejection[frames.Flat] = config.RejectionConfig{Combination: config.CombineMedian, Rejection: config.RejectPercentile}
	f.add(4, frames.Dark, "", 1, 60)
	f.add(12, frames.Flat, "L", 1, 2)
	f.add(2, frames.Bias, "", 1, 0)

	report := f.session.Diagnose()
	require.Contains(t, messages(report.Errors()), "linear-fit rejection needs at least 5")
	warnings := messages(report.Warnings())
	require.Contains(t, warnings, "percentile clipping")
	require.Contains(t, warnings, "bias-BIN1 has 2 frame(s) and will not be integrated")

	f.cfg.Rejection[frames.Flat] = config.RejectionConfig{Combination: "mode", Rejection: config.RejectSigma}
	require.Contains(t, messages(f.session.Diagnose().Errors()), "unknown combination")
}

func TestDiagnoseCosmeticAndCFA(t *testing.T) {
	f := newFixture(t)
	lights := f.add(8, frames.Light, "", 1, 60)
	f.cfg.Registration.Reference = lights[0]
	f.cfg.Processing.CosmeticCorrection = true

	require.Contains(t, messages(f.session.Diagnose().Errors()), "no template is selected")

	f.cfg.Processing.CosmeticTemplate = "crop"
	require.Contains(t, messages(f.session.Diagnose().Errors()), "not a CosmeticCorrection")

	f.cfg.Processing.CosmeticTemplate = "absent"
	require.Contains(t, messages(f.session.Diagnose().Errors()), `"absent" not found`)

	f.cfg.Processing.CosmeticTemplate = "cc-cfa"
	require.Contains(t, messages(f.session.Diagnose().Warnings()), "CFA setting")

	f.cfg.Processing.CFA = true
	f.cfg.Processing.BayerPattern = "RGBG"
	f.cfg.Processing.BayerDrizzle = true
	report := f.session.Diagnose()
	require.Contains(t, messages(report.Errors()), "unknown Bayer pattern")
	require.Contains(t, messages(report.Warnings()), "drizzle data generation is off")
	require.NotContains(t, messages(report.Warnings()), "CFA setting")
}

func TestDiagnoseOverscan(t *testing.T) {
	f := newFixture(t)
	f.add(8, frames.Bias, "", 1, 0)
	f.cfg.Overscan = frames.Overscan{Enabled: true, Crop: frames.Rect{X0: 0, Y0: 0, X1: 0, Y1: 10}}

	var found bool
	for _, d := range f.session.Diagnose().Errors() {
		if strings.HasPrefix(d.Message, "overscan") {
			found = true
		}
	}
	require.True(t, found)
}

func TestDiagnoseDoesNotMutateRegistry(t *testing.T) {
	f := newFixture(t)
	f.add(3, frames.Dark, "", 1, 60)
	before := f.session.Registry()
	f.session.Diagnose()
	require.Equal(t, before.Groups(), f.session.Registry().Groups())
}

func TestPatchDrizzleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.xdrz")
	require.NoError(t, os.WriteFile(path, []byte("P{/d/a_d.fit} P{/d/a_d.fit}"), 0600))

	changed, err := PatchDrizzleFile(path, "/d/a_d.fit", "/b/a_b.fit")
	require.NoError(t, err)
	require.True(t, changed)
	body, _ := os.ReadFile(path)
	require.Equal(t, "P{/b/a_b.fit} P{/b/a_b.fit}", string(body))

	changed, err = PatchDrizzleFile(path, "/d/a_d.fit", "/x")
	require.NoError(t, err)
	require.False(t, changed)
}
