package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stackengine/internal/classify"
	"stackengine/internal/config"
	"stackengine/internal/engine"
	"stackengine/internal/frames"
	"stackengine/internal/logging"
	"stackengine/internal/storage"
	"stackengine/internal/tasks"
)

type serveCall struct {
	addr    string
	session *engine.Session
	store   *storage.Store
}

func newTestRoot(t *testing.T, withStore bool) (*Root, *bytes.Buffer, *[]serveCall) {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.OutputDir = filepath.Join(t.TempDir(), "out")

	var store *storage.Store
	if withStore {
		var err error
		store, err = storage.New(filepath.Join(t.TempDir(), "runs.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	log := logging.Discard()
	session := engine.NewSession(cfg, classify.New(nil, log), engine.Services{}, store, log)
	root := NewRoot(session, cfg, log, store)

	var out bytes.Buffer
	root.out = &out
	root.toolStatus = func(*config.Config) map[string]tasks.ToolStatus {
		return map[string]tasks.ToolStatus{
			"imagemagick":  {Available: true, Version: "7.1.1"},
			"star-aligner": {Available: false},
		}
	}
	var calls []serveCall
	root.serveFn = func(ctx context.Context, addr string, session *engine.Session, store *storage.Store, log *slog.Logger) error {
		calls = append(calls, serveCall{addr: addr, session: session, store: store})
		return nil
	}
	return root, &out, &calls
}

func execute(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := NewRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func frameDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		touch(t, filepath.Join(dir, n))
	}
	return dir
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("SIMPLE"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestAddPrintsGroupAssignments(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	dir := frameDir(t, "b1.fit", "b2.fit", "notes.txt")

	if err := execute(t, root, "add", "--bias", dir, "--binning", "2"); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	got := out.String()
	if strings.Count(got, "-> bias-BIN2") != 2 {
		t.Fatalf("expected two bias assignments, got:\n%s", got)
	}
	if strings.Contains(got, "notes.txt") {
		t.Fatalf("non-frame file was examined:\n%s", got)
	}
	if !strings.Contains(got, "1 group(s), 0 file(s) rejected") {
		t.Fatalf("missing summary:\n%s", got)
	}
}

func TestAddReportsUnclassifiedFiles(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	dir := frameDir(t, "frame_001.fit")

	if err := execute(t, root, "add", filepath.Join(dir, "frame_001.fit")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if !strings.Contains(out.String(), "cannot determine frame type") {
		t.Fatalf("expected classification failure, got:\n%s", out.String())
	}
}

func TestAddRequiresInput(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	if err := execute(t, root, "add"); err == nil {
		t.Fatalf("expected error without inputs")
	}
}

func TestGroupsTable(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	darks := frameDir(t, "d1.fit", "d2.fit")
	flats := frameDir(t, "f1.fit")

	args := []string{"groups", "--dark", darks, "--flat", flats, "--binning", "1", "--exposure", "120", "--filter", "Ha"}
	if err := execute(t, root, args...); err != nil {
		t.Fatalf("groups failed: %v", err)
	}
	got := out.String()
	for _, want := range []string{"dark-BIN1-120s", "flat-Ha-BIN1", "120s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestGroupsUseMasterAndExclude(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	flats := frameDir(t, "f1.fit", "f2.fit")
	darks := frameDir(t, "d1.fit", "d2.fit", "d3.fit")

	args := []string{"groups", "--flat", flats, "--dark", darks, "--binning", "1", "--exposure", "60",
		"--use-master", "flat", "--exclude", filepath.Join(darks, "d2.fit"), "--exclude", filepath.Join(darks, "absent.fit")}
	if err := execute(t, root, args...); err != nil {
		t.Fatalf("groups failed: %v", err)
	}
	if !strings.Contains(out.String(), "absent.fit is not part of the session") {
		t.Fatalf("missing exclude notice:\n%s", out.String())
	}
	for _, g := range root.session.Groups() {
		switch g.Class {
		case frames.Flat:
			if !g.Master {
				t.Fatalf("flat group %s not marked as master", g.Name())
			}
		case frames.Dark:
			if g.Master || g.Len() != 2 {
				t.Fatalf("unexpected dark group %+v", g)
			}
		}
	}
	if root.session.Registry().HasFile(filepath.Join(darks, "d2.fit")) {
		t.Fatalf("excluded file still in session")
	}
}

func TestConfigUseFirstAsMaster(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	root.cfg.Processing.UseFirstAsMaster = []frames.Class{frames.Dark}
	darks := frameDir(t, "d1.fit")

	if err := execute(t, root, "groups", "--dark", darks, "--binning", "1", "--exposure", "60"); err != nil {
		t.Fatalf("groups failed: %v", err)
	}
	groups := root.session.Groups()
	if len(groups) != 1 || !groups[0].Master {
		t.Fatalf("config master toggle not applied: %+v", groups)
	}
}

func TestUseMasterRejectsUnknownClass(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	if err := execute(t, root, "groups", "--use-master", "nebula"); err == nil {
		t.Fatalf("expected error for unknown class")
	}
}

func TestGroupsEmpty(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	if err := execute(t, root, "groups"); err != nil {
		t.Fatalf("groups failed: %v", err)
	}
	if !strings.Contains(out.String(), "No frame groups") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestCheckFailsOnErrors(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	err := execute(t, root, "check")
	if err == nil {
		t.Fatalf("expected check to fail without inputs")
	}
	got := out.String()
	if !strings.Contains(got, "no input frames") {
		t.Fatalf("missing diagnostic:\n%s", got)
	}
	if !strings.Contains(got, "imagemagick") || !strings.Contains(got, "7.1.1") {
		t.Fatalf("missing tool table:\n%s", got)
	}
}

func TestCheckPassesWithWarnings(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	dir := frameDir(t, "b1.fit")
	if err := execute(t, root, "check", "--bias", dir, "--binning", "1", "--tools=false"); err != nil {
		t.Fatalf("check failed: %v\n%s", err, out.String())
	}
	got := out.String()
	if !strings.Contains(got, "warning") {
		t.Fatalf("expected warnings:\n%s", got)
	}
	if strings.Contains(got, "imagemagick") {
		t.Fatalf("tool table printed with --tools=false:\n%s", got)
	}
}

func TestRunStagesRecordsHistory(t *testing.T) {
	root, out, _ := newTestRoot(t, true)
	dir := frameDir(t, "b1.fit")

	if err := execute(t, root, "run", "--bias", dir, "--binning", "1", "--stage", "bias"); err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}
	got := out.String()
	if !strings.Contains(got, "▶ bias") || !strings.Contains(got, "✓ bias") {
		t.Fatalf("missing stage progress:\n%s", got)
	}
	if !strings.Contains(got, "at least 3 are needed") {
		t.Fatalf("missing small-group warning:\n%s", got)
	}

	runs, err := root.store.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" {
		t.Fatalf("unexpected history %+v", runs)
	}

	out.Reset()
	if err := execute(t, root, "history"); err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out.String(), runs[0].ID) {
		t.Fatalf("history does not list run:\n%s", out.String())
	}

	out.Reset()
	if err := execute(t, root, "history", runs[0].ID); err != nil {
		t.Fatalf("history detail failed: %v", err)
	}
	if !strings.Contains(strings.ToUpper(out.String()), "STAGE") {
		t.Fatalf("missing stage table:\n%s", out.String())
	}
}

func TestRunFailsDiagnostics(t *testing.T) {
	root, out, _ := newTestRoot(t, true)
	if err := execute(t, root, "run"); err == nil {
		t.Fatalf("expected failure without inputs")
	}
	if !strings.Contains(out.String(), "no input frames") {
		t.Fatalf("report not printed:\n%s", out.String())
	}
}

func TestRunRejectsUnknownStage(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	if err := execute(t, root, "run", "--stage", "darkish,sky"); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestRunOverridesConfig(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	out := filepath.Join(t.TempDir(), "elsewhere")
	dir := frameDir(t, "b1.fit")
	if err := execute(t, root, "run", "--bias", dir, "--binning", "1", "--stage", "bias", "-o", out, "--calibrate-only"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if root.cfg.Processing.OutputDir != out {
		t.Fatalf("output dir not overridden: %s", root.cfg.Processing.OutputDir)
	}
	if !root.cfg.Processing.CalibrateOnly {
		t.Fatalf("calibrate-only not applied")
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	if err := execute(t, root, "history"); err != errNoStore {
		t.Fatalf("expected errNoStore, got %v", err)
	}
	if err := execute(t, root, "masters"); err != errNoStore {
		t.Fatalf("expected errNoStore, got %v", err)
	}
}

func TestMastersCommand(t *testing.T) {
	root, out, _ := newTestRoot(t, true)
	if err := execute(t, root, "masters", "--class", "nebula"); err == nil {
		t.Fatalf("expected error for unknown class")
	}
	if err := execute(t, root, "masters", "--class", "dark"); err != nil {
		t.Fatalf("masters failed: %v", err)
	}
	if !strings.Contains(out.String(), "No master frames recorded") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestServeUsesSessionAndAddr(t *testing.T) {
	root, _, calls := newTestRoot(t, true)
	if err := execute(t, root, "serve", "--addr", "127.0.0.1:9999"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one serve call, got %d", len(*calls))
	}
	c := (*calls)[0]
	if c.addr != "127.0.0.1:9999" || c.session != root.session || c.store != root.store {
		t.Fatalf("unexpected serve call %+v", c)
	}
}

func TestConfigAndVersion(t *testing.T) {
	root, out, _ := newTestRoot(t, false)
	if err := execute(t, root, "config", "show"); err != nil {
		t.Fatalf("config failed: %v", err)
	}
	if !strings.Contains(out.String(), `"output_suffix": ".fit"`) {
		t.Fatalf("config not printed:\n%s", out.String())
	}

	out.Reset()
	if err := execute(t, root, "version"); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), Version) {
		t.Fatalf("version missing:\n%s", out.String())
	}
}

func TestWatchRequiresDirectory(t *testing.T) {
	root, _, _ := newTestRoot(t, false)
	if err := execute(t, root, "watch"); err == nil {
		t.Fatalf("expected error without directory")
	}
	if err := execute(t, root, "watch", "--class", "galaxy", t.TempDir()); err == nil {
		t.Fatalf("expected error for unknown class")
	}
	if err := execute(t, root, "watch", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
