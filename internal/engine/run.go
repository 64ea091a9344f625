package engine

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
	"stackengine/internal/logging"
)

// MasterFrame is a master synthesized during a run.
type MasterFrame struct {
	Class       frames.Class `json:"class"`
	Group       string       `json:"group"`
	Filter      string       `json:"filter,omitempty"`
	Binning     int          `json:"binning"`
	Exposure    float64      `json:"exposure"`
	Frames      int          `json:"frames"`
	Path        string       `json:"path"`
	LibraryPath string       `json:"library_path,omitempty"`
}

// LightResult is the outcome of the light stage for one group.
type LightResult struct {
	Group         string   `json:"group"`
	Filter        string   `json:"filter"`
	Binning       int      `json:"binning"`
	Exposure      float64  `json:"exposure"`
	Calibrated    []string `json:"calibrated"`
	Registered    []string `json:"registered,omitempty"`
	DrizzleData   []string `json:"drizzle_data,omitempty"`
	Integrated    string   `json:"integrated,omitempty"`
	RejectionMaps []string `json:"rejection_maps,omitempty"`
	Preview       string   `json:"preview,omitempty"`
}

// StageResult records one top-level stage.
type StageResult struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunResult summarizes a pipeline run. Warnings are accumulated in the order
// they were raised; a failed run keeps whatever was produced before the
// failure.
type RunResult struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished"`
	Stages    []StageResult `json:"stages"`
	Masters   []MasterFrame `json:"masters"`
	Lights    []LightResult `json:"lights"`
	Reference string        `json:"reference,omitempty"`
	Warnings  []string      `json:"warnings"`
	Error     string        `json:"error,omitempty"`
}

// Succeeded reports whether the run completed every requested stage.
func (r *RunResult) Succeeded() bool { return r.Error == "" }

type stageFunc func(ctx context.Context, prev *frames.Registry, st *runState) (*frames.Registry, error)

type runState struct {
	res       *RunResult
	reference string // current ("actual") registration reference
}

// Run validates the session and, when the diagnostics report no errors,
// executes every stage in order.
func (s *Session) Run(ctx context.Context) (*RunResult, error) {
	report := s.Diagnose()
	if report.HasErrors() {
		for _, d := range report.Errors() {
			s.log.Error("diagnostic", "message", d.Message)
		}
		return nil, &DiagnosticsError{Report: report}
	}
	var pre []string
	for _, d := range report.Warnings() {
		pre = append(pre, d.Message)
	}
	return s.run(ctx, frames.Classes[:], pre)
}

// RunStages executes the selected stages, in the fixed Bias, Dark, Flat,
// Light order, without the diagnostics pre-check.
func (s *Session) RunStages(ctx context.Context, classes ...frames.Class) (*RunResult, error) {
	return s.run(ctx, classes, nil)
}

func (s *Session) run(ctx context.Context, classes []frames.Class, warnings []string) (*RunResult, error) {
	if err := s.beginRun(); err != nil {
		return nil, err
	}
	defer s.endRun()

	want := make(map[frames.Class]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}

	st := &runState{
		res: &RunResult{
			ID:       newRunID(),
			Started:  time.Now(),
			Warnings: append([]string(nil), warnings...),
		},
	}
	if ref := s.cfg.Registration.Reference; ref != "" {
		st.reference = absPath(ref)
	}

	stages := map[frames.Class]stageFunc{
		frames.Bias:  s.biasStage,
		frames.Dark:  s.darkStage,
		frames.Flat:  s.flatStage,
		frames.Light: s.lightStage,
	}

	var runErr error
	for _, class := range frames.Classes {
		if !want[class] {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		name := class.String()
		start := time.Now()
		s.broadcast(Event{RunID: st.res.ID, Stage: name, Status: StatusStarted})

		next, err := stages[class](ctx, s.Registry(), st)
		sr := StageResult{Stage: name, Duration: time.Since(start)}
		if err != nil {
			sr.Error = err.Error()
			st.res.Stages = append(st.res.Stages, sr)
			logging.LogStageError(s.log, name, "", sr.Duration, err)
			s.broadcast(Event{RunID: st.res.ID, Stage: name, Status: StatusFailed, Message: err.Error()})
			runErr = err
			break
		}
		st.res.Stages = append(st.res.Stages, sr)
		s.commit(next)
		s.broadcast(Event{RunID: st.res.ID, Stage: name, Status: StatusCompleted})
	}

	st.res.Finished = time.Now()
	if runErr != nil {
		st.res.Error = runErr.Error()
	}
	if s.recorder != nil {
		if err := s.recorder.RecordRun(st.res); err != nil {
			s.log.Warn("failed to record run", "run", st.res.ID, "error", err)
		}
	}
	return st.res, runErr
}

// warn logs a warning, keeps it for the run result and forwards it to
// subscribers.
func (s *Session) warn(st *runState, stage, group, msg string) {
	s.log.Warn(msg, "stage", stage, "group", group)
	st.res.Warnings = append(st.res.Warnings, msg)
	s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: group, Status: StatusWarning, Message: msg})
}

// survivors drops outputs whose file does not exist.
func (s *Session) survivors(st *runState, stage, group string, outs []Output) []Output {
	kept := make([]Output, 0, len(outs))
	for _, o := range outs {
		if o.Path == "" || !fsutil.Exists(o.Path) {
			msg := fmt.Sprintf("%s: output for %s is missing and was dropped", stage, o.Source)
			if st.reference != "" && o.Source == st.reference {
				msg += "; the reference image keeps its previous version " + st.reference
			}
			s.warn(st, stage, group, msg)
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// advance keeps the surviving outputs of a step and moves the reference
// image along when it was one of the inputs.
func (s *Session) advance(st *runState, stage, group string, outs []Output) ([]string, error) {
	kept := s.survivors(st, stage, group, outs)
	if len(kept) == 0 {
		return nil, &NoSurvivingFramesError{Stage: stage, Group: group}
	}
	paths := make([]string, 0, len(kept))
	moved := false
	for _, o := range kept {
		if !moved && st.reference != "" && o.Source == st.reference {
			st.reference = o.Path
			moved = true
		}
		paths = append(paths, o.Path)
	}
	return paths, nil
}

func (s *Session) outDir(parts ...string) string {
	return filepath.Join(append([]string{s.cfg.Processing.OutputDir}, parts...)...)
}

func (s *Session) suffix() string {
	if s.cfg.Processing.OutputSuffix == "" {
		return ".fit"
	}
	return s.cfg.Processing.OutputSuffix
}

func newRunID() string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("run-%s-%04d", ts, rand.Intn(10000))
}
