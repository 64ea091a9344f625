package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
	"stackengine/internal/logging"

	"github.com/otiai10/copy"
)

// minMasterFrames is the smallest bias or dark group a master is built from.
const minMasterFrames = 3

const (
	calibratedPostfix = "_c"
	cosmeticPostfix   = "_cc"
	registeredPostfix = "_r"
)

func (s *Session) biasStage(ctx context.Context, prev *frames.Registry, st *runState) (*frames.Registry, error) {
	return s.masterStage(ctx, prev, st, frames.Bias)
}

func (s *Session) darkStage(ctx context.Context, prev *frames.Registry, st *runState) (*frames.Registry, error) {
	return s.masterStage(ctx, prev, st, frames.Dark)
}

// masterStage integrates every non-master group of class into a master.
func (s *Session) masterStage(ctx context.Context, prev *frames.Registry, st *runState, class frames.Class) (*frames.Registry, error) {
	next := prev.Snapshot()
	stage := class.String()
	for _, g := range next.GroupsOf(class) {
		if g.Master || !g.Enabled {
			continue
		}
		paths := g.EnabledPaths()
		if len(paths) < minMasterFrames {
			s.warn(st, stage, g.Name(), fmt.Sprintf("%s has %d frame(s); at least %d are needed to build a master",
				g.Name(), len(paths), minMasterFrames))
			continue
		}
		if err := s.integrateMaster(ctx, st, stage, g, paths, NormalizeNone, RejectionNormNone); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// flatStage calibrates each flat group with the matching bias and dark
// masters and integrates the survivors into a master flat.
func (s *Session) flatStage(ctx context.Context, prev *frames.Registry, st *runState) (*frames.Registry, error) {
	next := prev.Snapshot()
	resolver := frames.NewResolver(next)
	stage := frames.Flat.String()

	for _, g := range next.GroupsOf(frames.Flat) {
		if g.Master || !g.Enabled {
			continue
		}
		paths := g.EnabledPaths()
		if len(paths) == 0 {
			continue
		}
		name := g.Name()

		bias := resolver.ResolveMasterBias(g.Binning)
		dark := resolver.ResolveMasterDark(g.Binning, g.Exposure)
		if bias == "" && dark == "" {
			s.warn(st, stage, name, fmt.Sprintf("%s is calibrated without master bias or dark", name))
		}

		outs, err := s.calibrate(ctx, g, CalibrateRequest{
			Class:               frames.Flat,
			Targets:             paths,
			MasterBias:          bias,
			MasterDark:          dark,
			LargeScaleRejection: s.cfg.Processing.FlatLargeScaleReject,
			OutputDir:           s.outDir("calibrated", stage),
		})
		if err != nil {
			return nil, err
		}
		kept := s.survivors(st, stage, name, outs)
		if len(kept) == 0 {
			return nil, &NoSurvivingFramesError{Stage: stage, Group: name}
		}

		scratch := frames.NewGroup(frames.Flat, g.Filter, g.Binning, g.Exposure, false)
		for _, o := range kept {
			scratch.Add(frames.NewFileItem(o.Path, g.Exposure))
		}
		if err := s.integrateMaster(ctx, st, stage, g, scratch.EnabledPaths(), NormalizeMultiplicative, RejectionNormEqualizeFluxes); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// integrateMaster builds the master of g from targets and promotes it into
// the group.
func (s *Session) integrateMaster(ctx context.Context, st *runState, stage string, g *frames.Group, targets []string, norm Normalization, rnorm RejectionNormalization) error {
	name := g.Name()
	start := time.Now()
	logging.LogStageStart(s.log, stage, name, len(targets))
	s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: name, Status: StatusStarted})

	res, err := s.integrate(ctx, IntegrateRequest{
		Targets:                targets,
		Rejection:              s.cfg.RejectionFor(g.Class),
		Normalization:          norm,
		RejectionNormalization: rnorm,
		Weighting:              WeightMAD,
		GenerateRejectionMaps:  s.cfg.Processing.RejectionMaps,
		Output:                 filepath.Join(s.outDir("master"), "master-"+name+s.suffix()),
	})
	if err != nil {
		ierr := &IntegrationError{Group: name, Err: err}
		logging.LogStageError(s.log, stage, name, time.Since(start), ierr)
		s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: name, Status: StatusFailed, Message: ierr.Error()})
		return ierr
	}

	g.PromoteMaster(res.Path)
	mf := MasterFrame{
		Class:    g.Class,
		Group:    name,
		Filter:   g.Filter,
		Binning:  g.Binning,
		Exposure: g.Exposure,
		Frames:   len(targets),
		Path:     res.Path,
	}
	mf.LibraryPath = s.publishMaster(st, stage, name, res.Path)
	st.res.Masters = append(st.res.Masters, mf)

	logging.LogStageComplete(s.log, stage, name, time.Since(start), res.Path)
	s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: name, Status: StatusCompleted, Message: res.Path})
	return nil
}

// integrate calls the integrator and checks that the combined image exists.
func (s *Session) integrate(ctx context.Context, req IntegrateRequest) (IntegrateResult, error) {
	if s.svc.Integrator == nil {
		return IntegrateResult{}, errors.New("no integrator configured")
	}
	res, err := s.svc.Integrator.Integrate(ctx, req)
	if err != nil {
		return IntegrateResult{}, err
	}
	if res.Path == "" || !fsutil.Exists(res.Path) {
		return IntegrateResult{}, fmt.Errorf("integrated image %q was not written", res.Path)
	}
	return res, nil
}

// calibrate fills the session-wide parts of req and runs the calibrator.
func (s *Session) calibrate(ctx context.Context, g *frames.Group, req CalibrateRequest) ([]Output, error) {
	if s.svc.Calibrator == nil {
		return nil, &CalibrationError{Group: g.Name(), Err: errors.New("no calibrator configured")}
	}
	if s.cfg.Overscan.Enabled {
		ov := s.cfg.Overscan
		req.Overscan = &ov
	}
	req.OptimizeDark = s.cfg.Processing.OptimizeDark
	req.Postfix = calibratedPostfix
	req.Suffix = s.suffix()

	logging.LogProcessingStep(s.log, g.Class.String(), "calibrate", "started", map[string]any{
		"group": g.Name(), "files": len(req.Targets), "bias": req.MasterBias, "dark": req.MasterDark, "flat": req.MasterFlat,
	})
	outs, err := s.svc.Calibrator.Calibrate(ctx, req)
	if err != nil {
		return nil, &CalibrationError{Group: g.Name(), Err: err}
	}
	return outs, nil
}

// publishMaster copies a master into the configured library directory.
func (s *Session) publishMaster(st *runState, stage, group, path string) string {
	lib := s.cfg.Processing.MasterLibrary
	if lib == "" {
		return ""
	}
	dst := filepath.Join(lib, filepath.Base(path))
	if err := copy.Copy(path, dst); err != nil {
		s.warn(st, stage, group, fmt.Sprintf("could not copy %s to master library: %v", path, err))
		return ""
	}
	return dst
}
