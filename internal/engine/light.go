package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
	"stackengine/internal/logging"
)

const lightHighClip = 0.98

// lightStage processes every light group, starting with the one that holds
// the registration reference.
func (s *Session) lightStage(ctx context.Context, prev *frames.Registry, st *runState) (*frames.Registry, error) {
	next := prev.Snapshot()
	resolver := frames.NewResolver(next)

	for _, g := range lightOrder(next, st.reference) {
		lr, err := s.processLightGroup(ctx, st, resolver, g)
		if err != nil {
			return nil, err
		}
		if lr != nil {
			st.res.Lights = append(st.res.Lights, *lr)
		}
	}
	st.res.Reference = st.reference
	return next, nil
}

// lightOrder puts the group containing ref first and keeps registry order
// for the rest.
func lightOrder(reg *frames.Registry, ref string) []*frames.Group {
	var first *frames.Group
	var rest []*frames.Group
	for _, g := range reg.GroupsOf(frames.Light) {
		if g.Master || !g.Enabled {
			continue
		}
		if first == nil && ref != "" && g.Contains(ref) {
			first = g
			continue
		}
		rest = append(rest, g)
	}
	if first == nil {
		return rest
	}
	return append([]*frames.Group{first}, rest...)
}

func (s *Session) processLightGroup(ctx context.Context, st *runState, resolver *frames.Resolver, g *frames.Group) (*LightResult, error) {
	paths := g.EnabledPaths()
	if len(paths) == 0 {
		return nil, nil
	}
	name := g.Name()
	stage := frames.Light.String()
	start := time.Now()
	logging.LogStageStart(s.log, stage, name, len(paths))
	s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: name, Status: StatusStarted})

	lr, err := s.lightSteps(ctx, st, resolver, g, paths)
	if err != nil {
		logging.LogStageError(s.log, stage, name, time.Since(start), err)
		s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: name, Status: StatusFailed, Message: err.Error()})
		return nil, err
	}
	logging.LogStageComplete(s.log, stage, name, time.Since(start), lr.Integrated)
	s.broadcast(Event{RunID: st.res.ID, Stage: stage, Group: name, Status: StatusCompleted, Message: lr.Integrated})
	return lr, nil
}

func (s *Session) lightSteps(ctx context.Context, st *runState, resolver *frames.Resolver, g *frames.Group, paths []string) (*LightResult, error) {
	p := s.cfg.Processing
	name := g.Name()
	lr := &LightResult{Group: name, Filter: g.Filter, Binning: g.Binning, Exposure: g.Exposure}

	flat := resolver.ResolveMasterFlat(g.Binning, g.Filter)
	if flat == "" {
		s.warn(st, "calibrate", name, fmt.Sprintf("no master flat for %s", name))
	}
	outs, err := s.calibrate(ctx, g, CalibrateRequest{
		Class:      frames.Light,
		Targets:    paths,
		MasterBias: resolver.ResolveMasterBias(g.Binning),
		MasterDark: resolver.ResolveMasterDark(g.Binning, g.Exposure),
		MasterFlat: flat,
		OutputDir:  s.outDir("calibrated", frames.Light.String()),
	})
	if err != nil {
		return nil, err
	}
	files, err := s.advance(st, "calibrate", name, outs)
	if err != nil {
		return nil, err
	}
	lr.Calibrated = files

	if p.CosmeticCorrection {
		if files, err = s.cosmeticCorrect(ctx, st, name, files); err != nil {
			return nil, err
		}
	}

	var splitFor map[string]string
	if p.CFA {
		if files, splitFor, err = s.debayer(ctx, st, name, files); err != nil {
			return nil, err
		}
	}

	if p.CalibrateOnly {
		return lr, nil
	}

	regs, err := s.register(ctx, st, name, files)
	if err != nil {
		return nil, err
	}
	for _, r := range regs {
		lr.Registered = append(lr.Registered, r.Path)
		if r.DrizzlePath != "" {
			lr.DrizzleData = append(lr.DrizzleData, r.DrizzlePath)
		}
	}
	if p.CFA && p.GenerateDrizzle && p.BayerDrizzle {
		s.patchDrizzle(ctx, st, name, regs, splitFor)
	}

	if !p.Integrate {
		return lr, nil
	}
	res, err := s.integrate(ctx, IntegrateRequest{
		Targets:                lr.Registered,
		Rejection:              s.cfg.RejectionFor(frames.Light),
		Normalization:          NormalizeAdditiveWithScaling,
		RejectionNormalization: RejectionNormScale,
		Weighting:              WeightNoiseEvaluation,
		HighClip:               lightHighClip,
		GenerateRejectionMaps:  p.RejectionMaps,
		Output:                 filepath.Join(s.outDir("master"), name+s.suffix()),
	})
	if err != nil {
		return nil, &IntegrationError{Group: name, Err: err}
	}
	lr.Integrated = res.Path
	lr.RejectionMaps = res.RejectionMaps

	if p.Previews && s.svc.Previewer != nil {
		dst := strings.TrimSuffix(res.Path, filepath.Ext(res.Path)) + ".png"
		if err := s.svc.Previewer.Preview(ctx, res.Path, dst); err != nil {
			s.warn(st, "preview", name, fmt.Sprintf("preview of %s failed: %v", res.Path, err))
		} else {
			lr.Preview = dst
		}
	}
	return lr, nil
}

func (s *Session) cosmeticCorrect(ctx context.Context, st *runState, group string, files []string) ([]string, error) {
	id := s.cfg.Processing.CosmeticTemplate
	if _, err := s.cosmeticTemplate(id); err != nil {
		return nil, err
	}
	if s.svc.Cosmetic == nil {
		return nil, &CosmeticCorrectionError{Group: group, Err: errors.New("no cosmetic corrector configured")}
	}
	outs, err := s.svc.Cosmetic.Apply(ctx, CosmeticRequest{
		TemplateID: id,
		Targets:    files,
		OutputDir:  s.outDir("cosmetized"),
		Postfix:    cosmeticPostfix,
		Suffix:     s.suffix(),
	})
	if err != nil {
		return nil, &CosmeticCorrectionError{Group: group, Err: err}
	}
	return s.advance(st, "cosmetic", group, outs)
}

// cosmeticTemplate resolves id to a cosmetic correction template.
func (s *Session) cosmeticTemplate(id string) (Template, error) {
	if s.svc.Templates == nil {
		return Template{}, &TemplateNotFoundError{ID: id}
	}
	t, ok := s.svc.Templates.Lookup(id)
	if !ok {
		return Template{}, &TemplateNotFoundError{ID: id}
	}
	if t.Kind != TemplateKindCosmetic {
		return Template{}, &TemplateTypeError{ID: id, Kind: t.Kind}
	}
	return t, nil
}

// debayer demosaics every file, writing the Bayer split drizzle sources
// first when Bayer drizzle is active. The returned map goes from debayered
// path to split path.
func (s *Session) debayer(ctx context.Context, st *runState, group string, files []string) ([]string, map[string]string, error) {
	p := s.cfg.Processing
	if s.svc.Debayerer == nil {
		return nil, nil, &DebayerError{Path: files[0], Err: errors.New("no debayer configured")}
	}
	split := p.GenerateDrizzle && p.BayerDrizzle
	if split && s.svc.Splitter == nil {
		return nil, nil, &DebayerError{Path: files[0], Err: errors.New("no Bayer splitter configured")}
	}

	splitFor := make(map[string]string)
	outs := make([]Output, 0, len(files))
	for _, f := range files {
		var sp string
		if split {
			var err error
			sp, err = s.svc.Splitter.Split(ctx, f, p.BayerPattern, s.outDir("bayer"))
			if err != nil {
				return nil, nil, &DebayerError{Path: f, Err: fmt.Errorf("bayer split: %w", err)}
			}
		}
		d, err := s.svc.Debayerer.Debayer(ctx, f, p.BayerPattern, p.DebayerMethod, s.outDir("debayered"))
		if err != nil {
			return nil, nil, &DebayerError{Path: f, Err: err}
		}
		outs = append(outs, Output{Source: f, Path: d})
		if sp != "" {
			splitFor[d] = sp
		}
	}
	paths, err := s.advance(st, "debayer", group, outs)
	if err != nil {
		return nil, nil, err
	}
	return paths, splitFor, nil
}

func (s *Session) register(ctx context.Context, st *runState, group string, files []string) ([]RegisteredOutput, error) {
	if s.svc.Registrar == nil {
		return nil, &RegistrationError{Group: group, Err: errors.New("no registrar configured")}
	}
	if st.reference == "" {
		return nil, &RegistrationError{Group: group, Err: errors.New("no registration reference image")}
	}
	r := s.cfg.Registration
	regs, err := s.svc.Registrar.Register(ctx, RegisterRequest{
		Targets:              files,
		Reference:            st.reference,
		Interpolation:        r.Interpolation,
		ClampingThreshold:    r.ClampingThreshold,
		MaxStars:             r.MaxStars,
		NoiseReductionRadius: r.NoiseReductionRadius,
		UseTriangles:         r.UseTriangles,
		GenerateDrizzle:      s.cfg.Processing.GenerateDrizzle,
		OutputDir:            s.outDir("registered"),
		Postfix:              registeredPostfix,
		Suffix:               s.suffix(),
	})
	if err != nil {
		return nil, &RegistrationError{Group: group, Err: err}
	}

	kept := make([]RegisteredOutput, 0, len(regs))
	for _, o := range regs {
		if o.Path == "" || !fsutil.Exists(o.Path) {
			s.warn(st, "register", group, fmt.Sprintf("register: output for %s is missing and was dropped", o.Source))
			continue
		}
		kept = append(kept, o)
	}
	if len(kept) == 0 {
		return nil, &NoSurvivingFramesError{Stage: "register", Group: group}
	}
	return kept, nil
}
