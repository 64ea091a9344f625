package engine

import (
	"fmt"
	"strings"

	"stackengine/internal/frames"
	"stackengine/internal/fsutil"
)

// Severity of a diagnostic.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Diagnostic is one finding of the pre-flight check.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report is the ordered list of findings.
type Report struct {
	Items []Diagnostic `json:"items"`
}

func (r *Report) errorf(format string, args ...any) {
	r.Items = append(r.Items, Diagnostic{Severity: SeverityError, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(format string, args ...any) {
	r.Items = append(r.Items, Diagnostic{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)})
}

// HasErrors reports whether any finding blocks a run.
func (r Report) HasErrors() bool {
	return len(r.Errors()) > 0
}

// Errors returns the blocking findings.
func (r Report) Errors() []Diagnostic {
	return r.filter(SeverityError)
}

// Warnings returns the advisory findings.
func (r Report) Warnings() []Diagnostic {
	return r.filter(SeverityWarning)
}

func (r Report) filter(sev Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Items {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

var (
	bayerPatterns  = map[string]bool{"RGGB": true, "BGGR": true, "GRBG": true, "GBRG": true}
	debayerMethods = map[string]bool{"bilinear": true, "superpixel": true}
)

// Diagnose checks the configuration against the current registry. It does
// not modify the session. The output directory is probed by creating and
// removing a throwaway file.
func (s *Session) Diagnose() Report {
	reg := s.Registry()
	p := s.cfg.Processing
	var r Report

	suffix := p.OutputSuffix
	switch {
	case suffix == "":
		r.errorf("output file suffix is empty")
	case !strings.HasPrefix(suffix, ".") || len(suffix) < 2 || strings.ContainsAny(suffix, `/\ *?`):
		r.errorf("invalid output file suffix %q", suffix)
	}

	if strings.TrimSpace(p.OutputDir) == "" {
		r.errorf("no output directory specified")
	} else if err := fsutil.ProbeWritable(p.OutputDir); err != nil {
		r.errorf("output directory is not usable: %v", err)
	}

	groups := reg.Groups()
	if len(groups) == 0 {
		r.errorf("no input frames")
	}

	for _, path := range reg.Paths() {
		if !fsutil.Exists(path) {
			r.errorf("file not found: %s", path)
		}
	}

	for _, g := range groups {
		if g.Class.UsesFilter() && g.Filter != "" {
			if clean := frames.SanitizeFilter(g.Filter); clean != g.Filter {
				r.warnf("filter name %q of %s group will be written as %q", g.Filter, g.Class, clean)
			}
		}
	}

	s.diagnoseCosmetic(&r)
	s.diagnoseCFA(&r)

	lights := reg.GroupsOf(frames.Light)
	if len(lights) > 0 && !p.CalibrateOnly {
		ref := s.cfg.Registration.Reference
		switch {
		case ref == "":
			r.errorf("no registration reference image selected")
		case !fsutil.Exists(ref):
			r.errorf("registration reference image not found: %s", ref)
		}
	}

	for _, class := range frames.Classes {
		if len(reg.GroupsOf(class)) == 0 {
			switch class {
			case frames.Light:
				r.warnf("no light frames; only master calibration frames will be produced")
			default:
				r.warnf("no %s frames", class)
			}
		}
	}

	flats := reg.GroupsOf(frames.Flat)
	for _, lg := range lights {
		found := false
		for _, fg := range flats {
			if fg.Binning == lg.Binning && fg.Filter == lg.Filter {
				found = true
				break
			}
		}
		if !found {
			r.warnf("no flat frames for light group %s", lg.Name())
		}
	}

	s.diagnoseRejection(&r, reg)

	if err := s.cfg.Overscan.Validate(); err != nil {
		r.errorf("%v", err)
	}
	return r
}

func (s *Session) diagnoseCosmetic(r *Report) {
	p := s.cfg.Processing
	if !p.CosmeticCorrection {
		return
	}
	if p.CosmeticTemplate == "" {
		r.errorf("cosmetic correction is enabled but no template is selected")
		return
	}
	t, err := s.cosmeticTemplate(p.CosmeticTemplate)
	if err != nil {
		r.errorf("%v", err)
		return
	}
	if t.CFA != p.CFA {
		r.warnf("cosmetic correction template %q CFA setting (%t) does not match the CFA setting (%t)", t.ID, t.CFA, p.CFA)
	}
}

func (s *Session) diagnoseCFA(r *Report) {
	p := s.cfg.Processing
	if !p.CFA {
		if p.BayerDrizzle {
			r.warnf("Bayer drizzle requires CFA images and will be ignored")
		}
		return
	}
	if !bayerPatterns[strings.ToUpper(p.BayerPattern)] {
		r.errorf("unknown Bayer pattern %q", p.BayerPattern)
	}
	if !debayerMethods[strings.ToLower(p.DebayerMethod)] {
		r.errorf("unknown debayer method %q", p.DebayerMethod)
	}
	if p.BayerDrizzle && !p.GenerateDrizzle {
		r.warnf("Bayer drizzle is enabled but drizzle data generation is off")
	}
}

// diagnoseRejection applies the sample-size policy to every group that will
// be integrated.
func (s *Session) diagnoseRejection(r *Report, reg *frames.Registry) {
	p := s.cfg.Processing
	for _, g := range reg.Groups() {
		if g.Master || !g.Enabled {
			continue
		}
		if g.Class == frames.Light && (p.CalibrateOnly || !p.Integrate) {
			continue
		}
		rc := s.cfg.RejectionFor(g.Class)
		if err := rc.Validate(); err != nil {
			r.errorf("%s rejection settings: %v", g.Class, err)
			continue
		}
		n := len(g.EnabledPaths())
		if (g.Class == frames.Bias || g.Class == frames.Dark) && n < minMasterFrames {
			r.warnf("%s has %d frame(s) and will not be integrated", g.Name(), n)
			continue
		}
		if need := rc.Rejection.MinimumFrames(); n < need {
			r.errorf("%s has %d frame(s); %s rejection needs at least %d", g.Name(), n, rc.Rejection, need)
			continue
		}
		if msg, ok := SampleSizeAdvice(rc.Rejection, n); !ok {
			r.warnf("%s: %s", g.Name(), msg)
		}
	}
}
