package engine

import (
	"context"

	"stackengine/internal/config"
	"stackengine/internal/frames"
)

// Output maps one input file to the file a service produced for it.
type Output struct {
	Source string
	Path   string
}

// CalibrateRequest describes one calibration call over a group.
type CalibrateRequest struct {
	Class               frames.Class
	Targets             []string
	MasterBias          string
	MasterDark          string
	MasterFlat          string
	Overscan            *frames.Overscan // nil when disabled
	OptimizeDark        bool
	LargeScaleRejection bool
	OutputDir           string
	Postfix             string
	Suffix              string
}

// Calibrator subtracts bias and dark and divides by flat.
type Calibrator interface {
	Calibrate(ctx context.Context, req CalibrateRequest) ([]Output, error)
}

// Normalization is the output normalization applied during integration.
type Normalization string

const (
	NormalizeNone                Normalization = "none"
	NormalizeAdditive            Normalization = "additive"
	NormalizeMultiplicative      Normalization = "multiplicative"
	NormalizeAdditiveWithScaling Normalization = "additive-scaling"
)

// RejectionNormalization is the normalization applied before pixel rejection.
type RejectionNormalization string

const (
	RejectionNormNone           RejectionNormalization = "none"
	RejectionNormScale          RejectionNormalization = "scale"
	RejectionNormEqualizeFluxes RejectionNormalization = "equalize-fluxes"
)

// Weighting selects per-frame weights during integration.
type Weighting string

const (
	WeightNone            Weighting = "none"
	WeightMAD             Weighting = "mad"
	WeightNoiseEvaluation Weighting = "noise-evaluation"
)

// IntegrateRequest describes one integration call.
type IntegrateRequest struct {
	Targets                []string
	Rejection              config.RejectionConfig
	Normalization          Normalization
	RejectionNormalization RejectionNormalization
	Weighting              Weighting
	HighClip               float64 // 0 disables highlight clipping
	GenerateRejectionMaps  bool
	Output                 string
}

// IntegrateResult is the combined image and its optional rejection maps.
type IntegrateResult struct {
	Path          string
	RejectionMaps []string
}

// Integrator combines frames with outlier rejection.
type Integrator interface {
	Integrate(ctx context.Context, req IntegrateRequest) (IntegrateResult, error)
}

// RegisterRequest describes one registration call against a reference file.
type RegisterRequest struct {
	Targets              []string
	Reference            string
	Interpolation        string
	ClampingThreshold    float64
	MaxStars             int
	NoiseReductionRadius int
	UseTriangles         bool
	GenerateDrizzle      bool
	OutputDir            string
	Postfix              string
	Suffix               string
}

// RegisteredOutput is a registered frame and its optional drizzle data file.
type RegisteredOutput struct {
	Source      string
	Path        string
	DrizzlePath string
}

// Registrar aligns frames to a reference.
type Registrar interface {
	Register(ctx context.Context, req RegisterRequest) ([]RegisteredOutput, error)
}

// DrizzlePatcher may be implemented by a Registrar that knows its own
// drizzle data format. It redirects the data file from one source image to
// another and reports whether anything changed.
type DrizzlePatcher interface {
	PatchDrizzle(ctx context.Context, drizzlePath, from, to string) (bool, error)
}

// Debayerer demosaics one CFA frame.
type Debayerer interface {
	Debayer(ctx context.Context, src, pattern, method, outDir string) (string, error)
}

// BayerSplitter writes the pattern-masked copy of a CFA frame used as a
// drizzle source.
type BayerSplitter interface {
	Split(ctx context.Context, src, pattern, outDir string) (string, error)
}

// CosmeticRequest applies a stored template to a set of frames.
type CosmeticRequest struct {
	TemplateID string
	Targets    []string
	OutputDir  string
	Postfix    string
	Suffix     string
}

// CosmeticCorrector repairs defect pixels.
type CosmeticCorrector interface {
	Apply(ctx context.Context, req CosmeticRequest) ([]Output, error)
}

// TemplateKindCosmetic is the kind of template usable for cosmetic correction.
const TemplateKindCosmetic = "CosmeticCorrection"

// Template is a named, pre-existing processing template.
type Template struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	CFA  bool   `json:"cfa"`
}

// TemplateCatalog resolves template ids.
type TemplateCatalog interface {
	Lookup(id string) (Template, bool)
}

// Previewer renders a small preview of an integrated image.
type Previewer interface {
	Preview(ctx context.Context, src, dst string) error
}

// Services bundles the collaborators a session drives. Any of them may be
// nil when the corresponding step is never reached.
type Services struct {
	Calibrator Calibrator
	Registrar  Registrar
	Integrator Integrator
	Debayerer  Debayerer
	Splitter   BayerSplitter
	Cosmetic   CosmeticCorrector
	Templates  TemplateCatalog
	Previewer  Previewer
}
