package config

import (
	"fmt"

	"stackengine/internal/frames"
)

// Combination selects how surviving pixels are combined.
type Combination string

const (
	CombineAverage Combination = "average"
	CombineMedian  Combination = "median"
	CombineMinimum Combination = "minimum"
	CombineMaximum Combination = "maximum"
)

// Rejection names a pixel rejection algorithm.
type Rejection string

const (
	RejectNone          Rejection = "none"
	RejectMinMax        Rejection = "minmax"
	RejectPercentile    Rejection = "percentile"
	RejectSigma         Rejection = "sigma"
	RejectWinsorized    Rejection = "winsorized"
	RejectAveragedSigma Rejection = "averaged-sigma"
	RejectLinearFit     Rejection = "linear-fit"
	RejectCCDClip       Rejection = "ccd-clip"
)

var rejections = map[Rejection]bool{
	RejectNone: true, RejectMinMax: true, RejectPercentile: true, RejectSigma: true,
	RejectWinsorized: true, RejectAveragedSigma: true, RejectLinearFit: true, RejectCCDClip: true,
}

var combinations = map[Combination]bool{
	CombineAverage: true, CombineMedian: true, CombineMinimum: true, CombineMaximum: true,
}

// RejectionConfig holds the integration settings for one frame class.
type RejectionConfig struct {
	Combination    Combination `json:"combination"`
	Rejection      Rejection   `json:"rejection"`
	MinMaxLow      int         `json:"minmax_low"`
	MinMaxHigh     int         `json:"minmax_high"`
	PercentileLow  float64     `json:"percentile_low"`
	PercentileHigh float64     `json:"percentile_high"`
	SigmaLow       float64     `json:"sigma_low"`
	SigmaHigh      float64     `json:"sigma_high"`
	LinearFitLow   float64     `json:"linear_fit_low"`
	LinearFitHigh  float64     `json:"linear_fit_high"`
}

// DefaultRejection returns the stock settings for class.
func DefaultRejection(class frames.Class) RejectionConfig {
	rc := RejectionConfig{
		Combination:    CombineAverage,
		Rejection:      RejectWinsorized,
		MinMaxLow:      1,
		MinMaxHigh:     1,
		PercentileLow:  0.2,
		PercentileHigh: 0.1,
		SigmaLow:       4.0,
		SigmaHigh:      3.0,
		LinearFitLow:   5.0,
		LinearFitHigh:  2.5,
	}
	if class == frames.Flat {
		rc.SigmaLow, rc.SigmaHigh = 3.0, 3.0
	}
	return rc
}

// Validate checks the enum fields.
func (rc RejectionConfig) Validate() error {
	if !combinations[rc.Combination] {
		return fmt.Errorf("unknown combination %q", rc.Combination)
	}
	if !rejections[rc.Rejection] {
		return fmt.Errorf("unknown rejection algorithm %q", rc.Rejection)
	}
	return nil
}

// MinimumFrames is the smallest group the algorithm can work with at all.
func (r Rejection) MinimumFrames() int {
	switch r {
	case RejectMinMax, RejectPercentile, RejectSigma, RejectWinsorized, RejectAveragedSigma:
		return 3
	case RejectLinearFit:
		return 5
	default:
		return 1
	}
}
