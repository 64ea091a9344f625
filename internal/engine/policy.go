package engine

import (
	"fmt"

	"stackengine/internal/config"
)

// SampleSizeAdvice reports whether the rejection algorithm suits a stack of
// n frames. When it does not, the returned message explains why. The advice
// never blocks a run.
func SampleSizeAdvice(r config.Rejection, n int) (string, bool) {
	switch r {
	case config.RejectNone:
		return "no pixel rejection is applied; outliers will leak into the result", false
	case config.RejectCCDClip:
		return "CCD clipping is a legacy algorithm; use a sigma based rejection instead", false
	case config.RejectPercentile:
		if n > 8 {
			return fmt.Sprintf("percentile clipping is meant for small stacks; %d frames call for sigma clipping", n), false
		}
	case config.RejectSigma:
		if n < 8 {
			return fmt.Sprintf("sigma clipping needs at least 8 frames to be reliable; have %d", n), false
		}
		if n > 15 {
			return fmt.Sprintf("Winsorized sigma clipping is preferred over sigma clipping for %d frames", n), false
		}
	case config.RejectWinsorized:
		if n < 8 {
			return fmt.Sprintf("Winsorized sigma clipping needs at least 8 frames to be reliable; have %d", n), false
		}
	case config.RejectAveragedSigma:
		if n < 8 || n > 10 {
			return fmt.Sprintf("averaged sigma clipping works best with 8 to 10 frames; have %d", n), false
		}
	case config.RejectLinearFit:
		if n < 8 {
			return fmt.Sprintf("linear fit clipping is unreliable with only %d frames", n), false
		}
		if n < 20 {
			return fmt.Sprintf("linear fit clipping works best with 20 or more frames; have %d", n), false
		}
	}
	return "", true
}
