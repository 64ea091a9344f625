package frames

import "math"

// unknownExposure stands in for a missing exposure time so the nearest
// candidate is the longest dark, which dark optimization can scale down.
const unknownExposure = 1e10

// Resolver selects previously synthesized master frames. It performs
// read-only lookups over master-flagged groups.
type Resolver struct {
	reg *Registry
}

// NewResolver returns a resolver over reg.
func NewResolver(reg *Registry) *Resolver {
	return &Resolver{reg: reg}
}

// ResolveMasterDark returns the master dark with matching binning whose
// exposure is closest to exposure, or "" if none exists.
func (r *Resolver) ResolveMasterDark(binning int, exposure float64) string {
	binning = normBinning(binning)
	if exposure <= 0 {
		exposure = unknownExposure
	}
	var best *Group
	bestDelta := math.Inf(1)
	for _, g := range r.masters(Dark) {
		if g.Binning != binning {
			continue
		}
		delta := math.Abs(g.Exposure - exposure)
		if delta < bestDelta {
			best, bestDelta = g, delta
			if delta == 0 {
				break
			}
		}
	}
	if best == nil {
		return ""
	}
	return best.MasterPath()
}

// ResolveMasterBias returns the first master bias with matching binning.
func (r *Resolver) ResolveMasterBias(binning int) string {
	binning = normBinning(binning)
	for _, g := range r.masters(Bias) {
		if g.Binning == binning {
			return g.MasterPath()
		}
	}
	return ""
}

// ResolveMasterFlat returns the first master flat with matching binning and
// filter.
func (r *Resolver) ResolveMasterFlat(binning int, filter string) string {
	binning = normBinning(binning)
	for _, g := range r.masters(Flat) {
		if g.Binning == binning && g.Filter == filter {
			return g.MasterPath()
		}
	}
	return ""
}

func (r *Resolver) masters(class Class) []*Group {
	var out []*Group
	for _, g := range r.reg.GroupsOf(class) {
		if g.Master && g.MasterPath() != "" {
			out = append(out, g)
		}
	}
	return out
}
