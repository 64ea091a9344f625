package frames

import "fmt"

// Rect is a pixel rectangle with exclusive right/bottom edges.
type Rect struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Valid reports whether r is normalized, non-degenerate and has a
// non-negative origin.
func (r Rect) Valid() bool {
	return r.X0 >= 0 && r.Y0 >= 0 && r.X0 < r.X1 && r.Y0 < r.Y1
}

func (r Rect) Width() int  { return r.X1 - r.X0 }
func (r Rect) Height() int { return r.Y1 - r.Y0 }

func (r Rect) String() string {
	return fmt.Sprintf("(%d,%d)-(%d,%d)", r.X0, r.Y0, r.X1, r.Y1)
}

// OverscanRegion maps a measured source area onto the area it corrects.
type OverscanRegion struct {
	Enabled bool `json:"enabled"`
	Source  Rect `json:"source"`
	Target  Rect `json:"target"`
}

// Overscan holds the four correction regions and the final image crop.
type Overscan struct {
	Enabled bool              `json:"enabled"`
	Regions [4]OverscanRegion `json:"regions"`
	Crop    Rect              `json:"crop"`
}

// Validate returns nil when the geometry is usable.
func (o Overscan) Validate() error {
	if !o.Enabled {
		return nil
	}
	if !o.Crop.Valid() {
		return &InvalidOverscanError{Region: -1, Reason: "invalid image crop rectangle " + o.Crop.String()}
	}
	for i, reg := range o.Regions {
		if !reg.Enabled {
			continue
		}
		if !reg.Source.Valid() {
			return &InvalidOverscanError{Region: i, Reason: "invalid source rectangle " + reg.Source.String()}
		}
		if !reg.Target.Valid() {
			return &InvalidOverscanError{Region: i, Reason: "invalid target rectangle " + reg.Target.String()}
		}
	}
	return nil
}

// Valid is shorthand for Validate() == nil.
func (o Overscan) Valid() bool {
	return o.Validate() == nil
}

// InvalidOverscanError describes the first invalid overscan rectangle.
// Region is -1 for the crop rectangle.
type InvalidOverscanError struct {
	Region int
	Reason string
}

func (e *InvalidOverscanError) Error() string {
	if e.Region < 0 {
		return "overscan: " + e.Reason
	}
	return fmt.Sprintf("overscan region #%d: %s", e.Region+1, e.Reason)
}
