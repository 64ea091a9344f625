package frames

import (
	"fmt"
	"math"
	"strings"
)

// Class enumerates the frame categories handled by the engine.
type Class int

const (
	Unknown Class = iota
	Bias
	Dark
	Flat
	Light
)

// DefaultDarkTolerance is the exposure window, in seconds, within which two
// darks are considered part of the same group.
const DefaultDarkTolerance = 10.0

// Classes lists the frame classes in processing order.
var Classes = [...]Class{Bias, Dark, Flat, Light}

func (c Class) String() string {
	switch c {
	case Bias:
		return "bias"
	case Dark:
		return "dark"
	case Flat:
		return "flat"
	case Light:
		return "light"
	default:
		return "unknown"
	}
}

// Valid reports whether c is one of the four processable classes.
func (c Class) Valid() bool {
	return c > Unknown && c <= Light
}

// UsesFilter reports whether the filter name discriminates groups of this class.
func (c Class) UsesFilter() bool {
	return c == Flat || c == Light
}

// MarshalText lets Class be used as a JSON object key.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	parsed := ParseClass(string(b))
	if !parsed.Valid() {
		return fmt.Errorf("unknown frame class %q", string(b))
	}
	*c = parsed
	return nil
}

// ParseClass maps a free-form frame type such as an IMAGETYP value
// ("Dark Frame", "MASTERBIAS", "Light") onto a Class.
func ParseClass(s string) Class {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case v == "":
		return Unknown
	case strings.Contains(v, "bias") || strings.Contains(v, "offset"):
		return Bias
	case strings.Contains(v, "dark"):
		return Dark
	case strings.Contains(v, "flat"):
		return Flat
	case strings.Contains(v, "light") || strings.Contains(v, "science"):
		return Light
	default:
		return Unknown
	}
}

// FileItem is a single input file inside a group.
type FileItem struct {
	Path     string  `json:"path"`
	Exposure float64 `json:"exposure"`
	Enabled  bool    `json:"enabled"`
}

// NewFileItem returns an enabled item for path.
func NewFileItem(path string, exposure float64) *FileItem {
	return &FileItem{Path: path, Exposure: exposure, Enabled: true}
}

// Group is a bucket of files sharing classification parameters. When Master
// is set, Items[0] is the master frame.
type Group struct {
	Class    Class       `json:"class"`
	Filter   string      `json:"filter"`
	Binning  int         `json:"binning"`
	Exposure float64     `json:"exposure"`
	Master   bool        `json:"master"`
	Enabled  bool        `json:"enabled"`
	Items    []*FileItem `json:"items"`
}

// NewGroup creates an empty group, normalizing the parameters that do not
// apply to the class.
func NewGroup(class Class, filter string, binning int, exposure float64, master bool) *Group {
	if !class.UsesFilter() {
		filter = ""
	}
	if class == Bias {
		exposure = 0
	}
	if binning <= 0 {
		binning = 1
	}
	return &Group{
		Class:    class,
		Filter:   filter,
		Binning:  binning,
		Exposure: exposure,
		Master:   master,
		Enabled:  true,
	}
}

// SameParameters implements the group matching rule.
func (g *Group) SameParameters(class Class, filter string, binning int, exposure, tolerance float64) bool {
	if g.Class != class || g.Binning != normBinning(binning) {
		return false
	}
	switch class {
	case Bias:
		return true
	case Dark:
		return math.Abs(g.Exposure-exposure) <= tolerance
	default:
		return g.Filter == filter
	}
}

// Len counts live items.
func (g *Group) Len() int {
	n := 0
	for _, it := range g.Items {
		if it != nil {
			n++
		}
	}
	return n
}

// Add appends an item.
func (g *Group) Add(item *FileItem) {
	g.Items = append(g.Items, item)
}

// EnabledPaths returns the paths of enabled items, skipping the master slot.
func (g *Group) EnabledPaths() []string {
	var out []string
	for i, it := range g.Items {
		if it == nil || !it.Enabled {
			continue
		}
		if g.Master && i == 0 {
			continue
		}
		out = append(out, it.Path)
	}
	return out
}

// Contains reports whether path is one of the group's items.
func (g *Group) Contains(path string) bool {
	return g.IndexOf(path) >= 0
}

// IndexOf returns the item index of path or -1.
func (g *Group) IndexOf(path string) int {
	for i, it := range g.Items {
		if it != nil && it.Path == path {
			return i
		}
	}
	return -1
}

// MasterPath returns the master file of a master group.
func (g *Group) MasterPath() string {
	if !g.Master || len(g.Items) == 0 || g.Items[0] == nil {
		return ""
	}
	return g.Items[0].Path
}

// PromoteMaster flags the group as master and prepends the synthesized file.
func (g *Group) PromoteMaster(path string) {
	item := NewFileItem(path, g.Exposure)
	g.Items = append([]*FileItem{item}, g.Items...)
	g.Master = true
}

// Clone returns a deep copy.
func (g *Group) Clone() *Group {
	c := *g
	c.Items = make([]*FileItem, len(g.Items))
	for i, it := range g.Items {
		if it == nil {
			continue
		}
		cp := *it
		c.Items[i] = &cp
	}
	return &c
}

// Name is a short, file-name friendly signature such as "dark-BIN1-300s".
func (g *Group) Name() string {
	parts := []string{g.Class.String()}
	if g.Class.UsesFilter() && g.Filter != "" {
		parts = append(parts, SanitizeFilter(g.Filter))
	}
	parts = append(parts, fmt.Sprintf("BIN%d", g.Binning))
	if g.Class == Dark || g.Class == Light {
		parts = append(parts, fmt.Sprintf("%gs", g.Exposure))
	}
	return strings.Join(parts, "-")
}

func (g *Group) String() string {
	s := fmt.Sprintf("%s binning=%d", g.Class, g.Binning)
	if g.Class.UsesFilter() {
		s += fmt.Sprintf(" filter=%q", g.Filter)
	}
	if g.Class != Bias {
		s += fmt.Sprintf(" exposure=%gs", g.Exposure)
	}
	if g.Master {
		s += " [master]"
	}
	return s
}

// SanitizeFilter replaces characters that are unsafe in file names.
func SanitizeFilter(filter string) string {
	var b strings.Builder
	for _, r := range filter {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func normBinning(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}
