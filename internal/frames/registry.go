package frames

import "fmt"

// Registry owns every frame group of a session. Group order is insertion
// order and is never changed implicitly.
type Registry struct {
	groups    []*Group
	tolerance float64
}

// NewRegistry returns an empty registry. A negative tolerance selects
// DefaultDarkTolerance.
func NewRegistry(darkTolerance float64) *Registry {
	if darkTolerance < 0 {
		darkTolerance = DefaultDarkTolerance
	}
	return &Registry{tolerance: darkTolerance}
}

// Tolerance returns the dark exposure matching window in seconds.
func (r *Registry) Tolerance() float64 { return r.tolerance }

// AddFile places item into a matching group, creating one if needed. Master
// files always get a group of their own.
func (r *Registry) AddFile(item *FileItem, class Class, filter string, binning int, exposure float64, master bool) *Group {
	if !class.Valid() {
		panic(fmt.Sprintf("frames: AddFile with invalid class %d", class))
	}
	if !master {
		if i := r.findMatching(class, filter, binning, exposure); i >= 0 {
			g := r.groups[i]
			g.Add(item)
			return g
		}
	}
	g := NewGroup(class, filter, binning, exposure, master)
	g.Add(item)
	r.groups = append(r.groups, g)
	return g
}

// FindGroup returns the index of the first non-master group matching the
// parameters, or -1.
func (r *Registry) FindGroup(class Class, filter string, binning int, exposure float64) int {
	return r.findMatching(class, filter, binning, exposure)
}

func (r *Registry) findMatching(class Class, filter string, binning int, exposure float64) int {
	for i, g := range r.groups {
		if g == nil || g.Master {
			continue
		}
		if g.SameParameters(class, filter, binning, exposure, r.tolerance) {
			return i
		}
	}
	return -1
}

// Len returns the number of slots, including tombstones not yet purged.
func (r *Registry) Len() int { return len(r.groups) }

// Group returns the group at index i, which may be nil if tombstoned.
func (r *Registry) Group(i int) *Group {
	if i < 0 || i >= len(r.groups) {
		return nil
	}
	return r.groups[i]
}

// Groups returns the live groups in registration order.
func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		if g != nil {
			out = append(out, g)
		}
	}
	return out
}

// GroupsOf returns the live groups of one class in registration order.
func (r *Registry) GroupsOf(class Class) []*Group {
	var out []*Group
	for _, g := range r.groups {
		if g != nil && g.Class == class {
			out = append(out, g)
		}
	}
	return out
}

// HasFile reports whether path is already registered anywhere.
func (r *Registry) HasFile(path string) bool {
	for _, g := range r.groups {
		if g != nil && g.Contains(path) {
			return true
		}
	}
	return false
}

// GroupOf returns the group holding path.
func (r *Registry) GroupOf(path string) *Group {
	for _, g := range r.groups {
		if g != nil && g.Contains(path) {
			return g
		}
	}
	return nil
}

// RemoveGroup tombstones the group at index i.
func (r *Registry) RemoveGroup(i int) {
	if i >= 0 && i < len(r.groups) {
		r.groups[i] = nil
	}
}

// RemoveFile tombstones the item holding path. It reports whether the file
// was found.
func (r *Registry) RemoveFile(path string) bool {
	for _, g := range r.groups {
		if g == nil {
			continue
		}
		if i := g.IndexOf(path); i >= 0 {
			g.Items[i] = nil
			return true
		}
	}
	return false
}

// DeleteFrameSet drops every group of the class.
func (r *Registry) DeleteFrameSet(class Class) {
	for i, g := range r.groups {
		if g != nil && g.Class == class {
			r.groups[i] = nil
		}
	}
	r.PurgeRemovedElements()
}

// PurgeRemovedElements compacts the registry: tombstoned items are dropped
// from surviving groups, then groups left empty are dropped.
func (r *Registry) PurgeRemovedElements() {
	groups := r.groups[:0]
	for _, g := range r.groups {
		if g == nil {
			continue
		}
		items := g.Items[:0]
		for _, it := range g.Items {
			if it != nil {
				items = append(items, it)
			}
		}
		g.Items = items
		if len(g.Items) == 0 {
			continue
		}
		groups = append(groups, g)
	}
	for i := len(groups); i < len(r.groups); i++ {
		r.groups[i] = nil
	}
	r.groups = groups
}

// UpdateMasterFlags propagates the "first frame is a master" toggle to every
// group of the class.
func (r *Registry) UpdateMasterFlags(class Class, useAsMaster bool) {
	for _, g := range r.groups {
		if g != nil && g.Class == class {
			g.Master = useAsMaster
		}
	}
}

// Clear removes every group.
func (r *Registry) Clear() {
	r.groups = nil
}

// Snapshot returns a deep copy that can be mutated independently.
func (r *Registry) Snapshot() *Registry {
	c := &Registry{tolerance: r.tolerance, groups: make([]*Group, 0, len(r.groups))}
	for _, g := range r.groups {
		if g == nil {
			continue
		}
		c.groups = append(c.groups, g.Clone())
	}
	return c
}

// Paths lists every live file path in registration order.
func (r *Registry) Paths() []string {
	var out []string
	for _, g := range r.groups {
		if g == nil {
			continue
		}
		for _, it := range g.Items {
			if it != nil {
				out = append(out, it.Path)
			}
		}
	}
	return out
}
