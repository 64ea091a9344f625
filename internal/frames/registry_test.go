package frames

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func addN(r *Registry, n int, class Class, filter string, binning int, exposure float64) {
	for i := 0; i < n; i++ {
		path := fmt.Sprintf("/frames/%s-%s-%d-%g-%d.fit", class, filter, binning, exposure, i)
		r.AddFile(NewFileItem(path, exposure), class, filter, binning, exposure, false)
	}
}

func TestAddFileGroupsIdenticalParameters(t *testing.T) {
	r := NewRegistry(DefaultDarkTolerance)
	addN(r, 5, Bias, "", 1, 0)
	require.Len(t, r.Groups(), 1)
	g := r.Groups()[0]
	require.Equal(t, Bias, g.Class)
	require.Equal(t, 5, g.Len())
	require.False(t, g.Master)
}

func TestAddFileDiscriminatingFields(t *testing.T) {
	cases := []struct {
		name   string
		class  Class
		filter string
		bin    int
		exp    float64
		same   bool
	}{
		{"bias ignores filter and exposure", Bias, "Ha", 1, 5, true},
		{"bias binning differs", Bias, "", 2, 0, false},
		{"dark ignores filter", Dark, "OIII", 1, 305, true},
		{"dark exposure outside tolerance", Dark, "", 1, 320, false},
		{"flat same filter", Flat, "L", 1, 3, true},
		{"flat filter case sensitive", Flat, "l", 1, 1, false},
		{"light exposure not a criterion", Light, "L", 1, 600, true},
		{"light binning differs", Light, "L", 2, 300, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(DefaultDarkTolerance)
			base := map[Class]struct {
				filter string
				exp    float64
			}{
				Bias:  {"", 0},
				Dark:  {"", 300},
				Flat:  {"L", 2},
				Light: {"L", 300},
			}[tc.class]
			r.AddFile(NewFileItem("/a.fit", base.exp), tc.class, base.filter, 1, base.exp, false)
			r.AddFile(NewFileItem("/b.fit", tc.exp), tc.class, tc.filter, tc.bin, tc.exp, false)
			if tc.same {
				require.Len(t, r.Groups(), 1)
			} else {
				require.Len(t, r.Groups(), 2)
			}
		})
	}
}

func TestDarkToleranceSplitsGroups(t *testing.T) {
	exposures := []float64{30.0, 30.4, 31.0}

	r := NewRegistry(1.0)
	for i, e := range exposures {
		r.AddFile(NewFileItem(fmt.Sprintf("/dark%d.fit", i), e), Dark, "", 1, e, false)
	}
	require.Len(t, r.Groups(), 1)
	require.Equal(t, 3, r.Groups()[0].Len())

	r = NewRegistry(0.5)
	for i, e := range exposures {
		r.AddFile(NewFileItem(fmt.Sprintf("/dark%d.fit", i), e), Dark, "", 1, e, false)
	}
	groups := r.Groups()
	require.Len(t, groups, 2)
	require.Equal(t, 2, groups[0].Len())
	require.Equal(t, 1, groups[1].Len())
	require.Equal(t, 31.0, groups[1].Exposure)
}

func TestDarkMatchingIsSymmetricAtTolerance(t *testing.T) {
	pairs := [][2]float64{{30, 32.5}, {32.5, 30}, {120, 60}, {0.5, 0.25}}
	for _, p := range pairs {
		delta := p[0] - p[1]
		if delta < 0 {
			delta = -delta
		}
		g := NewGroup(Dark, "", 1, p[0], false)
		require.True(t, g.SameParameters(Dark, "", 1, p[1], delta), "pair %v at tolerance %g", p, delta)
		require.False(t, g.SameParameters(Dark, "", 1, p[1], delta*0.999), "pair %v below tolerance", p)

		h := NewGroup(Dark, "", 1, p[1], false)
		require.True(t, h.SameParameters(Dark, "", 1, p[0], delta))
	}
}

func TestMasterFilesNeverMerge(t *testing.T) {
	r := NewRegistry(DefaultDarkTolerance)
	addN(r, 3, Dark, "", 1, 60)
	r.AddFile(NewFileItem("/master-dark.fit", 60), Dark, "", 1, 60, true)
	r.AddFile(NewFileItem("/dark-late.fit", 60), Dark, "", 1, 60, false)

	groups := r.Groups()
	require.Len(t, groups, 2)
	require.Equal(t, 4, groups[0].Len())
	require.True(t, groups[1].Master)
	require.Equal(t, "/master-dark.fit", groups[1].MasterPath())
	require.Equal(t, 0, r.FindGroup(Dark, "", 1, 60))
}

func TestFindGroupRegistrationOrder(t *testing.T) {
	r := NewRegistry(10)
	r.AddFile(NewFileItem("/d1.fit", 100), Dark, "", 1, 100, false)
	r.AddFile(NewFileItem("/d2.fit", 115), Dark, "", 1, 115, false)
	// 108 matches both groups; the first registered wins.
	require.Equal(t, 0, r.FindGroup(Dark, "", 1, 108))
	require.Equal(t, -1, r.FindGroup(Dark, "", 2, 108))
}

func TestPurgeRemovedElementsIsIdempotent(t *testing.T) {
	r := NewRegistry(DefaultDarkTolerance)
	addN(r, 3, Bias, "", 1, 0)
	addN(r, 2, Flat, "Ha", 1, 2)
	addN(r, 4, Light, "Ha", 1, 300)

	require.True(t, r.RemoveFile(r.Groups()[0].Items[1].Path))
	for _, it := range r.Groups()[1].Items {
		r.RemoveFile(it.Path)
	}
	r.RemoveGroup(2)

	r.PurgeRemovedElements()
	once := r.Snapshot()
	r.PurgeRemovedElements()

	require.Equal(t, once.Groups(), r.Groups())
	require.Len(t, r.Groups(), 1)
	require.Equal(t, 2, r.Groups()[0].Len())
	require.Equal(t, r.Len(), len(r.Groups()))
}

func TestDeleteFrameSet(t *testing.T) {
	r := NewRegistry(DefaultDarkTolerance)
	addN(r, 2, Dark, "", 1, 60)
	addN(r, 2, Dark, "", 1, 300)
	addN(r, 2, Light, "L", 1, 300)

	r.DeleteFrameSet(Dark)
	require.Empty(t, r.GroupsOf(Dark))
	require.Len(t, r.Groups(), 1)
	require.Equal(t, Light, r.Groups()[0].Class)
}

func TestUpdateMasterFlags(t *testing.T) {
	r := NewRegistry(DefaultDarkTolerance)
	addN(r, 1, Flat, "R", 1, 1)
	addN(r, 1, Flat, "G", 1, 1)
	addN(r, 1, Light, "R", 1, 1)

	r.UpdateMasterFlags(Flat, true)
	for _, g := range r.GroupsOf(Flat) {
		require.True(t, g.Master)
	}
	require.False(t, r.GroupsOf(Light)[0].Master)

	r.UpdateMasterFlags(Flat, false)
	for _, g := range r.GroupsOf(Flat) {
		require.False(t, g.Master)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := NewRegistry(DefaultDarkTolerance)
	addN(r, 3, Bias, "", 1, 0)
	snap := r.Snapshot()
	snap.Groups()[0].PromoteMaster("/master.fit")

	require.False(t, r.Groups()[0].Master)
	require.Equal(t, 3, r.Groups()[0].Len())
	require.Equal(t, 4, snap.Groups()[0].Len())
	require.Equal(t, "/master.fit", snap.Groups()[0].MasterPath())
}

func TestPromoteMasterKeepsSubItems(t *testing.T) {
	g := NewGroup(Bias, "", 1, 0, false)
	for i := 0; i < 5; i++ {
		g.Add(NewFileItem(fmt.Sprintf("/b%d.fit", i), 0))
	}
	g.PromoteMaster("/master-bias.fit")
	require.True(t, g.Master)
	require.Equal(t, 6, g.Len())
	require.Equal(t, "/master-bias.fit", g.Items[0].Path)
	require.Len(t, g.EnabledPaths(), 5)
}

func TestNewGroupNormalizesClassParameters(t *testing.T) {
	g := NewGroup(Bias, "Ha", 0, 12, false)
	require.Equal(t, "", g.Filter)
	require.Equal(t, 0.0, g.Exposure)
	require.Equal(t, 1, g.Binning)

	d := NewGroup(Dark, "Ha", 2, 300, false)
	require.Equal(t, "", d.Filter)
	require.Equal(t, 300.0, d.Exposure)
}

func TestParseClass(t *testing.T) {
	cases := map[string]Class{
		"Bias Frame":  Bias,
		"MASTERBIAS":  Bias,
		"Dark Frame":  Dark,
		"Flat Field":  Flat,
		"Light Frame": Light,
		"LIGHT":       Light,
		"":            Unknown,
		"tricolor":    Unknown,
	}
	for in, want := range cases {
		require.Equal(t, want, ParseClass(in), in)
	}
}
