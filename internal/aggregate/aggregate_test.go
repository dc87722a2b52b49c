package aggregate

import (
	"testing"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/tagsolve"
	"github.com/banshee-data/tagpose/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func resolver(t *testing.T) *tagsolve.Resolver {
	t.Helper()
	r, err := tagsolve.NewResolver(camera.HD720(), testutil.TagEdge, nil, tagsolve.Options{})
	require.NoError(t, err)
	return r
}

func TestAggregatePicksNearest(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	far := testutil.ProjectMarker(t, k, testutil.FacingCamera(-0.3, 0, 2.0), testutil.TagEdge, 1)
	near := testutil.ProjectMarker(t, k, testutil.FacingCamera(0.2, 0, 0.5), testutil.TagEdge, 2)

	orders := map[string][]markers.Detection{
		"far first":  {far, near},
		"near first": {near, far},
	}
	for name, dets := range orders {
		t.Run(name, func(t *testing.T) {
			res := Aggregate(dets, resolver(t), nil)
			require.Len(t, res.Tags, 2)
			assert.Equal(t, dets[0].ID, res.Tags[0].ID, "Tags keep detection order")

			p, ok := res.Primary()
			require.True(t, ok)
			assert.Equal(t, 2, p.ID)
			assert.InDelta(t, 0.5, p.Depth(), 0.005)
			assert.Equal(t, []int{2, 1}, []int{res.Ranked[0].ID, res.Ranked[1].ID})

			pv := res.PrimaryValues()
			assert.Equal(t, 2, pv.ID)
			assert.InDelta(t, 0.5, pv.X, 0.005, "world x is the optical depth")
			assert.InDelta(t, -0.2, pv.Y, 0.005)
		})
	}
}

func TestAggregateEmpty(t *testing.T) {
	t.Parallel()

	res := Aggregate(nil, resolver(t), nil)
	assert.Empty(t, res.Tags)
	assert.Empty(t, res.Ranked)
	_, ok := res.Primary()
	assert.False(t, ok)
	assert.Equal(t, NoPrimary(), res.PrimaryValues())
	assert.Equal(t, TagValues{ID: -1, X: -1, Y: -1, Z: -1, Roll: -1, Pitch: -1, Heading: -1}, NoPrimary())
}

func TestAggregateDropsFailures(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	good := testutil.ProjectMarker(t, k, testutil.FacingCamera(0, 0, 1), testutil.TagEdge, 4)
	bad := good
	bad.ID = 5
	bad.Corners[1], bad.Corners[2], bad.Corners[3] = bad.Corners[0], bad.Corners[0], bad.Corners[0]

	res := Aggregate([]markers.Detection{bad, good}, resolver(t), nil)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Tags, 1)
	assert.Equal(t, 4, res.Tags[0].ID)

	only := Aggregate([]markers.Detection{bad}, resolver(t), nil)
	assert.Equal(t, NoPrimary(), only.PrimaryValues())
}

func TestAggregateStableTies(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	a := testutil.ProjectMarker(t, k, testutil.FacingCamera(-0.3, 0, 1), testutil.TagEdge, 7)
	b := testutil.ProjectMarker(t, k, testutil.FacingCamera(0.3, 0, 1), testutil.TagEdge, 8)

	// Same depth sample for both, so their depths tie exactly.
	depth := camera.NewDenseDepthMap(k.Width, k.Height)
	for _, d := range []markers.Detection{a, b} {
		c := d.CenterPixel()
		depth.Set(c.X, c.Y, r3.Vec{X: 0, Y: 0, Z: 1})
	}

	res := Aggregate([]markers.Detection{b, a}, resolver(t), depth)
	require.Len(t, res.Ranked, 2)
	assert.Equal(t, 8, res.Ranked[0].ID)
	assert.True(t, res.Ranked[0].DepthCorrected)
}
