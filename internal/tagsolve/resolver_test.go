package tagsolve

import (
	"errors"
	"math"
	"testing"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

func newResolver(t *testing.T, k camera.Intrinsics, opts Options) *Resolver {
	t.Helper()
	r, err := NewResolver(k, testutil.TagEdge, nil, opts)
	require.NoError(t, err)
	return r
}

func TestSolveOneMetreStandoff(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	r := newResolver(t, k, Options{})
	d := testutil.ProjectMarker(t, k, testutil.FacingCamera(0, 0, 1), testutil.TagEdge, 1)

	tp, err := r.Solve(d)
	require.NoError(t, err)
	assert.InEpsilon(t, 1.0, tp.Depth(), 0.01)
	assert.InDelta(t, 0, tp.Pose.X, 1e-6)
	assert.InDelta(t, 0, tp.Pose.Y, 1e-6)
	assert.InDelta(t, 0, pose.NormalizeAngle(math.Abs(tp.Pose.Roll)-math.Pi), 1e-6)
	assert.Less(t, tp.ReprojectionError, 1e-6)
	assert.False(t, tp.DepthCorrected)
	assert.Equal(t, 1, tp.ID)
}

func TestSolveObliquePoses(t *testing.T) {
	t.Parallel()

	distorted := camera.HD720()
	distorted.Distortion = []float64{-0.04, 0.01, 0.0005, -0.0003, 0}

	tests := []struct {
		name string
		k    camera.Intrinsics
		tag  pose.Pose
	}{
		{"yawed", camera.HD720(), pose.New(0.1, -0.05, 1.2, math.Pi, 0.4, 0.1)},
		{"tilted and offset", camera.HD720(), pose.New(-0.3, 0.2, 2.5, math.Pi+0.35, -0.25, 0.6)},
		{"close", camera.HD720(), pose.New(0, 0.02, 0.4, math.Pi-0.2, 0.1, -0.3)},
		{"lens distortion", distorted, pose.New(0.25, 0.1, 1.8, math.Pi+0.2, 0.3, 0.2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newResolver(t, tt.k, Options{})
			d := testutil.ProjectMarker(t, tt.k, tt.tag, testutil.TagEdge, 4)
			tp, err := r.Solve(d)
			require.NoError(t, err)
			testutil.AssertPoseNear(t, tt.tag, tp.Pose, 1e-5)
			assert.Less(t, tp.ReprojectionError, 1e-4)
			assert.InDelta(t, tt.tag.Z, tp.Translation.Z, 1e-5)
		})
	}
}

func TestSolveRotationVectorMatchesPose(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	r := newResolver(t, k, Options{})
	tag := pose.New(0.1, 0.1, 1.5, math.Pi+0.1, 0.2, 0.3)
	tp, err := r.Solve(testutil.ProjectMarker(t, k, tag, testutil.TagEdge, 2))
	require.NoError(t, err)
	testutil.AssertPoseNear(t, pose.FromRotationVector(tp.RotationVector, tp.Translation), tp.Pose, 1e-12)
}

func TestSolveDegenerate(t *testing.T) {
	t.Parallel()

	r := newResolver(t, camera.HD720(), Options{})
	tests := []struct {
		name    string
		corners [4]r2.Vec
	}{
		{"collapsed", [4]r2.Vec{{X: 10, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 10}}},
		{"collinear", [4]r2.Vec{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 20, Y: 0}, {X: 30, Y: 0}}},
		{"nan", [4]r2.Vec{{X: math.NaN(), Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Solve(markers.NewDetection(9, tt.corners, testutil.TagEdge))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNoSolution))

			_, ok := r.Resolve(markers.NewDetection(9, tt.corners, testutil.TagEdge), nil)
			assert.False(t, ok)
		})
	}
}

func TestSolveReprojectionGate(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	d := testutil.ProjectMarker(t, k, testutil.FacingCamera(0, 0, 1), testutil.TagEdge, 3)
	d.Corners[2].X += 12
	d.Corners[2].Y -= 9

	_, err := newResolver(t, k, Options{}).Solve(d)
	require.NoError(t, err)

	_, err = newResolver(t, k, Options{MaxReprojectionError: 0.5}).Solve(d)
	assert.ErrorIs(t, err, ErrNoSolution)
}

func TestResolveDepthCorrection(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	r := newResolver(t, k, Options{})
	tag := pose.New(0.05, -0.02, 1.0, math.Pi, 0.2, 0)
	d := testutil.ProjectMarker(t, k, tag, testutil.TagEdge, 5)
	c := d.CenterPixel()

	t.Run("valid sample replaces translation", func(t *testing.T) {
		depth := camera.NewDenseDepthMap(k.Width, k.Height)
		depth.Set(c.X, c.Y, r3.Vec{X: 0.06, Y: -0.01, Z: 1.04})

		tp, ok := r.Resolve(d, depth)
		require.True(t, ok)
		assert.True(t, tp.DepthCorrected)
		assert.Equal(t, r3.Vec{X: 0.06, Y: -0.01, Z: 1.04}, tp.Pose.Translation())
		assert.InDelta(t, tag.Pitch, tp.Pose.Pitch, 1e-6)
		assert.InDelta(t, 1.04, tp.Depth(), 1e-12)
		assert.InDelta(t, 1.0, tp.Translation.Z, 1e-6, "raw solution is kept alongside")
	})

	t.Run("invalid sample keeps perspective solution", func(t *testing.T) {
		depth := camera.NewDenseDepthMap(k.Width, k.Height)
		depth.Set(c.X, c.Y, r3.Vec{X: math.NaN(), Y: 0, Z: math.Inf(1)})

		tp, ok := r.Resolve(d, depth)
		require.True(t, ok)
		assert.False(t, tp.DepthCorrected)
		assert.InDelta(t, 1.0, tp.Depth(), 1e-6)
	})

	t.Run("no depth map", func(t *testing.T) {
		tp, ok := r.Resolve(d, nil)
		require.True(t, ok)
		assert.False(t, tp.DepthCorrected)
	})
}

func TestTagPoseWorldHeading(t *testing.T) {
	t.Parallel()

	k := camera.HD720()
	r := newResolver(t, k, Options{})
	tag := pose.New(0, 0, 1.5, math.Pi, 0.3, 0)
	tp, err := r.Solve(testutil.ProjectMarker(t, k, tag, testutil.TagEdge, 6))
	require.NoError(t, err)

	w := frames.Default().ToWorld(tp.Pose)
	assert.Equal(t, w, tp.World())
	assert.InDelta(t, -tp.Pose.Pitch, tp.Heading(), 1e-12)
	assert.InDelta(t, 1.5, tp.World().X, 1e-6)
}

func TestNewResolverValidation(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(camera.Intrinsics{}, 0.1, nil, Options{})
	assert.Error(t, err)
	_, err = NewResolver(camera.HD720(), 0, nil, Options{})
	assert.Error(t, err)
}

func TestHomographyMapsCorrespondences(t *testing.T) {
	t.Parallel()

	src := [4]r2.Vec{{X: -1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: -1}, {X: -1, Y: -1}}
	dst := [4]r2.Vec{{X: 100, Y: 120}, {X: 210, Y: 110}, {X: 220, Y: 230}, {X: 95, Y: 215}}
	h, err := homography(src, dst)
	require.NoError(t, err)
	assert.InDelta(t, 1, h.At(2, 2), 1e-12)
	for i := range src {
		got := applyHomography(h, src[i])
		assert.InDelta(t, dst[i].X, got.X, 1e-8)
		assert.InDelta(t, dst[i].Y, got.Y, 1e-8)
	}
}

func TestPlanarPoseCandidatesAreRotations(t *testing.T) {
	t.Parallel()

	obj := markers.CornerOffsets(testutil.TagEdge)
	for _, truth := range []pose.Pose{
		testutil.FacingCamera(0, 0, 1),
		pose.New(0.02, -0.01, 0.8, math.Pi+0.05, 0.1, 0.02),
		pose.New(-0.3, 0.1, 2.5, math.Pi-0.4, 0.6, -0.2),
	} {
		var img [4]r2.Vec
		for i, p := range obj {
			c := truth.Apply(p)
			img[i] = r2.Vec{X: c.X / c.Z, Y: c.Y / c.Z}
		}
		cands, err := planarPose(obj, img)
		require.NoError(t, err, "%v", truth)

		matched := false
		for _, c := range cands {
			var rrt mat.Dense
			rrt.Mul(c.r, c.r.T())
			assert.True(t, mat.EqualApprox(&rrt, mat.NewDiagDense(3, []float64{1, 1, 1}), 1e-12), "%v: R·Rᵀ = %v", truth, mat.Formatted(&rrt))
			assert.InDelta(t, 1, mat.Det(c.r), 1e-12)
			if mat.EqualApprox(c.r, truth.Rotation(), 1e-6) {
				matched = true
			}
		}
		assert.True(t, matched, "no candidate matches %v", truth)
	}
}
