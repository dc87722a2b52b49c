package frames

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tagpose/internal/pose"
)

func TestNativeWorldRoundTripIsExact(t *testing.T) {
	t.Parallel()
	c := Default()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		p := pose.New(
			rng.NormFloat64()*10, rng.NormFloat64()*10, rng.NormFloat64()*10,
			rng.NormFloat64()*4, rng.NormFloat64()*4, rng.NormFloat64()*4,
		)
		assert.Equal(t, p, c.ToNative(c.ToWorld(p)))
		assert.Equal(t, p, c.ToWorld(c.ToNative(p)))
	}
}

func TestCanonicalMapping(t *testing.T) {
	t.Parallel()
	c := Default()

	native := pose.New(1, 2, 3, 0.1, 0.2, 0.3)
	world := c.ToWorld(native)
	assert.Equal(t, pose.New(3, -1, -2, 0.3, -0.1, -0.2), world)

	// 2-D projection goes through the same mapping
	assert.Equal(t, pose.Planar{X: 3, Y: -1, Heading: -0.2}, c.PlanarToWorld(native))
}

func TestCameraLookingAlongOpticalAxis(t *testing.T) {
	t.Parallel()
	c := Default()

	// 2 m in front of the camera and 0.5 m to its right is 2 m forward and
	// 0.5 m to the robot's right (negative y).
	world := c.ToWorld(pose.New(0.5, 0, 2, 0, 0, 0))
	assert.Equal(t, 2.0, world.X)
	assert.Equal(t, -0.5, world.Y)
}

func TestVarianceToWorld(t *testing.T) {
	t.Parallel()
	c := Default()

	full := c.VarianceToWorld([]float64{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []float64{3, 1, 2, 6, 4, 5}, full)

	trans := c.VarianceToWorld([]float64{1, 2, 3})
	assert.Equal(t, []float64{3, 1, 2}, trans)

	assert.Empty(t, c.VarianceToWorld(nil))
}

func TestAxisMapValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		m       AxisMap
		wantErr bool
	}{
		{"canonical", NativeToWorld, false},
		{"identity", AxisMap{Source: [6]int{0, 1, 2, 3, 4, 5}, Sign: [6]float64{1, 1, 1, 1, 1, 1}}, false},
		{"duplicate", AxisMap{Source: [6]int{0, 0, 2, 3, 4, 5}, Sign: [6]float64{1, 1, 1, 1, 1, 1}}, true},
		{"bad sign", AxisMap{Source: [6]int{0, 1, 2, 3, 4, 5}, Sign: [6]float64{1, 1, 0.5, 1, 1, 1}}, true},
		{"mixes blocks", AxisMap{Source: [6]int{3, 1, 2, 0, 4, 5}, Sign: [6]float64{1, 1, 1, 1, 1, 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConverter(tt.m)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSentinelUnderPermutationOnly(t *testing.T) {
	t.Parallel()

	// A sign-free permutation leaves the sentinel untouched; the canonical map
	// flips signs, so callers never route the sentinel through it.
	perm, err := NewConverter(AxisMap{Source: [6]int{2, 0, 1, 5, 3, 4}, Sign: [6]float64{1, 1, 1, 1, 1, 1}})
	require.NoError(t, err)
	assert.True(t, perm.ToWorld(pose.Sentinel()).IsSentinel())
	assert.False(t, Default().ToWorld(pose.Sentinel()).IsSentinel())
}

func TestReorderTrackingAngles(t *testing.T) {
	t.Parallel()

	tracked := pose.New(1, 2, 3, 0.1, 0.2, 0.3)
	got := ReorderTrackingAngles(tracked)
	assert.Equal(t, pose.New(1, 2, 3, 0.3, 0.1, 0.2), got)
	assert.False(t, math.IsNaN(got.Roll))
}

func TestTrackerAnglesInvertsReorder(t *testing.T) {
	t.Parallel()

	native := pose.New(1, 2, 3, 0.1, 0.2, 0.3)
	slots := TrackerAngles(native)
	assert.Equal(t, pose.New(1, 2, 3, 0.2, 0.3, 0.1), slots)
	assert.Equal(t, native, ReorderTrackingAngles(slots))
}
