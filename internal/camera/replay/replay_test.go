package replay

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/camera/synthetic"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func slide(d time.Duration) pose.Pose {
	return pose.New(0.2*d.Seconds(), 0, 0, 0, 0.02*d.Seconds(), 0)
}

// recordSession captures n synthetic frames with tracking enabled from the start.
func recordSession(t *testing.T, n int) ([]byte, []*camera.Frame, [][]markers.Detection) {
	t.Helper()
	layout := estimator.NewLayout(map[int]pose.Pose{
		4: pose.New(0, 0, 2, math.Pi, 0, 0),
	})
	src, err := synthetic.New(synthetic.Config{
		Intrinsics:    camera.HD720(),
		Layout:        layout,
		TagEdge:       testutil.TagEdge,
		Trajectory:    slide,
		FrameInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, src.Open(ctx))
	require.NoError(t, src.EnableTracking(pose.Identity()))

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	var fs []*camera.Frame
	var ds [][]markers.Detection
	for i := 0; i < n; i++ {
		f, err := src.Grab(ctx)
		require.NoError(t, err)
		dets, err := src.Detector().Detect(f)
		require.NoError(t, err)
		require.NoError(t, enc.Encode(f, dets))
		fs = append(fs, f)
		ds = append(ds, dets)
	}
	require.NoError(t, enc.Flush())
	return buf.Bytes(), fs, ds
}

func TestRoundTrip(t *testing.T) {
	data, want, wantDets := recordSession(t, 3)
	assert.Equal(t, 3, bytes.Count(data, []byte("\n")))

	cam, err := NewCamera(bytes.NewReader(data), camera.HD720())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, cam.Open(ctx))
	require.NoError(t, cam.EnableTracking(pose.Identity()))
	det := cam.Detector()

	for i := range want {
		f, err := cam.Grab(ctx)
		require.NoError(t, err)
		assert.Equal(t, want[i].ID, f.ID)
		assert.True(t, want[i].Timestamp.Equal(f.Timestamp))
		assert.Equal(t, camera.TrackingOK, f.Tracking.Status)
		assert.Nil(t, f.Image)
		testutil.AssertPoseNear(t, want[i].Tracking.Pose, f.Tracking.Pose, 1e-9)

		dets, err := det.Detect(f)
		require.NoError(t, err)
		require.Len(t, dets, len(wantDets[i]))
		for j := range dets {
			assert.Equal(t, wantDets[i][j].ID, dets[j].ID)
			assert.InDeltaSlice(t, cornerSlice(wantDets[i][j]), cornerSlice(dets[j]), 1e-9)
			assert.InDelta(t, wantDets[i][j].Offsets[1].X, dets[j].Offsets[1].X, 1e-12)
		}

		// Depth under the marker survives, depth elsewhere does not.
		c := dets[0].CenterPixel()
		got, src := f.Depth.At(c.X, c.Y), want[i].Depth.At(c.X, c.Y)
		require.True(t, got.Valid())
		assert.InDelta(t, src.Point.Z, got.Point.Z, 1e-12)
		assert.False(t, f.Depth.At(0, 0).Valid())
		assert.Equal(t, want[i].Depth.Bounds(), f.Depth.Bounds())
	}

	_, err = cam.Grab(ctx)
	assert.ErrorIs(t, err, camera.ErrEndOfStream)
	assert.NoError(t, cam.Close())
}

func cornerSlice(d markers.Detection) []float64 {
	var out []float64
	for _, c := range d.Corners {
		out = append(out, c.X, c.Y)
	}
	return out
}

func TestResetRebasesTracking(t *testing.T) {
	data, _, _ := recordSession(t, 3)
	cam, err := NewCamera(bytes.NewReader(data), camera.HD720())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, cam.Open(ctx))

	assert.ErrorIs(t, cam.ResetTracking(pose.Identity()), camera.ErrTrackingUnavailable)
	require.NoError(t, cam.EnableTracking(pose.Identity()))

	_, err = cam.Grab(ctx)
	require.NoError(t, err)
	_, err = cam.Grab(ctx)
	require.NoError(t, err)
	require.NoError(t, cam.ResetTracking(pose.Identity()))

	f, err := cam.Grab(ctx)
	require.NoError(t, err)
	step := slide(100 * time.Millisecond).Inverse().Compose(slide(200 * time.Millisecond))
	testutil.AssertPoseNear(t, step, frames.ReorderTrackingAngles(f.Tracking.Pose), 1e-9)
}

func TestTrackingOffUntilEnabled(t *testing.T) {
	data, _, _ := recordSession(t, 1)
	cam, err := NewCamera(bytes.NewReader(data), camera.HD720())
	require.NoError(t, err)
	require.NoError(t, cam.Open(context.Background()))

	f, err := cam.Grab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, camera.TrackingOff, f.Tracking.Status)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	in := strings.Join([]string{
		`not json`,
		`{"id":7,"timestamp":"2026-01-01T00:00:00Z","tracking":{"status":"lost","pose":[0,0,0,0,0,0]},"detections":[{"id":1,"corners":[[0,0],[1,0],[1,1],[0,1]],"edge":0}]}`,
		`{"id":8,"timestamp":"2026-01-01T00:00:00Z","tracking":{"status":"lost","pose":[0,0,0,0,0,0]}}`,
	}, "\n")
	cam, err := NewCamera(strings.NewReader(in), camera.HD720())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, cam.Open(ctx))

	_, err = cam.Grab(ctx)
	assert.ErrorIs(t, err, camera.ErrNoFrame)
	_, err = cam.Grab(ctx)
	assert.ErrorIs(t, err, camera.ErrNoFrame)

	f, err := cam.Grab(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), f.ID)
	assert.Nil(t, f.Depth)
	dets, err := cam.Detector().Detect(f)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestImageRoundTrip(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(30*x + y)})
		}
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(&camera.Frame{ID: 5, Timestamp: time.Unix(100, 0), Image: img}, nil))
	require.NoError(t, enc.Flush())
	assert.Contains(t, buf.String(), `"image":`)

	cam, err := NewCamera(&buf, camera.HD720())
	require.NoError(t, err)
	require.NoError(t, cam.Open(context.Background()))
	f, err := cam.Grab(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f.Image)
	assert.Equal(t, img.Bounds(), f.Image.Bounds())
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			assert.Equal(t, img.GrayAt(x, y), color.GrayModel.Convert(f.Image.At(x, y)), "pixel %d,%d", x, y)
		}
	}
}

func TestCorruptImageIsSkipped(t *testing.T) {
	in := `{"id":1,"timestamp":"2026-01-01T00:00:00Z","tracking":{"status":"off","pose":[0,0,0,0,0,0]},"image":"bm90IGEgcG5n"}`
	cam, err := NewCamera(strings.NewReader(in), camera.HD720())
	require.NoError(t, err)
	require.NoError(t, cam.Open(context.Background()))
	_, err = cam.Grab(context.Background())
	assert.ErrorIs(t, err, camera.ErrNoFrame)
}

func TestOpenFromPath(t *testing.T) {
	data, _, _ := recordSession(t, 2)
	path := filepath.Join(t.TempDir(), "run.jsonl")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cam, err := Open(path, camera.HD720())
	require.NoError(t, err)
	_, err = cam.Grab(context.Background())
	assert.ErrorIs(t, err, camera.ErrNotOpen)

	require.NoError(t, cam.Open(context.Background()))
	f, err := cam.Grab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.ID)
	assert.NoError(t, cam.Close())

	missing, err := Open(filepath.Join(t.TempDir(), "nope.jsonl"), camera.HD720())
	require.NoError(t, err)
	assert.Error(t, missing.Open(context.Background()))
}
