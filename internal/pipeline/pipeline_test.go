package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/camera/synthetic"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/tagsolve"
	"github.com/banshee-data/tagpose/internal/telemetry"
	"github.com/banshee-data/tagpose/internal/testutil"
	"github.com/banshee-data/tagpose/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	monitoring.SetLogger(nil)
}

type rig struct {
	cam    *synthetic.Camera
	table  *telemetry.Table
	runner *Runner
	clock  *timeutil.MockClock
}

type rigOptions struct {
	layout    *estimator.Layout
	reference pose.Pose
	strategy  estimator.StrategyName
	policy    estimator.RelocalizePolicy
	cam       synthetic.Config
	recorder  Recorder
	publisher telemetry.Publisher
}

func oneMarkerAhead() *estimator.Layout {
	return estimator.NewLayout(map[int]pose.Pose{
		1: pose.New(0, 0, 3, math.Pi, 0, 0),
	})
}

func newRig(t *testing.T, o rigOptions) *rig {
	t.Helper()
	if o.layout == nil {
		o.layout = oneMarkerAhead()
	}
	if o.strategy == "" {
		o.strategy = estimator.MarkerSolve
	}
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	cfg := o.cam
	cfg.Intrinsics = camera.HD720()
	cfg.Layout = o.layout
	cfg.TagEdge = testutil.TagEdge
	cfg.Clock = clock
	cam, err := synthetic.New(cfg)
	require.NoError(t, err)

	resolver, err := tagsolve.NewResolver(camera.HD720(), testutil.TagEdge, frames.Default(), tagsolve.Options{})
	require.NoError(t, err)
	strategy, err := estimator.New(o.strategy, estimator.Deps{Resolver: resolver, Layout: o.layout})
	require.NoError(t, err)
	session := estimator.NewSession(o.reference, cam, estimator.SessionOptions{Policy: o.policy})

	table := telemetry.NewTable(telemetry.TableName)
	var pub telemetry.Publisher = table
	if o.publisher != nil {
		pub = telemetry.Multi{table, o.publisher}
	}
	r, err := New(Options{
		Camera:    cam,
		Detector:  cam.Detector(),
		Resolver:  resolver,
		Strategy:  strategy,
		Session:   session,
		Publisher: pub,
		Recorder:  o.recorder,
		Clock:     clock,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	return &rig{cam: cam, table: table, runner: r, clock: clock}
}

func (r *rig) array(t *testing.T, key string) []float64 {
	t.Helper()
	v, ok := r.table.NumberArray(key)
	require.True(t, ok, "missing %s", key)
	return v
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.EqualError(t, err, "pipeline: camera is required")
}

func TestStepRelocalizesOnFirstFix(t *testing.T) {
	// The configured start is half a metre off; the marker fix corrects it.
	r := newRig(t, rigOptions{reference: pose.New(0.5, 0, 0, 0, 0, 0)})
	ctx := context.Background()

	out, err := r.runner.Step(ctx)
	require.NoError(t, err)
	require.True(t, out.Estimate.Valid)
	assert.Equal(t, string(estimator.MarkerSolve), out.Estimate.Strategy)
	testutil.AssertPoseNear(t, pose.Identity(), out.Estimate.Pose, 1e-6)

	// Odometry for this frame still uses the configured start: native +x is
	// world -y.
	require.True(t, out.Odometry.Valid)
	testutil.AssertPoseNear(t, pose.New(0, -0.5, 0, 0, 0, 0), out.Odometry.Pose, 1e-9)

	testutil.AssertPoseNear(t, pose.Identity(), r.runner.Session().Reference(), 1e-6)
	assert.Len(t, r.cam.Origins(), 2)

	out, err = r.runner.Step(ctx)
	require.NoError(t, err)
	testutil.AssertPoseNear(t, pose.Identity(), out.Odometry.Pose, 1e-6)

	s := r.runner.Stats()
	assert.Equal(t, uint64(2), s.Frames)
	assert.Equal(t, uint64(1), s.Relocalizations)
	assert.Equal(t, uint64(0), s.AbsentEstimates)
	assert.Same(t, out, r.runner.Latest())
}

func TestStepPublishesEveryKey(t *testing.T) {
	r := newRig(t, rigOptions{})
	_, err := r.runner.Step(context.Background())
	require.NoError(t, err)

	ids := r.array(t, telemetry.KeyTagIDs)
	assert.Equal(t, []float64{1}, ids)
	// 3 m straight ahead is world +x.
	assert.InDeltaSlice(t, []float64{3}, r.array(t, telemetry.KeyTagXs), 1e-6)
	assert.InDeltaSlice(t, []float64{0}, r.array(t, telemetry.KeyTagYs), 1e-6)

	id, ok := r.table.Number(telemetry.KeyPrimaryTagID)
	require.True(t, ok)
	assert.Equal(t, 1.0, id)
	z, ok := r.table.Number(telemetry.KeyPrimaryTagZ)
	require.True(t, ok)
	assert.InDelta(t, 0, z, 1e-6)

	frameID, ok := r.table.Number(telemetry.KeyFrameID)
	require.True(t, ok)
	assert.Equal(t, 1.0, frameID)

	planar := r.array(t, telemetry.KeyPoseEstimate)
	assert.InDeltaSlice(t, []float64{0, 0, 0}, planar, 1e-6)
	assert.Len(t, r.array(t, telemetry.KeyVOPoseEstimate), 12)
}

func TestStepWithoutMarkersPublishesSentinels(t *testing.T) {
	behind := estimator.NewLayout(map[int]pose.Pose{
		1: pose.New(0, 0, -3, 0, 0, 0),
	})
	r := newRig(t, rigOptions{layout: behind})

	out, err := r.runner.Step(context.Background())
	require.NoError(t, err)
	assert.False(t, out.Estimate.Valid)
	assert.True(t, out.Estimate.Pose.IsSentinel())
	assert.Empty(t, out.Tags)
	assert.Equal(t, -1, out.Primary.ID)

	assert.Empty(t, r.array(t, telemetry.KeyTagIDs))
	assert.Equal(t, []float64{-1, -1, -1}, r.array(t, telemetry.KeyPoseEstimate))
	id, _ := r.table.Number(telemetry.KeyPrimaryTagID)
	assert.Equal(t, -1.0, id)

	// Tracking still runs.
	assert.True(t, out.Odometry.Valid)
	assert.Equal(t, uint64(1), r.runner.Stats().AbsentEstimates)
}

func TestVisualOdometryPrimary(t *testing.T) {
	start := pose.New(0.2, 0, 0, 0, 0, 0)
	traj := func(d time.Duration) pose.Pose {
		return pose.New(0.2, 0, 0.5*d.Seconds(), 0, 0, 0)
	}
	r := newRig(t, rigOptions{
		reference: start,
		strategy:  estimator.VisualOdometry,
		cam:       synthetic.Config{Trajectory: traj, FrameInterval: 100 * time.Millisecond},
	})
	ctx := context.Background()
	var out *telemetry.Frame
	var err error
	for i := 0; i < 5; i++ {
		out, err = r.runner.Step(ctx)
		require.NoError(t, err)
	}
	// Frame 5 is 0.4 s in: 0.2 m forward, world +x.
	testutil.AssertPoseNear(t, pose.New(0.2, -0.2, 0, 0, 0, 0), out.Estimate.Pose, 1e-9)
	assert.Equal(t, out.Estimate.Pose, out.Odometry.Pose)
	assert.Equal(t, uint64(0), r.runner.Stats().Relocalizations)
}

func TestRunSkipsMissingFramesAndStopsAtEnd(t *testing.T) {
	r := newRig(t, rigOptions{cam: synthetic.Config{DropEvery: 4, MaxFrames: 9}})
	require.NoError(t, r.runner.Run(context.Background()))

	s := r.runner.Stats()
	assert.Equal(t, uint64(9), s.Frames)
	// Grabs 4 and 8 were dropped, then the stream ended on the 12th.
	assert.Equal(t, uint64(3), s.Skipped)
	assert.Equal(t, uint64(9), r.runner.Latest().FrameID)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.runner.Run(ctx))
	assert.Equal(t, uint64(0), r.runner.Stats().Frames)
}

func TestStatsFPSFromPacedFrames(t *testing.T) {
	r := newRig(t, rigOptions{cam: synthetic.Config{Pace: true, FrameInterval: 50 * time.Millisecond}})
	for i := 0; i < 10; i++ {
		_, err := r.runner.Step(context.Background())
		require.NoError(t, err)
	}
	assert.InDelta(t, 20, r.runner.Stats().FPS, 1e-9)
}

type countingRecorder struct {
	mu     sync.Mutex
	frames []uint64
}

func (c *countingRecorder) RecordFrame(_ context.Context, f *telemetry.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f.FrameID)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *telemetry.Frame) error {
	return errors.New("bus down")
}
func (failingPublisher) Close() error { return nil }

func TestRecorderAndPublishErrors(t *testing.T) {
	rec := &countingRecorder{}
	r := newRig(t, rigOptions{recorder: rec, publisher: failingPublisher{}})
	for i := 0; i < 3; i++ {
		_, err := r.runner.Step(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{1, 2, 3}, rec.frames)
	assert.Equal(t, uint64(3), r.runner.Stats().PublishErrors)
	// The healthy sink still got every frame.
	assert.Equal(t, uint64(3), r.table.Updates())
}

type brokenDetector struct{}

func (brokenDetector) Detect(*camera.Frame) ([]markers.Detection, error) {
	return nil, errors.New("decoder crashed")
}
func (brokenDetector) Close() error { return nil }

func TestDetectorFailureYieldsNoMarkers(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.runner.detector = brokenDetector{}

	out, err := r.runner.Step(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.Tags)
	assert.False(t, out.Estimate.Valid)
}

type fakeCamera struct {
	camera.Camera
	openErr, trackErr error
}

func (f fakeCamera) Open(context.Context) error     { return f.openErr }
func (f fakeCamera) EnableTracking(pose.Pose) error { return f.trackErr }
func (f fakeCamera) Close() error                   { return nil }

func TestStartErrors(t *testing.T) {
	resolver, err := tagsolve.NewResolver(camera.HD720(), testutil.TagEdge, nil, tagsolve.Options{})
	require.NoError(t, err)
	vo, err := estimator.New(estimator.VisualOdometry, estimator.Deps{})
	require.NoError(t, err)

	build := func(cam camera.Camera) *Runner {
		r, err := New(Options{
			Camera:    cam,
			Detector:  brokenDetector{},
			Resolver:  resolver,
			Strategy:  vo,
			Session:   estimator.NewSession(pose.Identity(), nil, estimator.SessionOptions{}),
			Publisher: telemetry.NewTable(telemetry.TableName),
		})
		require.NoError(t, err)
		return r
	}

	err = build(fakeCamera{openErr: errors.New("no usb")}).Start(context.Background())
	assert.EqualError(t, err, "open camera: no usb")

	err = build(fakeCamera{trackErr: camera.ErrTrackingUnavailable}).Start(context.Background())
	assert.ErrorIs(t, err, camera.ErrTrackingUnavailable)
	assert.Contains(t, err.Error(), "enable positional tracking")

	assert.NoError(t, build(fakeCamera{}).Close())
}

func TestStatsWindow(t *testing.T) {
	s := NewStats(3)
	t0 := time.Unix(100, 0)
	assert.Zero(t, s.Snapshot().FPS)
	for i := 0; i < 5; i++ {
		s.recordFrame(t0.Add(time.Duration(i)*time.Second), 1, i%2 == 0, false)
	}
	snap := s.Snapshot()
	assert.Equal(t, uint64(5), snap.Frames)
	assert.Equal(t, uint64(5), snap.DroppedTags)
	assert.Equal(t, uint64(2), snap.AbsentEstimates)
	// Only the last three frames, two seconds apart end to end.
	assert.InDelta(t, 1.0, snap.FPS, 1e-12)
}
