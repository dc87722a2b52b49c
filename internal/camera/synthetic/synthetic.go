// Package synthetic provides a ground-truth camera: a field of surveyed
// markers viewed from a scripted trajectory. It produces the same frames a
// depth camera would (projected marker corners, a depth cloud and tracking
// relative to the last reset) so the whole pipeline can run without
// hardware.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Trajectory gives the camera's true world pose (native axes) at elapsed
// time t since the first frame.
type Trajectory func(t time.Duration) pose.Pose

// Static holds the camera still at p.
func Static(p pose.Pose) Trajectory {
	return func(time.Duration) pose.Pose { return p }
}

// Orbit circles the camera around centre at the given radius in the
// horizontal (x, z) plane, always looking at the centre.
func Orbit(center r3.Vec, radius float64, period time.Duration) Trajectory {
	return func(t time.Duration) pose.Pose {
		theta := 2 * math.Pi * t.Seconds() / period.Seconds()
		// Start on the -z side of the centre, looking along +z.
		x := center.X - radius*math.Sin(theta)
		z := center.Z - radius*math.Cos(theta)
		return pose.New(x, center.Y, z, 0, theta, 0)
	}
}

// Config describes the scene and the simulated device.
type Config struct {
	Intrinsics camera.Intrinsics
	Layout     *estimator.Layout
	TagEdge    float64
	Trajectory Trajectory
	// FrameInterval is the simulated time between frames (default 1/30 s).
	FrameInterval time.Duration
	// Pace sleeps FrameInterval on Clock before each frame.
	Pace  bool
	Clock timeutil.Clock
	// PixelNoise is the corner noise standard deviation, pixels.
	PixelNoise float64
	Seed       int64
	// DropEvery makes every Nth grab return ErrNoFrame. Zero never drops.
	DropEvery int
	// MaxFrames ends the stream after this many frames. Zero is unlimited.
	MaxFrames int
	// WarmupFrames report TrackingSearching before tracking turns OK.
	WarmupFrames int
	Options      camera.Options
}

// Camera implements camera.Camera over a synthetic scene.
type Camera struct {
	cfg Config
	rng *rand.Rand

	mu       sync.Mutex
	opened   bool
	tracking bool
	grabs    int
	frameID  uint64
	start    time.Time

	// anchor is the true pose the tracker's zero corresponds to.
	anchor    pose.Pose
	enabledAt uint64
	origins   []pose.Pose
	lastID    uint64
	last      []markers.Detection
}

// New validates cfg and returns a closed camera.
func New(cfg Config) (*Camera, error) {
	if err := cfg.Intrinsics.Validate(); err != nil {
		return nil, fmt.Errorf("synthetic camera: %w", err)
	}
	if cfg.Layout == nil || cfg.Layout.Len() == 0 {
		return nil, fmt.Errorf("synthetic camera: layout has no markers")
	}
	if !(cfg.TagEdge > 0) {
		return nil, fmt.Errorf("synthetic camera: tag edge must be positive")
	}
	if cfg.Trajectory == nil {
		cfg.Trajectory = Static(pose.Identity())
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second / 30
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Options.ConfidenceThreshold <= 0 {
		cfg.Options.ConfidenceThreshold = 100
	}
	return &Camera{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Open implements camera.Camera.
func (c *Camera) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	c.start = c.cfg.Clock.Now()
	return nil
}

// EnableTracking implements camera.Camera. The tracker's zero is wherever
// the camera truly is now; initial is the caller's belief about that.
func (c *Camera) EnableTracking(initial pose.Pose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return camera.ErrNotOpen
	}
	c.tracking = true
	c.enabledAt = c.frameID
	c.anchor = c.truthLocked()
	c.origins = append(c.origins, initial)
	return nil
}

// ResetTracking implements camera.Camera.
func (c *Camera) ResetTracking(origin pose.Pose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tracking {
		return camera.ErrTrackingUnavailable
	}
	c.anchor = c.truthLocked()
	c.origins = append(c.origins, origin)
	return nil
}

// Origins returns every pose tracking was enabled or reset at.
func (c *Camera) Origins() []pose.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pose.Pose(nil), c.origins...)
}

// Intrinsics implements camera.Camera.
func (c *Camera) Intrinsics() camera.Intrinsics { return c.cfg.Intrinsics }

// Close implements camera.Camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = false
	c.tracking = false
	return nil
}

// Truth returns the camera's true world pose for the most recent frame.
func (c *Camera) Truth() pose.Pose {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truthLocked()
}

func (c *Camera) elapsedLocked() time.Duration {
	if c.frameID == 0 {
		return 0
	}
	return time.Duration(c.frameID-1) * c.cfg.FrameInterval
}

func (c *Camera) truthLocked() pose.Pose {
	return c.cfg.Trajectory(c.elapsedLocked())
}

// Grab implements camera.Camera.
func (c *Camera) Grab(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cfg.Pace {
		c.cfg.Clock.Sleep(c.cfg.FrameInterval)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil, camera.ErrNotOpen
	}
	if c.cfg.MaxFrames > 0 && int(c.frameID) >= c.cfg.MaxFrames {
		return nil, camera.ErrEndOfStream
	}
	c.grabs++
	if c.cfg.DropEvery > 0 && c.grabs%c.cfg.DropEvery == 0 {
		return nil, camera.ErrNoFrame
	}

	c.frameID++
	truth := c.truthLocked()
	view := truth.Inverse()

	var visible []placedTag
	var dets []markers.Detection
	for _, id := range c.cfg.Layout.IDs() {
		tagWorld, _ := c.cfg.Layout.Lookup(id)
		tagInCam := view.Compose(tagWorld)
		det, ok := c.project(id, tagInCam)
		if !ok {
			continue
		}
		dets = append(dets, det)
		visible = append(visible, newPlacedTag(tagInCam, c.cfg.TagEdge))
	}
	c.lastID, c.last = c.frameID, dets

	frame := &camera.Frame{
		ID:        c.frameID,
		Timestamp: c.start.Add(c.elapsedLocked()),
		Depth: &rayCastDepth{
			k:         c.cfg.Intrinsics,
			tags:      visible,
			threshold: c.cfg.Options.ConfidenceThreshold,
			minDepth:  c.cfg.Options.DepthMinimumDistance,
			frame:     c.frameID,
		},
	}
	frame.Tracking = c.trackingLocked(truth)
	return frame, nil
}

func (c *Camera) trackingLocked(truth pose.Pose) camera.TrackingState {
	switch {
	case !c.tracking:
		return camera.TrackingState{Status: camera.TrackingOff}
	case int(c.frameID-c.enabledAt) <= c.cfg.WarmupFrames:
		return camera.TrackingState{Status: camera.TrackingSearching}
	}
	rel := c.anchor.Inverse().Compose(truth)
	cov := make([]float64, 36)
	for i := 0; i < 3; i++ {
		cov[i*7] = 1e-4
		cov[(i+3)*7] = 1e-5
	}
	return camera.TrackingState{
		Pose:       frames.TrackerAngles(rel),
		Status:     camera.TrackingOK,
		Covariance: cov,
	}
}

// project renders one marker. Markers behind the camera, facing away or
// partly outside the image are not detected.
func (c *Camera) project(id int, tagInCam pose.Pose) (markers.Detection, bool) {
	center := tagInCam.Translation()
	normal := r3.Sub(tagInCam.Apply(r3.Vec{Z: 1}), center)
	if r3.Dot(normal, center) >= 0 {
		return markers.Detection{}, false
	}
	var corners [4]r2.Vec
	for i, o := range markers.CornerOffsets(c.cfg.TagEdge) {
		px, ok := c.cfg.Intrinsics.Project(tagInCam.Apply(o))
		if !ok || !c.cfg.Intrinsics.InBounds(px) {
			return markers.Detection{}, false
		}
		if c.cfg.PixelNoise > 0 {
			px.X += c.rng.NormFloat64() * c.cfg.PixelNoise
			px.Y += c.rng.NormFloat64() * c.cfg.PixelNoise
		}
		corners[i] = px
	}
	return markers.NewDetection(id, corners, c.cfg.TagEdge), true
}

// Detector returns the markers.Detector paired with this camera: it reports
// the markers projected for the frame being processed.
func (c *Camera) Detector() markers.Detector { return detector{c} }

type detector struct{ c *Camera }

func (d detector) Detect(f *camera.Frame) ([]markers.Detection, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if f == nil || f.ID != d.c.lastID {
		return nil, fmt.Errorf("synthetic detector: frame %v is not the latest", frameID(f))
	}
	return append([]markers.Detection(nil), d.c.last...), nil
}

func (detector) Close() error { return nil }

func frameID(f *camera.Frame) any {
	if f == nil {
		return "nil"
	}
	return f.ID
}
