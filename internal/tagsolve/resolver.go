// Package tagsolve turns one marker detection into a camera-relative pose:
// perspective solve from the four corners, optionally corrected by the
// depth sample at the marker centre.
package tagsolve

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrNoSolution means the detection could not be turned into a pose.
var ErrNoSolution = errors.New("tagsolve: no pose solution")

// TagPose is the resolved pose of one marker relative to the camera, in
// the sensor-native frame. Values are frame-scoped.
type TagPose struct {
	ID   int
	Pose pose.Pose
	// RotationVector and Translation are the raw perspective solution,
	// before any depth correction.
	RotationVector    r3.Vec
	Translation       r3.Vec
	ReprojectionError float64
	DepthCorrected    bool

	world pose.Pose
}

// Depth is the distance along the optical axis.
func (t TagPose) Depth() float64 { return t.Pose.Z }

// World is Pose expressed in the world axis convention.
func (t TagPose) World() pose.Pose { return t.world }

// Heading is the world-convention yaw of the marker relative to the camera.
func (t TagPose) Heading() float64 { return t.world.Yaw }

// Options tune the resolver.
type Options struct {
	// MaxReprojectionError rejects solutions whose RMS corner error exceeds
	// this many pixels. Zero disables the gate.
	MaxReprojectionError float64
}

// Resolver solves marker poses for one camera calibration.
type Resolver struct {
	intrinsics camera.Intrinsics
	edge       float64
	converter  *frames.Converter
	opts       Options
}

// NewResolver returns a resolver for markers of the given edge length. A nil
// converter selects the canonical axis mapping.
func NewResolver(k camera.Intrinsics, edge float64, conv *frames.Converter, opts Options) (*Resolver, error) {
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("invalid intrinsics: %w", err)
	}
	if !(edge > 0) {
		return nil, fmt.Errorf("marker edge must be positive, got %v", edge)
	}
	if conv == nil {
		conv = frames.Default()
	}
	return &Resolver{intrinsics: k, edge: edge, converter: conv, opts: opts}, nil
}

// Intrinsics returns the calibration the resolver was built with.
func (r *Resolver) Intrinsics() camera.Intrinsics { return r.intrinsics }

// Edge returns the configured marker edge length.
func (r *Resolver) Edge() float64 { return r.edge }

// Solve computes the perspective pose of a detection. Errors wrap
// ErrNoSolution.
func (r *Resolver) Solve(d markers.Detection) (TagPose, error) {
	if !d.Valid() {
		return TagPose{}, fmt.Errorf("%w: marker %d has a degenerate quad", ErrNoSolution, d.ID)
	}
	obj := d.Offsets
	if obj == ([4]r3.Vec{}) {
		obj = markers.CornerOffsets(r.edge)
	}
	var img [4]r2.Vec
	for i, c := range d.Corners {
		img[i] = r.intrinsics.Normalize(c)
	}

	cands, err := planarPose(obj, img)
	if err != nil {
		return TagPose{}, fmt.Errorf("marker %d: %w", d.ID, err)
	}

	best := -1
	bestErr := math.Inf(1)
	for i, c := range cands {
		if !(c.t.Z > 0) {
			continue
		}
		e := r.reprojectionError(c, obj, d.Corners)
		if e < bestErr {
			best, bestErr = i, e
		}
	}
	if best < 0 {
		return TagPose{}, fmt.Errorf("%w: marker %d is behind the camera", ErrNoSolution, d.ID)
	}
	if r.opts.MaxReprojectionError > 0 && bestErr > r.opts.MaxReprojectionError {
		return TagPose{}, fmt.Errorf("%w: marker %d reprojection error %.2fpx", ErrNoSolution, d.ID, bestErr)
	}

	c := cands[best]
	rvec := pose.VectorFromRotation(c.r)
	p := pose.FromRotationVector(rvec, c.t)
	if !p.IsFinite() {
		return TagPose{}, fmt.Errorf("%w: marker %d solution is not finite", ErrNoSolution, d.ID)
	}
	return TagPose{
		ID:                d.ID,
		Pose:              p,
		RotationVector:    rvec,
		Translation:       c.t,
		ReprojectionError: bestErr,
		world:             r.converter.ToWorld(p),
	}, nil
}

// Resolve solves the detection and, when the depth map holds a valid sample
// at the marker's centre pixel, replaces the translation with that sample.
// Rotation always comes from the perspective solve.
func (r *Resolver) Resolve(d markers.Detection, depth camera.DepthMap) (TagPose, bool) {
	tp, err := r.Solve(d)
	if err != nil {
		return TagPose{}, false
	}
	if depth == nil {
		return tp, true
	}
	c := d.CenterPixel()
	s := depth.At(c.X, c.Y)
	if !s.Valid() {
		return tp, true
	}
	tp.Pose.X, tp.Pose.Y, tp.Pose.Z = s.Point.X, s.Point.Y, s.Point.Z
	tp.DepthCorrected = true
	tp.world = r.converter.ToWorld(tp.Pose)
	return tp, true
}

// reprojectionError is the RMS pixel distance between the detected corners
// and the corners projected through the candidate pose.
func (r *Resolver) reprojectionError(c candidate, obj [4]r3.Vec, corners [4]r2.Vec) float64 {
	var sum float64
	for i, p := range obj {
		cam := r3.Add(rotate(c.r, p), c.t)
		px, ok := r.intrinsics.Project(cam)
		if !ok {
			return math.Inf(1)
		}
		sum += r2.Norm2(r2.Sub(px, corners[i]))
	}
	return math.Sqrt(sum / float64(len(obj)))
}
