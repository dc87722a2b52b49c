// Package estimator computes the camera's world pose for one frame using
// one of a closed set of strategies, and owns the session's reference pose.
package estimator

import (
	"fmt"
	"strings"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/tagsolve"
	"gonum.org/v1/gonum/mat"
)

// StrategyName identifies a pose-estimation strategy.
type StrategyName string

const (
	VisualOdometry StrategyName = "visual_odometry"
	MarkerSolve    StrategyName = "marker_solve"
	DepthAverage   StrategyName = "depth_average"
)

// Names lists every strategy in a stable order.
func Names() []StrategyName {
	return []StrategyName{VisualOdometry, MarkerSolve, DepthAverage}
}

var aliases = map[string]StrategyName{
	"zed_pose":   VisualOdometry,
	"pnp_pose":   MarkerSolve,
	"depth_pose": DepthAverage,
}

// ParseStrategyName accepts a canonical name or one of its legacy aliases.
func ParseStrategyName(s string) (StrategyName, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, n := range Names() {
		if string(n) == s {
			return n, nil
		}
	}
	if n, ok := aliases[s]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unknown pose strategy %q", s)
}

// CameraPose is the camera's estimated pose in the world, native axes.
type CameraPose struct {
	Pose     pose.Pose
	Strategy StrategyName
	// Covariance is 6x6 (x, y, z, roll, pitch, yaw) or 3x3 (x, y, z); nil
	// when the strategy has no uncertainty estimate.
	Covariance *mat.SymDense
	// TagID is the marker the estimate was anchored on, -1 for odometry.
	TagID             int
	ReprojectionError float64
}

// Variances returns the covariance diagonal, nil without covariance.
func (c CameraPose) Variances() []float64 {
	if c.Covariance == nil {
		return nil
	}
	n := c.Covariance.SymmetricDim()
	out := make([]float64, n)
	for i := range out {
		out[i] = c.Covariance.At(i, i)
	}
	return out
}

// Input is the frame-scoped data a strategy may read.
type Input struct {
	Frame      *camera.Frame
	Detections []markers.Detection
}

// Strategy computes a CameraPose for one frame. ok is false when the
// strategy has nothing to report; callers publish the sentinel then.
type Strategy interface {
	Name() StrategyName
	Estimate(in Input, s *Session) (CameraPose, bool)
}

// Deps are the collaborators strategies are built from.
type Deps struct {
	Resolver *tagsolve.Resolver
	Layout   *Layout
	// MinDepthSamples is the fewest valid depth points depth_average accepts.
	MinDepthSamples int
	// DepthStride is the pixel step when sampling a marker's footprint.
	DepthStride int
}

// New builds the named strategy.
func New(name StrategyName, deps Deps) (Strategy, error) {
	switch name {
	case VisualOdometry:
		return visualOdometry{}, nil
	case MarkerSolve:
		if deps.Resolver == nil || deps.Layout == nil {
			return nil, fmt.Errorf("%s needs a resolver and a field layout", name)
		}
		return &markerSolve{resolver: deps.Resolver, layout: deps.Layout}, nil
	case DepthAverage:
		if deps.Resolver == nil || deps.Layout == nil {
			return nil, fmt.Errorf("%s needs a resolver and a field layout", name)
		}
		minSamples := deps.MinDepthSamples
		if minSamples < 1 {
			minSamples = DefaultMinDepthSamples
		}
		stride := deps.DepthStride
		if stride < 1 {
			stride = DefaultDepthStride
		}
		return &depthAverage{
			markerSolve: markerSolve{resolver: deps.Resolver, layout: deps.Layout},
			minSamples:  minSamples,
			stride:      stride,
		}, nil
	default:
		return nil, fmt.Errorf("unknown pose strategy %q", name)
	}
}
