package estimator

import (
	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/tagsolve"
)

// markerSolve anchors on the nearest surveyed marker and inverts its
// camera-relative pose through the layout.
type markerSolve struct {
	resolver *tagsolve.Resolver
	layout   *Layout
}

func (m *markerSolve) Name() StrategyName { return MarkerSolve }

func (m *markerSolve) Estimate(in Input, _ *Session) (CameraPose, bool) {
	ref, _, ok := m.reference(in)
	if !ok {
		return CameraPose{}, false
	}
	return m.cameraPose(ref, MarkerSolve)
}

// reference returns the resolved surveyed marker nearest the camera, and
// its detection. Ties keep detection order.
func (m *markerSolve) reference(in Input) (tagsolve.TagPose, markers.Detection, bool) {
	var (
		best    tagsolve.TagPose
		bestDet markers.Detection
		found   bool
	)
	depth := depthOf(in)
	for _, d := range in.Detections {
		if _, ok := m.layout.Lookup(d.ID); !ok {
			continue
		}
		tp, ok := m.resolver.Resolve(d, depth)
		if !ok {
			continue
		}
		if !found || tp.Depth() < best.Depth() {
			best, bestDet, found = tp, d, true
		}
	}
	return best, bestDet, found
}

func (m *markerSolve) cameraPose(tp tagsolve.TagPose, name StrategyName) (CameraPose, bool) {
	tagWorld, ok := m.layout.Lookup(tp.ID)
	if !ok {
		return CameraPose{}, false
	}
	p := tagWorld.Compose(tp.Pose.Inverse())
	if !p.IsFinite() {
		return CameraPose{}, false
	}
	return CameraPose{
		Pose:              p,
		Strategy:          name,
		TagID:             tp.ID,
		ReprojectionError: tp.ReprojectionError,
	}, true
}

func depthOf(in Input) camera.DepthMap {
	if in.Frame == nil {
		return nil
	}
	return in.Frame.Depth
}
