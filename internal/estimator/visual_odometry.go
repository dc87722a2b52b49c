package estimator

import (
	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/frames"
	"gonum.org/v1/gonum/mat"
)

// visualOdometry reports the tracker's pose composed onto the session
// reference.
type visualOdometry struct{}

func (visualOdometry) Name() StrategyName { return VisualOdometry }

func (visualOdometry) Estimate(in Input, s *Session) (CameraPose, bool) {
	if in.Frame == nil || in.Frame.Tracking.Status != camera.TrackingOK {
		return CameraPose{}, false
	}
	tracked := frames.ReorderTrackingAngles(in.Frame.Tracking.Pose)
	if !tracked.IsFinite() {
		return CameraPose{}, false
	}
	return CameraPose{
		Pose:       s.Reference().Compose(tracked),
		Strategy:   VisualOdometry,
		Covariance: trackingCovariance(in.Frame.Tracking.Covariance),
		TagID:      -1,
	}, true
}

// trackingCovariance wraps the tracker's row-major 6x6 covariance, with the
// angle rows and columns moved into native order.
func trackingCovariance(c []float64) *mat.SymDense {
	if len(c) != 36 {
		return nil
	}
	idx := [6]int{0, 1, 2, 3 + frames.TrackingAngleOrder[0], 3 + frames.TrackingAngleOrder[1], 3 + frames.TrackingAngleOrder[2]}
	out := mat.NewSymDense(6, nil)
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			out.SetSym(i, j, c[idx[i]*6+idx[j]])
		}
	}
	return out
}
