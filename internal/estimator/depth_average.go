package estimator

import (
	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/tagsolve"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/stat"
)

const (
	DefaultMinDepthSamples = 4
	DefaultDepthStride     = 2
)

// depthAverage anchors like markerSolve but takes the marker's position
// from the mean of the depth cloud over its footprint.
type depthAverage struct {
	markerSolve
	minSamples int
	stride     int
}

func (d *depthAverage) Name() StrategyName { return DepthAverage }

func (d *depthAverage) Estimate(in Input, _ *Session) (CameraPose, bool) {
	depth := depthOf(in)
	if depth == nil {
		return CameraPose{}, false
	}
	ref, det, ok := d.reference(in)
	if !ok {
		return CameraPose{}, false
	}
	points, n := footprintSamples(det, depth, d.stride)
	if n < d.minSamples {
		return CameraPose{}, false
	}

	var mean [3]float64
	for j := range mean {
		mean[j] = stat.Mean(mat.Col(nil, j, points), nil)
	}
	// Rotation from the perspective solve, position from the cloud.
	ref.Pose.X, ref.Pose.Y, ref.Pose.Z = mean[0], mean[1], mean[2]
	est, ok := d.cameraPose(ref, DepthAverage)
	if !ok {
		return CameraPose{}, false
	}
	if n > 1 {
		var cov mat.SymDense
		stat.CovarianceMatrix(&cov, points, nil)
		est.Covariance = d.positionCovariance(&cov, ref)
	}
	return est, true
}

// positionCovariance carries the spread of the depth cloud, camera axes,
// onto the camera's position in the layout frame: Σ' = R·Σ·Rᵀ with
// R = R_tagWorld·R_tagInCameraᵀ.
func (d *depthAverage) positionCovariance(cov *mat.SymDense, ref tagsolve.TagPose) *mat.SymDense {
	tagWorld, _ := d.layout.Lookup(ref.ID)
	var r, rc mat.Dense
	r.Mul(tagWorld.Rotation(), ref.Pose.Rotation().T())
	rc.Product(&r, cov, r.T())

	out := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			out.SetSym(i, j, 0.5*(rc.At(i, j)+rc.At(j, i)))
		}
	}
	return out
}

// footprintSamples collects the valid depth points inside the marker's
// corner quad, visiting every stride-th pixel, one point per row.
func footprintSamples(det markers.Detection, depth camera.DepthMap, stride int) (*mat.Dense, int) {
	box := det.Bounds().Intersect(depth.Bounds())
	var data []float64
	n := 0
	for y := box.Min.Y; y < box.Max.Y; y += stride {
		for x := box.Min.X; x < box.Max.X; x += stride {
			if !det.Contains(r2.Vec{X: float64(x), Y: float64(y)}) {
				continue
			}
			s := depth.At(x, y)
			if !s.Valid() {
				continue
			}
			data = append(data, s.Point.X, s.Point.Y, s.Point.Z)
			n++
		}
	}
	if n == 0 {
		return nil, 0
	}
	return mat.NewDense(n, 3, data), n
}
