package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// smallAngle is the rotation magnitude treated as zero by the axis-angle
// conversions.
const smallAngle = 1e-12

// RotationFromVector converts an axis-angle rotation vector (direction is the
// axis, magnitude the angle in radians) into a 3x3 rotation matrix.
func RotationFromVector(v r3.Vec) *mat.Dense {
	theta := r3.Norm(v)
	if theta < smallAngle {
		return identity3()
	}
	k := r3.Scale(1/theta, v)
	s, c := math.Sincos(theta)
	t := 1 - c

	return mat.NewDense(3, 3, []float64{
		c + t*k.X*k.X, t*k.X*k.Y - s*k.Z, t*k.X*k.Z + s*k.Y,
		t*k.Y*k.X + s*k.Z, c + t*k.Y*k.Y, t*k.Y*k.Z - s*k.X,
		t*k.Z*k.X - s*k.Y, t*k.Z*k.Y + s*k.X, c + t*k.Z*k.Z,
	})
}

// VectorFromRotation is the inverse of RotationFromVector. The returned angle
// is in [0, π].
func VectorFromRotation(r mat.Matrix) r3.Vec {
	trace := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	cosTheta := math.Max(-1, math.Min(1, (trace-1)/2))
	theta := math.Acos(cosTheta)

	skew := r3.Vec{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}

	switch {
	case math.IsNaN(theta):
		return r3.Vec{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
	case theta < smallAngle:
		return r3.Scale(0.5, skew)
	case math.Pi-theta < 1e-6:
		return r3.Scale(theta, axisNearPi(r))
	default:
		return r3.Scale(theta/(2*math.Sin(theta)), skew)
	}
}

// axisNearPi recovers the rotation axis when the angle is close to π, where
// the skew-symmetric part vanishes. R ≈ 2kkᵀ - I there, so the axis comes from
// the largest diagonal term and the off-diagonals.
func axisNearPi(r mat.Matrix) r3.Vec {
	xx := (r.At(0, 0) + 1) / 2
	yy := (r.At(1, 1) + 1) / 2
	zz := (r.At(2, 2) + 1) / 2

	var k r3.Vec
	switch {
	case xx >= yy && xx >= zz:
		k.X = math.Sqrt(xx)
		k.Y = (r.At(0, 1) + r.At(1, 0)) / (4 * k.X)
		k.Z = (r.At(0, 2) + r.At(2, 0)) / (4 * k.X)
	case yy >= zz:
		k.Y = math.Sqrt(yy)
		k.X = (r.At(0, 1) + r.At(1, 0)) / (4 * k.Y)
		k.Z = (r.At(1, 2) + r.At(2, 1)) / (4 * k.Y)
	default:
		k.Z = math.Sqrt(zz)
		k.X = (r.At(0, 2) + r.At(2, 0)) / (4 * k.Z)
		k.Y = (r.At(1, 2) + r.At(2, 1)) / (4 * k.Z)
	}

	// keep the sign consistent with whatever skew part is left
	skew := r3.Vec{
		X: r.At(2, 1) - r.At(1, 2),
		Y: r.At(0, 2) - r.At(2, 0),
		Z: r.At(1, 0) - r.At(0, 1),
	}
	if r3.Dot(k, skew) < 0 {
		k = r3.Scale(-1, k)
	}
	return r3.Unit(k)
}

// FromRotationVector builds a pose from a solvePnP-style rotation vector and
// translation.
func FromRotationVector(rvec, tvec r3.Vec) Pose {
	return FromRotationTranslation(RotationFromVector(rvec), tvec)
}

// RotationVector returns the axis-angle form of p's rotation.
func (p Pose) RotationVector() r3.Vec {
	return VectorFromRotation(p.Rotation())
}
