// Package pose provides the 6-DOF pose value used throughout the localizer
// and the homogeneous-transform algebra behind it.
//
// Rotation convention: R = Rx(roll) · Ry(pitch) · Rz(yaw), i.e. roll, then
// pitch, then yaw about body axes. Matrix and FromMatrix both use it and
// nothing else in the module builds rotations from Euler angles directly.
package pose

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// gimbalEpsilon is the cos(pitch) magnitude below which roll and yaw are no
// longer separable; yaw is pinned to zero in that case.
const gimbalEpsilon = 1e-12

// Pose is an immutable (x, y, z, roll, pitch, yaw) tuple in metres and
// radians. Poses are in the sensor-native frame unless converted by the
// frames package.
type Pose struct {
	X, Y, Z          float64
	Roll, Pitch, Yaw float64
}

// New returns a pose from its six components.
func New(x, y, z, roll, pitch, yaw float64) Pose {
	return Pose{X: x, Y: y, Z: z, Roll: roll, Pitch: pitch, Yaw: yaw}
}

// Identity is the zero translation, zero rotation pose.
func Identity() Pose { return Pose{} }

// Sentinel is the agreed "no valid estimate" value. All fields are equal so
// it survives component permutation unchanged.
func Sentinel() Pose { return Pose{-1, -1, -1, -1, -1, -1} }

// IsSentinel reports whether p is exactly the sentinel pose.
func (p Pose) IsSentinel() bool { return p == Sentinel() }

// Components returns the pose as an ordered array.
func (p Pose) Components() [6]float64 {
	return [6]float64{p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw}
}

// FromComponents is the inverse of Components.
func FromComponents(c [6]float64) Pose {
	return Pose{X: c[0], Y: c[1], Z: c[2], Roll: c[3], Pitch: c[4], Yaw: c[5]}
}

// IsFinite reports whether every component is neither NaN nor Inf.
func (p Pose) IsFinite() bool {
	for _, v := range p.Components() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Translation returns the translation as a vector.
func (p Pose) Translation() r3.Vec { return r3.Vec{X: p.X, Y: p.Y, Z: p.Z} }

// Rotation returns the 3x3 rotation matrix for the pose's Euler angles.
func (p Pose) Rotation() *mat.Dense {
	sr, cr := math.Sincos(p.Roll)
	sp, cp := math.Sincos(p.Pitch)
	sy, cy := math.Sincos(p.Yaw)

	return mat.NewDense(3, 3, []float64{
		cp * cy, -cp * sy, sp,
		sr*sp*cy + cr*sy, -sr*sp*sy + cr*cy, -sr * cp,
		-cr*sp*cy + sr*sy, cr*sp*sy + sr*cy, cr * cp,
	})
}

// Matrix returns the 4x4 homogeneous transform for p.
func (p Pose) Matrix() *mat.Dense {
	r := p.Rotation()
	m := mat.NewDense(4, 4, nil)
	m.Slice(0, 3, 0, 3).(*mat.Dense).Copy(r)
	m.Set(0, 3, p.X)
	m.Set(1, 3, p.Y)
	m.Set(2, 3, p.Z)
	m.Set(3, 3, 1)
	return m
}

// FromMatrix decodes a homogeneous transform (at least 3x4) back into a pose.
// Angles come back in canonical ranges: roll and yaw in [-π, π], pitch in
// [-π/2, π/2].
func FromMatrix(m mat.Matrix) Pose {
	t := r3.Vec{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
	return FromRotationTranslation(m, t)
}

// FromRotationTranslation builds a pose from the top-left 3x3 block of r and
// the translation t.
func FromRotationTranslation(r mat.Matrix, t r3.Vec) Pose {
	roll, pitch, yaw := eulerFromRotation(r)
	return Pose{X: t.X, Y: t.Y, Z: t.Z, Roll: roll, Pitch: pitch, Yaw: yaw}
}

func eulerFromRotation(r mat.Matrix) (roll, pitch, yaw float64) {
	r00, r01, r02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	r11, r12 := r.At(1, 1), r.At(1, 2)
	r21, r22 := r.At(2, 1), r.At(2, 2)

	cp := math.Hypot(r00, r01)
	pitch = math.Atan2(r02, cp)
	if cp < gimbalEpsilon {
		return math.Atan2(r21, r11), pitch, 0
	}
	return math.Atan2(-r12, r22), pitch, math.Atan2(-r01, r00)
}

// Compose returns p ∘ q: apply q, then p.
func (p Pose) Compose(q Pose) Pose {
	var out mat.Dense
	out.Mul(p.Matrix(), q.Matrix())
	return FromMatrix(&out)
}

// Inverse returns the rigid inverse of p.
func (p Pose) Inverse() Pose {
	var rt mat.Dense
	rt.CloneFrom(p.Rotation().T())

	var t mat.VecDense
	t.MulVec(&rt, mat.NewVecDense(3, []float64{p.X, p.Y, p.Z}))

	return FromRotationTranslation(&rt, r3.Vec{X: -t.AtVec(0), Y: -t.AtVec(1), Z: -t.AtVec(2)})
}

// Apply transforms a point by p.
func (p Pose) Apply(v r3.Vec) r3.Vec {
	var out mat.VecDense
	out.MulVec(p.Rotation(), mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vec{X: out.AtVec(0) + p.X, Y: out.AtVec(1) + p.Y, Z: out.AtVec(2) + p.Z}
}

// Transform returns the 4x4 homogeneous transform in row-major order.
func (p Pose) Transform() [16]float64 {
	var T [16]float64
	m := p.Matrix()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			T[i*4+j] = m.At(i, j)
		}
	}
	return T
}

// Normalized wraps all three angles into (-π, π].
func (p Pose) Normalized() Pose {
	p.Roll = NormalizeAngle(p.Roll)
	p.Pitch = NormalizeAngle(p.Pitch)
	p.Yaw = NormalizeAngle(p.Yaw)
	return p
}

// NormalizeAngle wraps a into (-π, π]. NaN and Inf come back as NaN.
func NormalizeAngle(a float64) float64 {
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return math.NaN()
	}
	a = math.Mod(a, 2*math.Pi)
	switch {
	case a <= -math.Pi:
		a += 2 * math.Pi
	case a > math.Pi:
		a -= 2 * math.Pi
	}
	return a
}

// Planar is a pose projected onto the ground plane.
type Planar struct {
	X, Y, Heading float64
}

// Planar drops z, roll and pitch and maps yaw to heading.
func (p Pose) Planar() Planar {
	return Planar{X: p.X, Y: p.Y, Heading: p.Yaw}
}

// Values returns the planar pose as (x, y, heading).
func (p Planar) Values() []float64 { return []float64{p.X, p.Y, p.Heading} }

func (p Pose) String() string {
	return fmt.Sprintf("Pose{x=%+.3f y=%+.3f z=%+.3f roll=%+.3f pitch=%+.3f yaw=%+.3f}",
		p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}
