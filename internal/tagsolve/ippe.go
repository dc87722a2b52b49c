package tagsolve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagpose/internal/pose"
)

// candidate is one rotation/translation hypothesis for a planar target.
type candidate struct {
	r *mat.Dense
	t r3.Vec
}

// planarPose solves the pose of a centred planar target (all obj Z = 0)
// seen at normalized image points img, using infinitesimal plane-based pose
// estimation. Both rotation hypotheses are returned with their
// least-squares translations; the caller picks one by reprojection error.
func planarPose(obj [4]r3.Vec, img [4]r2.Vec) ([]candidate, error) {
	var src [4]r2.Vec
	for i, p := range obj {
		src[i] = r2.Vec{X: p.X, Y: p.Y}
	}
	h, err := homography(src, img)
	if err != nil {
		return nil, err
	}

	// Jacobian of the homography at the target origin, and the image of the
	// origin itself.
	o := applyHomography(h, r2.Vec{})
	u0, v0 := o.X, o.Y
	j00 := h.At(0, 0) - h.At(2, 0)*u0
	j01 := h.At(0, 1) - h.At(2, 1)*u0
	j10 := h.At(1, 0) - h.At(2, 0)*v0
	j11 := h.At(1, 1) - h.At(2, 1)*v0

	ra, rb, err := ippeRotations(j00, j01, j10, j11, u0, v0)
	if err != nil {
		return nil, err
	}

	// The closed form drifts off SO(3) for near fronto-parallel views;
	// project back before anything converts the rotation.
	out := make([]candidate, 0, 2)
	for _, raw := range []*mat.Dense{ra, rb} {
		r, ok := pose.Orthonormalize(raw)
		if !ok {
			continue
		}
		t, err := solveTranslation(r, obj, img)
		if err != nil {
			continue
		}
		out = append(out, candidate{r: r, t: t})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: translation solve failed", ErrNoSolution)
	}
	return out, nil
}

// rotateToZ returns the rotation taking the unit vector along a onto +z.
func rotateToZ(a r3.Vec) *mat.Dense {
	a = r3.Unit(a)
	c := a.Z
	if math.Abs(1+c) < 1e-7 {
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
	}
	d := 1 / (1 + c)
	ax2, ay2, axay := a.X*a.X, a.Y*a.Y, a.X*a.Y
	return mat.NewDense(3, 3, []float64{
		1 - ax2*d, -axay * d, -a.X,
		-axay * d, 1 - ay2*d, -a.Y,
		a.X, a.Y, 1 - (ax2+ay2)*d,
	})
}

// ippeRotations recovers the two rotations consistent with the local
// affine behaviour J of the homography around the image point (p, q).
func ippeRotations(j00, j01, j10, j11, p, q float64) (*mat.Dense, *mat.Dense, error) {
	rv := mat.DenseCopyOf(rotateToZ(r3.Vec{X: p, Y: q, Z: 1}).T())

	b00 := rv.At(0, 0) - p*rv.At(2, 0)
	b01 := rv.At(0, 1) - p*rv.At(2, 1)
	b10 := rv.At(1, 0) - q*rv.At(2, 0)
	b11 := rv.At(1, 1) - q*rv.At(2, 1)
	det := b00*b11 - b01*b10
	if math.Abs(det) < 1e-15 {
		return nil, nil, fmt.Errorf("%w: singular view basis", ErrNoSolution)
	}
	binv00, binv01 := b11/det, -b01/det
	binv10, binv11 := -b10/det, b00/det

	a00 := binv00*j00 + binv01*j10
	a01 := binv00*j01 + binv01*j11
	a10 := binv10*j00 + binv11*j10
	a11 := binv10*j01 + binv11*j11

	// Largest singular value of the 2x2 A.
	aat00 := a00*a00 + a01*a01
	aat01 := a00*a10 + a01*a11
	aat11 := a10*a10 + a11*a11
	gamma2 := 0.5 * (aat00 + aat11 + math.Sqrt((aat00-aat11)*(aat00-aat11)+4*aat01*aat01))
	gamma := math.Sqrt(gamma2)
	if !(gamma > 1e-7) || math.IsInf(gamma, 0) {
		return nil, nil, fmt.Errorf("%w: degenerate homography jacobian", ErrNoSolution)
	}

	r00, r01 := a00/gamma, a01/gamma
	r10, r11 := a10/gamma, a11/gamma
	b0 := math.Sqrt(math.Max(0, 1-r00*r00-r10*r10))
	b1 := math.Sqrt(math.Max(0, 1-r01*r01-r11*r11))
	if -r00*r01-r10*r11 < 0 {
		b1 = -b1
	}

	build := func(b0, b1 float64) *mat.Dense {
		c0 := r3.Vec{X: r00, Y: r10, Z: b0}
		c1 := r3.Vec{X: r01, Y: r11, Z: b1}
		c2 := r3.Cross(c0, c1)
		rt := mat.NewDense(3, 3, []float64{
			c0.X, c1.X, c2.X,
			c0.Y, c1.Y, c2.Y,
			c0.Z, c1.Z, c2.Z,
		})
		var r mat.Dense
		r.Mul(rv, rt)
		return &r
	}
	return build(b0, b1), build(-b0, -b1), nil
}

// solveTranslation finds t minimising the algebraic projection error of
// R·P + t against the normalized image points.
func solveTranslation(r mat.Matrix, obj [4]r3.Vec, img [4]r2.Vec) (r3.Vec, error) {
	a := mat.NewDense(8, 3, nil)
	b := mat.NewVecDense(8, nil)
	for i, p := range obj {
		rp := rotate(r, p)
		u, v := img[i].X, img[i].Y
		a.SetRow(2*i, []float64{1, 0, -u})
		b.SetVec(2*i, u*rp.Z-rp.X)
		a.SetRow(2*i+1, []float64{0, 1, -v})
		b.SetVec(2*i+1, v*rp.Z-rp.Y)
	}
	var t mat.VecDense
	if err := t.SolveVec(a, b); err != nil {
		return r3.Vec{}, fmt.Errorf("%w: %v", ErrNoSolution, err)
	}
	return r3.Vec{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}, nil
}

func rotate(r mat.Matrix, p r3.Vec) r3.Vec {
	return r3.Vec{
		X: r.At(0, 0)*p.X + r.At(0, 1)*p.Y + r.At(0, 2)*p.Z,
		Y: r.At(1, 0)*p.X + r.At(1, 1)*p.Y + r.At(1, 2)*p.Z,
		Z: r.At(2, 0)*p.X + r.At(2, 1)*p.Y + r.At(2, 2)*p.Z,
	}
}
