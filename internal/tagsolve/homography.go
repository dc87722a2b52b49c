package tagsolve

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r2"
)

// rankTolerance is the smallest ratio between the eighth and the first
// singular value of the DLT system before the correspondences are treated
// as degenerate (collinear corners, collapsed quad).
const rankTolerance = 1e-12

// similarity is the isotropic normalisation of a point set: translate the
// centroid to the origin and scale the mean distance to sqrt(2).
type similarity struct {
	scale  float64
	center r2.Vec
}

func normalizer(pts [4]r2.Vec) (similarity, error) {
	var c r2.Vec
	for _, p := range pts {
		c = r2.Add(c, p)
	}
	c = r2.Scale(0.25, c)
	var d float64
	for _, p := range pts {
		d += r2.Norm(r2.Sub(p, c))
	}
	d /= 4
	if !(d > 0) || math.IsInf(d, 0) {
		return similarity{}, fmt.Errorf("%w: coincident points", ErrNoSolution)
	}
	return similarity{scale: math.Sqrt2 / d, center: c}, nil
}

func (s similarity) apply(p r2.Vec) r2.Vec {
	return r2.Scale(s.scale, r2.Sub(p, s.center))
}

func (s similarity) matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		s.scale, 0, -s.scale * s.center.X,
		0, s.scale, -s.scale * s.center.Y,
		0, 0, 1,
	})
}

func (s similarity) inverse() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1 / s.scale, 0, s.center.X,
		0, 1 / s.scale, s.center.Y,
		0, 0, 1,
	})
}

// homography fits H with dst ~ H·src from four correspondences using the
// normalised direct linear transform. The result is scaled so H[2,2] = 1.
func homography(src, dst [4]r2.Vec) (*mat.Dense, error) {
	ns, err := normalizer(src)
	if err != nil {
		return nil, err
	}
	nd, err := normalizer(dst)
	if err != nil {
		return nil, err
	}

	// Eight equations in nine unknowns; the zero ninth row keeps the system
	// square so the full V is 9x9.
	a := mat.NewDense(9, 9, nil)
	for i := range src {
		p := ns.apply(src[i])
		q := nd.apply(dst[i])
		a.SetRow(2*i, []float64{p.X, p.Y, 1, 0, 0, 0, -q.X * p.X, -q.X * p.Y, -q.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, p.X, p.Y, 1, -q.Y * p.X, -q.Y * p.Y, -q.Y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, fmt.Errorf("%w: homography SVD did not converge", ErrNoSolution)
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[7]/values[0] < rankTolerance {
		return nil, fmt.Errorf("%w: degenerate correspondences", ErrNoSolution)
	}
	var v mat.Dense
	svd.VTo(&v)

	hn := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		hn.Set(i/3, i%3, v.At(i, 8))
	}

	var h mat.Dense
	h.Product(nd.inverse(), hn, ns.matrix())
	h22 := h.At(2, 2)
	if math.Abs(h22) < 1e-12 || math.IsNaN(h22) {
		return nil, fmt.Errorf("%w: homography at infinity", ErrNoSolution)
	}
	h.Scale(1/h22, &h)
	return &h, nil
}

// applyHomography maps a plane point through h.
func applyHomography(h mat.Matrix, p r2.Vec) r2.Vec {
	x := h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)
	y := h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Vec{X: x / w, Y: y / w}
}
