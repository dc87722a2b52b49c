package pose

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatrixValidationTolerance is the tolerance for checking rotation matrix validity
const MatrixValidationTolerance = 0.01

// IsValidTransformMatrix checks if a 4x4 row-major matrix is a rigid transform:
// 1. Rotation block has det ≈ 1 (proper rotation, not reflection)
// 2. Rotation block is orthonormal (R·Rᵀ ≈ I)
// 3. Last row is [0 0 0 1]
func IsValidTransformMatrix(T [16]float64) bool {
	for _, v := range T {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	r := mat.NewDense(3, 3, []float64{
		T[0], T[1], T[2],
		T[4], T[5], T[6],
		T[8], T[9], T[10],
	})
	if math.Abs(mat.Det(r)-1.0) > MatrixValidationTolerance {
		return false
	}

	var rrt mat.Dense
	rrt.Mul(r, r.T())
	if !mat.EqualApprox(&rrt, identity3(), MatrixValidationTolerance) {
		return false
	}

	if T[12] != 0 || T[13] != 0 || T[14] != 0 || math.Abs(T[15]-1.0) > 0.001 {
		return false
	}
	return true
}

// Orthonormalize returns the rotation closest to r in the Frobenius sense
// (U·Vᵀ of its SVD, with the sign fixed so det = +1). ok is false when the
// factorisation fails, which happens for non-finite input.
func Orthonormalize(r mat.Matrix) (*mat.Dense, bool) {
	var svd mat.SVD
	if !svd.Factorize(r, mat.SVDFull) {
		return nil, false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var out mat.Dense
	out.Mul(&u, v.T())
	if mat.Det(&out) < 0 {
		// flip the axis belonging to the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		out.Mul(&u, v.T())
	}
	return &out, true
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}
