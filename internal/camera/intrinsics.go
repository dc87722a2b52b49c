package camera

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// undistortIterations matches the fixed-point count used by the usual
// undistortPoints implementations; lens models we see converge well before.
const undistortIterations = 20

// Intrinsics is the pinhole calibration of the left camera with
// Brown-Conrady distortion coefficients ordered k1, k2, p1, p2, k3. Missing
// trailing coefficients are zero.
type Intrinsics struct {
	Fx         float64   `json:"fx"`
	Fy         float64   `json:"fy"`
	Cx         float64   `json:"cx"`
	Cy         float64   `json:"cy"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Distortion []float64 `json:"distortion,omitempty"`
}

// Validate checks the focal lengths and image size.
func (k Intrinsics) Validate() error {
	if !(k.Fx > 0) || !(k.Fy > 0) {
		return fmt.Errorf("focal lengths must be positive, got fx=%v fy=%v", k.Fx, k.Fy)
	}
	if k.Width <= 0 || k.Height <= 0 {
		return fmt.Errorf("image size must be positive, got %dx%d", k.Width, k.Height)
	}
	if len(k.Distortion) > 5 {
		return fmt.Errorf("at most 5 distortion coefficients supported, got %d", len(k.Distortion))
	}
	return nil
}

func (k Intrinsics) coeff(i int) float64 {
	if i < len(k.Distortion) {
		return k.Distortion[i]
	}
	return 0
}

// distort applies the lens model to a normalized image point.
func (k Intrinsics) distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := k.coeff(0), k.coeff(1), k.coeff(2), k.coeff(3), k.coeff(4)
	r2 := x*x + y*y
	radial := 1 + r2*(k1+r2*(k2+r2*k3))
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Project maps a camera-frame point to pixel coordinates, distortion
// included. ok is false for points at or behind the image plane.
func (k Intrinsics) Project(p r3.Vec) (px r2.Vec, ok bool) {
	if !(p.Z > 0) {
		return r2.Vec{}, false
	}
	xd, yd := k.distort(p.X/p.Z, p.Y/p.Z)
	return r2.Vec{X: k.Fx*xd + k.Cx, Y: k.Fy*yd + k.Cy}, true
}

// Normalize removes the lens distortion from a pixel and returns the
// normalized image coordinates (x/z, y/z) of its ray.
func (k Intrinsics) Normalize(px r2.Vec) r2.Vec {
	xd := (px.X - k.Cx) / k.Fx
	yd := (px.Y - k.Cy) / k.Fy
	if len(k.Distortion) == 0 {
		return r2.Vec{X: xd, Y: yd}
	}
	k1, k2, p1, p2, k3 := k.coeff(0), k.coeff(1), k.coeff(2), k.coeff(3), k.coeff(4)
	x, y := xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + r2*(k1+r2*(k2+r2*k3))
		if radial == 0 {
			break
		}
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - dx) / radial
		y = (yd - dy) / radial
	}
	return r2.Vec{X: x, Y: y}
}

// Ray returns the undistorted viewing ray through a pixel, scaled so z = 1.
func (k Intrinsics) Ray(px r2.Vec) r3.Vec {
	n := k.Normalize(px)
	return r3.Vec{X: n.X, Y: n.Y, Z: 1}
}

// InBounds reports whether a pixel lies inside the image.
func (k Intrinsics) InBounds(px r2.Vec) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(k.Width) && px.Y < float64(k.Height) &&
		!math.IsNaN(px.X) && !math.IsNaN(px.Y)
}

// HD720 returns nominal intrinsics for a 1280x720 stereo camera left eye.
func HD720() Intrinsics {
	return Intrinsics{Fx: 700, Fy: 700, Cx: 640, Cy: 360, Width: 1280, Height: 720}
}
