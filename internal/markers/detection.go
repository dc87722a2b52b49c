// Package markers holds the fiducial detection type and the detector
// collaborator contract. Pixel-level detection is done by a Detector
// implementation; everything downstream only sees Detections.
package markers

import (
	"image"
	"math"

	"github.com/banshee-data/tagpose/internal/camera"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Family is the only tag family the localizer is calibrated for.
const Family = "tag16h5"

// Detector finds markers in a frame. Implementations must not retain the
// frame after Detect returns.
type Detector interface {
	Detect(f *camera.Frame) ([]Detection, error)
	Close() error
}

// Detection is one marker found in the image. Corners are in pixels,
// ordered top-left, top-right, bottom-right, bottom-left (clockwise in the
// image). Offsets are the same corners in the marker's own frame, metres.
type Detection struct {
	ID      int
	Corners [4]r2.Vec
	Offsets [4]r3.Vec
}

// NewDetection builds a detection for a square marker of the given edge
// length.
func NewDetection(id int, corners [4]r2.Vec, edge float64) Detection {
	return Detection{ID: id, Corners: corners, Offsets: CornerOffsets(edge)}
}

// CornerOffsets returns the marker-frame corners of a square of edge s,
// centred on the origin with +y up and +z out of the face:
// (-s/2, s/2, 0), (s/2, s/2, 0), (s/2, -s/2, 0), (-s/2, -s/2, 0).
func CornerOffsets(s float64) [4]r3.Vec {
	h := s / 2
	return [4]r3.Vec{
		{X: -h, Y: h},
		{X: h, Y: h},
		{X: h, Y: -h},
		{X: -h, Y: -h},
	}
}

// Center is the mean of the four corners.
func (d Detection) Center() r2.Vec {
	var c r2.Vec
	for _, p := range d.Corners {
		c = r2.Add(c, p)
	}
	return r2.Scale(0.25, c)
}

// CenterPixel is Center rounded to the nearest pixel.
func (d Detection) CenterPixel() image.Point {
	c := d.Center()
	return image.Pt(int(math.Round(c.X)), int(math.Round(c.Y)))
}

// Area is the signed shoelace area of the corner quad; positive for the
// clockwise-in-image order.
func (d Detection) Area() float64 {
	var a float64
	for i := range d.Corners {
		p, q := d.Corners[i], d.Corners[(i+1)%4]
		a += p.X*q.Y - q.X*p.Y
	}
	return a / 2
}

// Valid reports whether the corners are finite and span a non-zero area.
func (d Detection) Valid() bool {
	for _, p := range d.Corners {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return false
		}
	}
	return math.Abs(d.Area()) > 1e-9
}

// Bounds is the smallest pixel rectangle containing all four corners.
func (d Detection) Bounds() image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range d.Corners {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX))+1, int(math.Ceil(maxY))+1)
}

// Contains reports whether p lies inside the corner quad (edges included).
// The quad is assumed convex, which holds for any planar square seen from
// the front.
func (d Detection) Contains(p r2.Vec) bool {
	var pos, neg bool
	for i := range d.Corners {
		a, b := d.Corners[i], d.Corners[(i+1)%4]
		cross := (b.X-a.X)*(p.Y-a.Y) - (b.Y-a.Y)*(p.X-a.X)
		switch {
		case cross > 0:
			pos = true
		case cross < 0:
			neg = true
		}
		if pos && neg {
			return false
		}
	}
	return true
}
