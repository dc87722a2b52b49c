package camera

import (
	"image"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// DepthSample is one point of the depth cloud, in the camera frame, metres.
// Invalid samples hold NaN or Inf components; use Valid, never compare to
// zero.
type DepthSample struct {
	Point r3.Vec
}

// InvalidSample returns the canonical invalid sample.
func InvalidSample() DepthSample {
	nan := math.NaN()
	return DepthSample{Point: r3.Vec{X: nan, Y: nan, Z: nan}}
}

// Valid reports whether every coordinate is finite.
func (s DepthSample) Valid() bool {
	return finite(s.Point.X) && finite(s.Point.Y) && finite(s.Point.Z)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// DepthMap is the dense depth cloud aligned on the left image.
type DepthMap interface {
	// At returns the sample at pixel (px, py); out-of-bounds pixels are
	// invalid.
	At(px, py int) DepthSample
	Bounds() image.Rectangle
}

// DenseDepthMap is a slice-backed DepthMap, row-major.
type DenseDepthMap struct {
	width, height int
	points        []r3.Vec
}

// NewDenseDepthMap returns a width×height map with every sample invalid.
func NewDenseDepthMap(width, height int) *DenseDepthMap {
	d := &DenseDepthMap{
		width:  width,
		height: height,
		points: make([]r3.Vec, width*height),
	}
	nan := InvalidSample().Point
	for i := range d.points {
		d.points[i] = nan
	}
	return d
}

// Set stores p at (px, py). Out-of-bounds writes are ignored.
func (d *DenseDepthMap) Set(px, py int, p r3.Vec) {
	if px < 0 || py < 0 || px >= d.width || py >= d.height {
		return
	}
	d.points[py*d.width+px] = p
}

// At implements DepthMap.
func (d *DenseDepthMap) At(px, py int) DepthSample {
	if px < 0 || py < 0 || px >= d.width || py >= d.height {
		return InvalidSample()
	}
	return DepthSample{Point: d.points[py*d.width+px]}
}

// Bounds implements DepthMap.
func (d *DenseDepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.width, d.height)
}

// SparseDepthMap holds only the samples that were recorded; everything else
// is invalid. Used for replayed frames.
type SparseDepthMap struct {
	bounds  image.Rectangle
	samples map[image.Point]r3.Vec
}

// NewSparseDepthMap returns an empty sparse map covering bounds.
func NewSparseDepthMap(bounds image.Rectangle) *SparseDepthMap {
	return &SparseDepthMap{bounds: bounds, samples: make(map[image.Point]r3.Vec)}
}

// Set stores p at (px, py).
func (d *SparseDepthMap) Set(px, py int, p r3.Vec) {
	d.samples[image.Pt(px, py)] = p
}

// Len returns the number of stored samples.
func (d *SparseDepthMap) Len() int { return len(d.samples) }

// At implements DepthMap.
func (d *SparseDepthMap) At(px, py int) DepthSample {
	p, ok := d.samples[image.Pt(px, py)]
	if !ok {
		return InvalidSample()
	}
	return DepthSample{Point: p}
}

// Bounds implements DepthMap.
func (d *SparseDepthMap) Bounds() image.Rectangle { return d.bounds }
