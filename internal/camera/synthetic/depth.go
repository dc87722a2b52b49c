package synthetic

import (
	"hash/fnv"
	"image"
	"math"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/pose"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// placedTag is a marker square in camera coordinates.
type placedTag struct {
	center, normal r3.Vec
	inv            pose.Pose
	half           float64
}

func newPlacedTag(tagInCam pose.Pose, edge float64) placedTag {
	c := tagInCam.Translation()
	return placedTag{
		center: c,
		normal: r3.Sub(tagInCam.Apply(r3.Vec{Z: 1}), c),
		inv:    tagInCam.Inverse(),
		half:   edge / 2,
	}
}

// rayCastDepth computes depth samples on demand by intersecting pixel rays
// with the visible marker faces. Everything else in the scene is treated as
// out of range.
type rayCastDepth struct {
	k         camera.Intrinsics
	tags      []placedTag
	threshold int
	minDepth  float64
	frame     uint64
}

func (d *rayCastDepth) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.k.Width, d.k.Height)
}

func (d *rayCastDepth) At(px, py int) camera.DepthSample {
	if !image.Pt(px, py).In(d.Bounds()) || !d.confident(px, py) {
		return camera.InvalidSample()
	}
	ray := d.k.Ray(r2.Vec{X: float64(px), Y: float64(py)})
	best := math.Inf(1)
	var hit r3.Vec
	for _, t := range d.tags {
		denom := r3.Dot(t.normal, ray)
		if math.Abs(denom) < 1e-12 {
			continue
		}
		s := r3.Dot(t.normal, t.center) / denom
		if s <= 0 || s >= best {
			continue
		}
		p := r3.Scale(s, ray)
		local := t.inv.Apply(p)
		if math.Abs(local.X) > t.half || math.Abs(local.Y) > t.half {
			continue
		}
		best, hit = s, p
	}
	if math.IsInf(best, 1) || hit.Z < d.minDepth {
		return camera.InvalidSample()
	}
	return camera.DepthSample{Point: hit}
}

// confident deterministically assigns each pixel a confidence score in
// [0, 100) per frame; scores at or above the threshold are filtered out.
func (d *rayCastDepth) confident(px, py int) bool {
	if d.threshold >= 100 {
		return true
	}
	h := fnv.New32a()
	var b [16]byte
	for i, v := range []uint32{uint32(px), uint32(py), uint32(d.frame), uint32(d.frame >> 32)} {
		b[4*i] = byte(v)
		b[4*i+1] = byte(v >> 8)
		b[4*i+2] = byte(v >> 16)
		b[4*i+3] = byte(v >> 24)
	}
	h.Write(b[:])
	return int(h.Sum32()%100) < d.threshold
}
