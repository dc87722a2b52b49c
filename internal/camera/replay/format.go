// Package replay records camera frames with their marker detections as JSON
// lines and plays them back through the camera.Camera and markers.Detector
// interfaces.
//
// Only the depth samples under each detected marker are stored; that is all
// the estimators read. Frame images, when the source has them, are stored
// as PNG so a recording can be run through an image detector later.
package replay

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"time"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

type record struct {
	ID         uint64            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Tracking   trackingRecord    `json:"tracking"`
	Detections []detectionRecord `json:"detections,omitempty"`
	Depth      *depthRecord      `json:"depth,omitempty"`
	// Image is the PNG-encoded frame image.
	Image []byte `json:"image,omitempty"`
}

type trackingRecord struct {
	Status     string     `json:"status"`
	Pose       [6]float64 `json:"pose"`
	Covariance []float64  `json:"covariance,omitempty"`
}

type detectionRecord struct {
	ID      int           `json:"id"`
	Corners [4][2]float64 `json:"corners"`
	Edge    float64       `json:"edge"`
}

type depthRecord struct {
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Samples [][5]float64 `json:"samples"`
}

// Encoder writes frames in the replay format.
type Encoder struct {
	w   *bufio.Writer
	enc *json.Encoder
}

// NewEncoder returns an encoder writing to w. Call Flush when done.
func NewEncoder(w io.Writer) *Encoder {
	bw := bufio.NewWriter(w)
	return &Encoder{w: bw, enc: json.NewEncoder(bw)}
}

// Encode appends one frame and the markers found in it.
func (e *Encoder) Encode(f *camera.Frame, dets []markers.Detection) error {
	rec := record{
		ID:        f.ID,
		Timestamp: f.Timestamp,
		Tracking: trackingRecord{
			Status:     f.Tracking.Status.String(),
			Pose:       f.Tracking.Pose.Components(),
			Covariance: f.Tracking.Covariance,
		},
	}
	for _, d := range dets {
		dr := detectionRecord{ID: d.ID, Edge: d.Offsets[1].X - d.Offsets[0].X}
		for i, c := range d.Corners {
			dr.Corners[i] = [2]float64{c.X, c.Y}
		}
		rec.Detections = append(rec.Detections, dr)
	}
	if f.Depth != nil {
		b := f.Depth.Bounds()
		dr := &depthRecord{Width: b.Dx(), Height: b.Dy()}
		seen := make(map[image.Point]bool)
		for _, d := range dets {
			box := d.Bounds().Intersect(b)
			for y := box.Min.Y; y < box.Max.Y; y++ {
				for x := box.Min.X; x < box.Max.X; x++ {
					pt := image.Pt(x, y)
					if seen[pt] {
						continue
					}
					seen[pt] = true
					s := f.Depth.At(x, y)
					if !s.Valid() {
						continue
					}
					dr.Samples = append(dr.Samples, [5]float64{float64(x), float64(y), s.Point.X, s.Point.Y, s.Point.Z})
				}
			}
		}
		rec.Depth = dr
	}
	if f.Image != nil {
		var buf bytes.Buffer
		if err := png.Encode(&buf, f.Image); err != nil {
			return fmt.Errorf("encode frame %d image: %w", f.ID, err)
		}
		rec.Image = buf.Bytes()
	}
	if err := e.enc.Encode(rec); err != nil {
		return fmt.Errorf("encode frame %d: %w", f.ID, err)
	}
	return nil
}

// Flush writes any buffered frames.
func (e *Encoder) Flush() error { return e.w.Flush() }

func (r record) frame() (*camera.Frame, []markers.Detection, error) {
	p := pose.FromComponents(r.Tracking.Pose)
	if !p.IsFinite() {
		return nil, nil, fmt.Errorf("frame %d: non-finite tracking pose", r.ID)
	}
	f := &camera.Frame{
		ID:        r.ID,
		Timestamp: r.Timestamp,
		Tracking: camera.TrackingState{
			Pose:       p,
			Status:     camera.ParseTrackingStatus(r.Tracking.Status),
			Covariance: r.Tracking.Covariance,
		},
	}
	if r.Depth != nil {
		m := camera.NewSparseDepthMap(image.Rect(0, 0, r.Depth.Width, r.Depth.Height))
		for _, s := range r.Depth.Samples {
			m.Set(int(s[0]), int(s[1]), r3.Vec{X: s[2], Y: s[3], Z: s[4]})
		}
		f.Depth = m
	}
	if len(r.Image) > 0 {
		img, err := png.Decode(bytes.NewReader(r.Image))
		if err != nil {
			return nil, nil, fmt.Errorf("frame %d image: %w", r.ID, err)
		}
		f.Image = img
	}
	dets := make([]markers.Detection, 0, len(r.Detections))
	for _, d := range r.Detections {
		if !(d.Edge > 0) || math.IsInf(d.Edge, 0) {
			return nil, nil, fmt.Errorf("frame %d: marker %d has edge %v", r.ID, d.ID, d.Edge)
		}
		var corners [4]r2.Vec
		for i, c := range d.Corners {
			corners[i] = r2.Vec{X: c[0], Y: c[1]}
		}
		dets = append(dets, markers.NewDetection(d.ID, corners, d.Edge))
	}
	return f, dets, nil
}
