// Package aggregate resolves every detection in a frame and picks the
// primary (nearest) marker.
package aggregate

import (
	"sort"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/tagsolve"
)

// Resolver is the part of tagsolve.Resolver the aggregator needs.
type Resolver interface {
	Resolve(d markers.Detection, depth camera.DepthMap) (tagsolve.TagPose, bool)
}

// Result is the per-frame tag summary. All slices are freshly allocated.
type Result struct {
	// Tags holds the resolved markers in detection order.
	Tags []tagsolve.TagPose
	// Ranked holds the same markers sorted by ascending depth; ties keep
	// detection order.
	Ranked []tagsolve.TagPose
	// Dropped counts detections that failed to resolve.
	Dropped int
}

// Aggregate resolves dets against depth and ranks the survivors.
func Aggregate(dets []markers.Detection, r Resolver, depth camera.DepthMap) Result {
	res := Result{Tags: make([]tagsolve.TagPose, 0, len(dets))}
	for _, d := range dets {
		tp, ok := r.Resolve(d, depth)
		if !ok {
			res.Dropped++
			continue
		}
		res.Tags = append(res.Tags, tp)
	}
	res.Ranked = make([]tagsolve.TagPose, len(res.Tags))
	copy(res.Ranked, res.Tags)
	sort.SliceStable(res.Ranked, func(i, j int) bool {
		return res.Ranked[i].Depth() < res.Ranked[j].Depth()
	})
	return res
}

// Primary returns the nearest resolved marker.
func (r Result) Primary() (tagsolve.TagPose, bool) {
	if len(r.Ranked) == 0 {
		return tagsolve.TagPose{}, false
	}
	return r.Ranked[0], true
}

// TagValues is a marker as published: world-axis
// position and angles relative to the camera.
type TagValues struct {
	ID                   int
	X, Y, Z              float64
	Roll, Pitch, Heading float64
}

// NoPrimary is published when nothing resolved: id and every value -1.
func NoPrimary() TagValues {
	return TagValues{ID: -1, X: -1, Y: -1, Z: -1, Roll: -1, Pitch: -1, Heading: -1}
}

// Flatten converts a resolved marker into its published form.
func Flatten(tp tagsolve.TagPose) TagValues {
	w := tp.World()
	return TagValues{
		ID:      tp.ID,
		X:       w.X,
		Y:       w.Y,
		Z:       w.Z,
		Roll:    w.Roll,
		Pitch:   w.Pitch,
		Heading: tp.Heading(),
	}
}

// PrimaryValues returns the flattened primary marker or NoPrimary.
func (r Result) PrimaryValues() TagValues {
	tp, ok := r.Primary()
	if !ok {
		return NoPrimary()
	}
	return Flatten(tp)
}
