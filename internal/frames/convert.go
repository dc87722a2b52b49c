// Package frames remaps poses between the depth camera's native axis
// convention and the world/robot convention consumed downstream.
//
// Sensor (native) frame: camera optical convention, x right, y down,
// z forward. World frame: robot convention, x forward, y left, z up.
//
// The canonical mapping, applied to every pose that leaves the pipeline:
//
//	x_w    =  z_s      y_w     = -x_s      z_w   = -y_s
//	roll_w =  yaw_s    pitch_w = -roll_s   yaw_w = -pitch_s
//
// It is a pure permutation with sign flips of the six components, so the
// inverse is exact. Covariance diagonals use the same permutation without the
// sign flips. The mapping is exact for rotations about a single axis (the
// usual case for field-mounted tags and a level camera); combined rotations
// keep their per-axis magnitudes but not the composition order.
package frames

import (
	"fmt"

	"github.com/banshee-data/tagpose/internal/pose"
)

// AxisMap describes a component remap: output component i takes input
// component Source[i] multiplied by Sign[i].
type AxisMap struct {
	Source [6]int
	Sign   [6]float64
}

// NativeToWorld is the canonical sensor→world mapping documented above.
var NativeToWorld = AxisMap{
	Source: [6]int{2, 0, 1, 5, 3, 4},
	Sign:   [6]float64{1, -1, -1, 1, -1, -1},
}

// TrackingAngleOrder is the reorder applied to the tracking subsystem's Euler
// angles before they are treated as native (roll, pitch, yaw). The tracker
// reports its angles in y, z, x order, so native roll is its third entry.
var TrackingAngleOrder = [3]int{2, 0, 1}

// Validate checks that m is a signed permutation.
func (m AxisMap) Validate() error {
	var seen [6]bool
	for i, src := range m.Source {
		if src < 0 || src > 5 {
			return fmt.Errorf("axis map source %d out of range: %d", i, src)
		}
		if seen[src] {
			return fmt.Errorf("axis map source %d used twice", src)
		}
		seen[src] = true
		if m.Sign[i] != 1 && m.Sign[i] != -1 {
			return fmt.Errorf("axis map sign %d must be ±1, got %v", i, m.Sign[i])
		}
	}
	// translation and rotation components must not mix
	for i := 0; i < 3; i++ {
		if m.Source[i] > 2 || m.Source[i+3] < 3 {
			return fmt.Errorf("axis map mixes translation and rotation at %d", i)
		}
	}
	return nil
}

// Inverse returns the map that undoes m exactly.
func (m AxisMap) Inverse() AxisMap {
	var inv AxisMap
	for i, src := range m.Source {
		inv.Source[src] = i
		inv.Sign[src] = m.Sign[i]
	}
	return inv
}

func (m AxisMap) apply(c [6]float64) [6]float64 {
	var out [6]float64
	for i, src := range m.Source {
		out[i] = m.Sign[i] * c[src]
	}
	return out
}

// Converter applies a fixed axis mapping in both directions.
type Converter struct {
	toWorld  AxisMap
	toNative AxisMap
}

// NewConverter returns a converter for m, which must be a valid signed
// permutation.
func NewConverter(m AxisMap) (*Converter, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Converter{toWorld: m, toNative: m.Inverse()}, nil
}

// Default returns the converter for the canonical NativeToWorld mapping.
func Default() *Converter {
	c, err := NewConverter(NativeToWorld)
	if err != nil {
		panic(err)
	}
	return c
}

// ToWorld maps a native pose into the world convention.
func (c *Converter) ToWorld(p pose.Pose) pose.Pose {
	return pose.FromComponents(c.toWorld.apply(p.Components()))
}

// ToNative maps a world-convention pose back into the native frame.
func (c *Converter) ToNative(p pose.Pose) pose.Pose {
	return pose.FromComponents(c.toNative.apply(p.Components()))
}

// PlanarToWorld projects a native pose to (x, y, heading) in world
// convention.
func (c *Converter) PlanarToWorld(p pose.Pose) pose.Planar {
	return c.ToWorld(p).Planar()
}

// VarianceToWorld permutes a covariance diagonal into world order. A
// 6-element diagonal uses the full mapping; a 3-element diagonal is
// translation only. Other lengths are returned as a copy, unchanged.
func (c *Converter) VarianceToWorld(diag []float64) []float64 {
	out := make([]float64, len(diag))
	switch len(diag) {
	case 6:
		for i, src := range c.toWorld.Source {
			out[i] = diag[src]
		}
	case 3:
		for i := 0; i < 3; i++ {
			out[i] = diag[c.toWorld.Source[i]]
		}
	default:
		copy(out, diag)
	}
	return out
}

// ReorderTrackingAngles converts a tracker-reported pose, whose angle slots
// follow the tracker's own order, into native (roll, pitch, yaw).
func ReorderTrackingAngles(p pose.Pose) pose.Pose {
	a := [3]float64{p.Roll, p.Pitch, p.Yaw}
	p.Roll = a[TrackingAngleOrder[0]]
	p.Pitch = a[TrackingAngleOrder[1]]
	p.Yaw = a[TrackingAngleOrder[2]]
	return p
}

// TrackerAngles is the inverse of ReorderTrackingAngles: it lays a native
// pose's angles out in the tracker's slot order.
func TrackerAngles(p pose.Pose) pose.Pose {
	native := [3]float64{p.Roll, p.Pitch, p.Yaw}
	var slots [3]float64
	for i, src := range TrackingAngleOrder {
		slots[src] = native[i]
	}
	p.Roll, p.Pitch, p.Yaw = slots[0], slots[1], slots[2]
	return p
}
