// Package telemetry carries the per-frame localizer output to the robot
// controller. A Frame is built once per pipeline pass and handed, read-only,
// to every Publisher.
package telemetry

import (
	"encoding/json"
	"math"
	"time"

	"github.com/banshee-data/tagpose/internal/aggregate"
	"github.com/banshee-data/tagpose/internal/pose"
)

// TableName is the bus table every key is published under.
const TableName = "tags"

// Bus keys.
const (
	KeyPoseEstimate      = "pose_estimate"
	KeyPoseEstimate3D    = "pose_estimate_3d"
	KeyVOPoseEstimate    = "vo_pose_estimate"
	KeyTagIDs            = "tag_ids"
	KeyTagXs             = "tag_xs"
	KeyTagYs             = "tag_ys"
	KeyTagZs             = "tag_zs"
	KeyTagRolls          = "tag_rolls"
	KeyTagPitches        = "tag_pitches"
	KeyTagHeadings       = "tag_headings"
	KeyPrimaryTagID      = "primary_tag_id"
	KeyPrimaryTagX       = "primary_tag_x"
	KeyPrimaryTagY       = "primary_tag_y"
	KeyPrimaryTagZ       = "primary_tag_z"
	KeyPrimaryTagRoll    = "primary_tag_roll"
	KeyPrimaryTagPitch   = "primary_tag_pitch"
	KeyPrimaryTagHeading = "primary_tag_heading"
	KeyTimestampMs       = "timestamp_ms"
	KeyFrameID           = "frame_id"
)

// PoseEstimate is a world-axis pose that may be absent. Absent estimates
// publish the (-1, ...) sentinel, never a stale value.
type PoseEstimate struct {
	Pose      pose.Pose
	Variances []float64
	Strategy  string
	Valid     bool
}

// Absent returns an invalid estimate for strategy.
func Absent(strategy string) PoseEstimate {
	return PoseEstimate{Pose: pose.Sentinel(), Strategy: strategy}
}

// Planar returns (x, y, heading), or the sentinel triple when absent.
func (e PoseEstimate) Planar() []float64 {
	if !e.Valid {
		return []float64{-1, -1, -1}
	}
	return e.Pose.Planar().Values()
}

// Values3D returns the six pose components followed by the covariance
// diagonal when known, or the six-value sentinel when absent.
func (e PoseEstimate) Values3D() []float64 {
	if !e.Valid {
		c := pose.Sentinel().Components()
		return c[:]
	}
	c := e.Pose.Components()
	out := make([]float64, 0, 6+len(e.Variances))
	out = append(out, c[:]...)
	return append(out, e.Variances...)
}

// Frame is one pipeline pass worth of output.
type Frame struct {
	SessionID string
	FrameID   uint64
	Timestamp time.Time
	Estimate  PoseEstimate
	Odometry  PoseEstimate
	Tags      []aggregate.TagValues
	Primary   aggregate.TagValues
}

// Value is one bus entry: a number or a number array.
type Value struct {
	Key     string
	Number  float64
	Array   []float64
	IsArray bool
}

func number(key string, v float64) Value  { return Value{Key: key, Number: v} }
func array(key string, v []float64) Value { return Value{Key: key, Array: v, IsArray: true} }

// TimestampMs is the frame time in Unix milliseconds.
func (f *Frame) TimestampMs() int64 { return f.Timestamp.UnixMilli() }

// Values returns every bus entry for the frame in publish order.
func (f *Frame) Values() []Value {
	n := len(f.Tags)
	ids := make([]float64, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	rolls := make([]float64, n)
	pitches := make([]float64, n)
	headings := make([]float64, n)
	for i, t := range f.Tags {
		ids[i] = float64(t.ID)
		xs[i], ys[i], zs[i] = t.X, t.Y, t.Z
		rolls[i], pitches[i], headings[i] = t.Roll, t.Pitch, t.Heading
	}
	p := f.Primary
	return []Value{
		array(KeyPoseEstimate, f.Estimate.Planar()),
		array(KeyPoseEstimate3D, f.Estimate.Values3D()),
		array(KeyVOPoseEstimate, f.Odometry.Values3D()),
		array(KeyTagIDs, ids),
		array(KeyTagXs, xs),
		array(KeyTagYs, ys),
		array(KeyTagZs, zs),
		array(KeyTagRolls, rolls),
		array(KeyTagPitches, pitches),
		array(KeyTagHeadings, headings),
		number(KeyPrimaryTagID, float64(p.ID)),
		number(KeyPrimaryTagX, p.X),
		number(KeyPrimaryTagY, p.Y),
		number(KeyPrimaryTagZ, p.Z),
		number(KeyPrimaryTagRoll, p.Roll),
		number(KeyPrimaryTagPitch, p.Pitch),
		number(KeyPrimaryTagHeading, p.Heading),
		number(KeyTimestampMs, float64(f.TimestampMs())),
		number(KeyFrameID, float64(f.FrameID)),
	}
}

// Map flattens the frame for JSON and protobuf Struct encoding. Arrays are
// []any so structpb can take the map as is; NaN and Inf become nil.
func (f *Frame) Map() map[string]any {
	vals := f.Values()
	m := make(map[string]any, len(vals)+2)
	for _, v := range vals {
		if !v.IsArray {
			m[v.Key] = finiteOrNil(v.Number)
			continue
		}
		arr := make([]any, len(v.Array))
		for i, x := range v.Array {
			arr[i] = finiteOrNil(x)
		}
		m[v.Key] = arr
	}
	m["session_id"] = f.SessionID
	m["strategy"] = f.Estimate.Strategy
	return m
}

func finiteOrNil(x float64) any {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}

// MarshalJSON encodes the flattened map.
func (f *Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Map())
}
