// Package camera defines the contract between the localizer and the depth
// camera that owns image acquisition, stereo depth and visual-odometry
// tracking. Drivers live behind the Camera interface; this package also
// carries the pinhole/distortion model shared by every implementation.
package camera

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/banshee-data/tagpose/internal/pose"
)

var (
	// ErrNoFrame is returned by Grab when no new image is available. The
	// caller skips the iteration and tries again.
	ErrNoFrame = errors.New("camera: no new frame")

	// ErrEndOfStream means the source is exhausted and no frame will ever
	// arrive again, as at the end of a replay.
	ErrEndOfStream = errors.New("camera: end of stream")

	// ErrNotOpen is returned when a camera is used before Open succeeded.
	ErrNotOpen = errors.New("camera: not open")

	// ErrTrackingUnavailable is returned by EnableTracking or ResetTracking
	// when the device cannot run positional tracking.
	ErrTrackingUnavailable = errors.New("camera: positional tracking unavailable")
)

// Camera is the acquisition collaborator. Implementations are used from a
// single goroutine; Grab blocks until a frame is ready or the device reports
// that none is.
type Camera interface {
	// Open starts the device. Failure is fatal for the session.
	Open(ctx context.Context) error
	// EnableTracking starts positional tracking rooted at initial. Failure is
	// fatal for the session.
	EnableTracking(initial pose.Pose) error
	// Grab acquires the next frame. ErrNoFrame means "try again".
	Grab(ctx context.Context) (*Frame, error)
	// Intrinsics returns the left-camera calibration, fixed per session.
	Intrinsics() Intrinsics
	// ResetTracking re-roots tracking: after the call the reported tracking
	// pose is relative to the camera's current position, which the caller
	// now knows to be origin in the world.
	ResetTracking(origin pose.Pose) error
	Close() error
}

// Frame is everything acquired for one camera image. It is frame-scoped:
// nothing in it may be retained after the pipeline pass finishes.
type Frame struct {
	ID        uint64
	Timestamp time.Time
	// Image is the left image, nil when the driver does not expose pixels.
	Image image.Image
	// Depth is aligned on the left image. Nil when depth is disabled.
	Depth    DepthMap
	Tracking TrackingState
}

// TrackingStatus mirrors the positional tracking states of the device.
type TrackingStatus int

const (
	TrackingOff TrackingStatus = iota
	TrackingSearching
	TrackingOK
	TrackingLost
)

func (s TrackingStatus) String() string {
	switch s {
	case TrackingOff:
		return "off"
	case TrackingSearching:
		return "searching"
	case TrackingOK:
		return "ok"
	case TrackingLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ParseTrackingStatus is the inverse of String. Unknown names map to
// TrackingOff.
func ParseTrackingStatus(s string) TrackingStatus {
	switch s {
	case "searching":
		return TrackingSearching
	case "ok":
		return TrackingOK
	case "lost":
		return TrackingLost
	default:
		return TrackingOff
	}
}

// TrackingState is the tracking subsystem's pose for the frame. Pose is
// relative to the tracking origin set by the last ResetTracking and its
// angle slots follow the tracker's own order (see frames.TrackingAngleOrder).
type TrackingState struct {
	Pose   pose.Pose
	Status TrackingStatus
	// Covariance is the 6x6 row-major pose covariance, nil when unknown.
	Covariance []float64
}

// Options are the acquisition settings passed to drivers at construction.
type Options struct {
	// ConfidenceThreshold is the depth confidence cut-off in [1, 100]; depth
	// pixels less confident than this are reported invalid. 100 keeps all.
	ConfidenceThreshold int
	// DepthMinimumDistance is the closest valid depth, metres.
	DepthMinimumDistance float64
}

// DefaultOptions returns the settings the localizer was tuned with.
func DefaultOptions() Options {
	return Options{
		ConfidenceThreshold:  90,
		DepthMinimumDistance: 0.3,
	}
}
