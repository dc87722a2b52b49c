package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/pose"
)

const maxLineSize = 16 << 20

// Camera plays back a recording. Tracking poses are rebased on every
// ResetTracking so the recorded odometry behaves like a live tracker.
type Camera struct {
	k    camera.Intrinsics
	path string

	mu       sync.Mutex
	src      io.ReadCloser
	scanner  *bufio.Scanner
	line     int
	tracking bool
	rebase   bool
	// base is the recorded tracking pose (native angles) at the last reset.
	base     pose.Pose
	recorded pose.Pose
	haveOK   bool
	latest   *camera.Frame
	last     []markers.Detection
}

// Open returns a camera replaying the file at path with calibration k. The
// file is opened by Camera.Open.
func Open(path string, k camera.Intrinsics) (*Camera, error) {
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("replay camera: %w", err)
	}
	return &Camera{k: k, path: path}, nil
}

// NewCamera replays frames read from r.
func NewCamera(r io.Reader, k camera.Intrinsics) (*Camera, error) {
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("replay camera: %w", err)
	}
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &Camera{k: k, src: rc}, nil
}

// Open implements camera.Camera.
func (c *Camera) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.src == nil {
		f, err := os.Open(c.path)
		if err != nil {
			return fmt.Errorf("open recording: %w", err)
		}
		c.src = f
	}
	c.scanner = bufio.NewScanner(c.src)
	c.scanner.Buffer(make([]byte, 64<<10), maxLineSize)
	monitoring.Logf("[Replay] playing %s", c.describe())
	return nil
}

func (c *Camera) describe() string {
	if c.path != "" {
		return c.path
	}
	return "stream"
}

// EnableTracking implements camera.Camera. Recorded poses are reported
// relative to the first frame that follows.
func (c *Camera) EnableTracking(pose.Pose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner == nil {
		return camera.ErrNotOpen
	}
	c.tracking = true
	c.rebase = true
	return nil
}

// ResetTracking implements camera.Camera.
func (c *Camera) ResetTracking(pose.Pose) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tracking {
		return camera.ErrTrackingUnavailable
	}
	if c.haveOK {
		c.base = c.recorded
	} else {
		c.rebase = true
	}
	return nil
}

// Intrinsics implements camera.Camera.
func (c *Camera) Intrinsics() camera.Intrinsics { return c.k }

// Grab implements camera.Camera. Malformed lines are skipped with
// ErrNoFrame; the end of the recording is ErrEndOfStream.
func (c *Camera) Grab(ctx context.Context) (*camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner == nil {
		return nil, camera.ErrNotOpen
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read recording: %w", err)
		}
		return nil, camera.ErrEndOfStream
	}
	c.line++

	var rec record
	if err := json.Unmarshal(c.scanner.Bytes(), &rec); err != nil {
		return nil, fmt.Errorf("line %d: %v: %w", c.line, err, camera.ErrNoFrame)
	}
	f, dets, err := rec.frame()
	if err != nil {
		return nil, fmt.Errorf("line %d: %v: %w", c.line, err, camera.ErrNoFrame)
	}

	c.haveOK = false
	switch {
	case !c.tracking:
		f.Tracking = camera.TrackingState{Status: camera.TrackingOff}
	case f.Tracking.Status == camera.TrackingOK:
		c.recorded = frames.ReorderTrackingAngles(f.Tracking.Pose)
		c.haveOK = true
		if c.rebase {
			c.base = c.recorded
			c.rebase = false
		}
		f.Tracking.Pose = frames.TrackerAngles(c.base.Inverse().Compose(c.recorded))
	}

	c.latest, c.last = f, dets
	return f, nil
}

// Close implements camera.Camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracking = false
	c.scanner = nil
	if c.src == nil {
		return nil
	}
	err := c.src.Close()
	c.src = nil
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

// Detector returns the markers.Detector that reports the recorded
// detections of the latest frame.
func (c *Camera) Detector() markers.Detector { return detector{c} }

type detector struct{ c *Camera }

func (d detector) Detect(f *camera.Frame) ([]markers.Detection, error) {
	d.c.mu.Lock()
	defer d.c.mu.Unlock()
	if f == nil || f != d.c.latest {
		return nil, errors.New("replay detector: frame is not the latest")
	}
	return append([]markers.Detection(nil), d.c.last...), nil
}

func (detector) Close() error { return nil }
