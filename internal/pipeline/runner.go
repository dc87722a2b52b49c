// Package pipeline runs the per-frame localizer loop: grab, detect,
// aggregate, estimate, convert, publish, record. One frame is processed at
// a time on the caller's goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tagpose/internal/aggregate"
	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/tagsolve"
	"github.com/banshee-data/tagpose/internal/telemetry"
	"github.com/banshee-data/tagpose/internal/timeutil"
)

// Recorder persists published frames. Optional.
type Recorder interface {
	RecordFrame(ctx context.Context, f *telemetry.Frame) error
}

// Options wire a Runner. Camera, Detector, Resolver, Strategy, Session and
// Publisher are required.
type Options struct {
	Camera    camera.Camera
	Detector  markers.Detector
	Resolver  *tagsolve.Resolver
	Strategy  estimator.Strategy
	Session   *estimator.Session
	Publisher telemetry.Publisher
	Recorder  Recorder

	Converter     *frames.Converter
	Clock         timeutil.Clock
	StatsInterval time.Duration
	FPSWindow     int
}

// Runner owns one localization session.
type Runner struct {
	cam       camera.Camera
	detector  markers.Detector
	resolver  *tagsolve.Resolver
	strategy  estimator.Strategy
	odometry  estimator.Strategy
	session   *estimator.Session
	publisher telemetry.Publisher
	recorder  Recorder
	converter *frames.Converter
	clock     timeutil.Clock

	stats         *Stats
	statsInterval time.Duration
	lastStatsLog  time.Time
	grabErrors    *monitoring.Throttle
	latest        atomic.Pointer[telemetry.Frame]
}

// New validates the options and builds a Runner.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Camera == nil:
		return nil, errors.New("pipeline: camera is required")
	case opts.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case opts.Resolver == nil:
		return nil, errors.New("pipeline: resolver is required")
	case opts.Strategy == nil:
		return nil, errors.New("pipeline: strategy is required")
	case opts.Session == nil:
		return nil, errors.New("pipeline: session is required")
	case opts.Publisher == nil:
		return nil, errors.New("pipeline: publisher is required")
	}
	if opts.Converter == nil {
		opts.Converter = frames.Default()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 10 * time.Second
	}

	odometry := opts.Strategy
	if odometry.Name() != estimator.VisualOdometry {
		var err error
		if odometry, err = estimator.New(estimator.VisualOdometry, estimator.Deps{}); err != nil {
			return nil, err
		}
	}

	return &Runner{
		cam:           opts.Camera,
		detector:      opts.Detector,
		resolver:      opts.Resolver,
		strategy:      opts.Strategy,
		odometry:      odometry,
		session:       opts.Session,
		publisher:     opts.Publisher,
		recorder:      opts.Recorder,
		converter:     opts.Converter,
		clock:         opts.Clock,
		stats:         NewStats(opts.FPSWindow),
		statsInterval: opts.StatsInterval,
		grabErrors:    monitoring.NewThrottle(opts.StatsInterval),
	}, nil
}

// Start opens the camera and enables tracking at the session reference.
// Any error here ends the session.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.cam.Open(ctx); err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	if err := r.cam.EnableTracking(r.session.Reference()); err != nil {
		return fmt.Errorf("enable positional tracking: %w", err)
	}
	monitoring.Logf("[Pipeline] session %s started, strategy=%s reference=%v",
		r.session.ID(), r.strategy.Name(), r.session.Reference())
	r.lastStatsLog = r.clock.Now()
	return nil
}

// Run processes frames until ctx is cancelled or the camera reports
// ErrEndOfStream. Per-frame failures are logged and skipped; cancellation is
// checked between frames only.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[Pipeline] stopping: %v", err)
			return nil
		}
		_, err := r.Step(ctx)
		switch {
		case err == nil, errors.Is(err, camera.ErrNoFrame):
		case errors.Is(err, camera.ErrEndOfStream):
			monitoring.Logf("[Pipeline] camera stream ended after %d frames", r.stats.Snapshot().Frames)
			return nil
		default:
			r.grabErrors.Logf(r.clock.Now(), "[Pipeline] frame skipped: %v", err)
		}
		r.maybeLogStats()
	}
}

// Step runs one full pass. It returns camera.ErrNoFrame (wrapped) when the
// camera had nothing new, and the published frame otherwise.
func (r *Runner) Step(ctx context.Context) (*telemetry.Frame, error) {
	frame, err := r.cam.Grab(ctx)
	if err != nil {
		r.stats.recordSkip()
		return nil, fmt.Errorf("grab: %w", err)
	}
	now := r.clock.Now()

	dets, err := r.detector.Detect(frame)
	if err != nil {
		r.grabErrors.Logf(now, "[Pipeline] marker detection failed on frame %d: %v", frame.ID, err)
		dets = nil
	}

	agg := aggregate.Aggregate(dets, r.resolver, frame.Depth)
	in := estimator.Input{Frame: frame, Detections: dets}

	est, ok := r.strategy.Estimate(in, r.session)
	odom, odomOK := est, ok
	if r.odometry != r.strategy {
		// Before any relocalisation: this frame's tracking is still relative
		// to the old origin.
		odom, odomOK = r.odometry.Estimate(in, r.session)
	}
	relocalized := false
	if ok {
		relocalized = r.session.Relocalize(est, frame.ID)
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = now
	}
	out := &telemetry.Frame{
		SessionID: r.session.ID(),
		FrameID:   frame.ID,
		Timestamp: ts,
		Estimate:  r.toTelemetry(est, ok, r.strategy.Name()),
		Odometry:  r.toTelemetry(odom, odomOK, estimator.VisualOdometry),
		Tags:      make([]aggregate.TagValues, 0, len(agg.Tags)),
		Primary:   agg.PrimaryValues(),
	}
	for _, tp := range agg.Tags {
		out.Tags = append(out.Tags, aggregate.Flatten(tp))
	}

	if err := r.publisher.Publish(ctx, out); err != nil {
		r.stats.recordPublishError()
		monitoring.Logf("[Pipeline] publish frame %d: %v", out.FrameID, err)
	}
	if r.recorder != nil {
		if err := r.recorder.RecordFrame(ctx, out); err != nil {
			monitoring.Logf("[Pipeline] record frame %d: %v", out.FrameID, err)
		}
	}

	r.latest.Store(out)
	r.stats.recordFrame(now, agg.Dropped, ok, relocalized)
	return out, nil
}

// toTelemetry converts an estimate to world axes. Absent estimates skip the
// converter and carry the sentinel.
func (r *Runner) toTelemetry(est estimator.CameraPose, ok bool, name estimator.StrategyName) telemetry.PoseEstimate {
	if !ok {
		return telemetry.Absent(string(name))
	}
	return telemetry.PoseEstimate{
		Pose:      r.converter.ToWorld(est.Pose),
		Variances: r.converter.VarianceToWorld(est.Variances()),
		Strategy:  string(est.Strategy),
		Valid:     true,
	}
}

func (r *Runner) maybeLogStats() {
	now := r.clock.Now()
	if now.Sub(r.lastStatsLog) < r.statsInterval {
		return
	}
	r.lastStatsLog = now
	s := r.stats.Snapshot()
	monitoring.Logf("[Pipeline] fps=%.1f frames=%d skipped=%d dropped_tags=%d absent=%d relocalized=%d",
		s.FPS, s.Frames, s.Skipped, s.DroppedTags, s.AbsentEstimates, s.Relocalizations)
}

// Latest returns the most recently published frame, nil before the first.
func (r *Runner) Latest() *telemetry.Frame { return r.latest.Load() }

// Stats returns the current counters.
func (r *Runner) Stats() StatsSnapshot { return r.stats.Snapshot() }

// Session returns the runner's session.
func (r *Runner) Session() *estimator.Session { return r.session }

// Close releases the detector and the camera.
func (r *Runner) Close() error {
	return errors.Join(r.detector.Close(), r.cam.Close())
}
