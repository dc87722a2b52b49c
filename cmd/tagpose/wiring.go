package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/camera/replay"
	"github.com/banshee-data/tagpose/internal/camera/synthetic"
	"github.com/banshee-data/tagpose/internal/config"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/telemetry"
)

// source is a camera and the detector that reads its frames.
type source struct {
	cam      camera.Camera
	detector markers.Detector
}

func openSource(cfg *config.LocalizerConfig, layout *estimator.Layout, conv *frames.Converter) (source, error) {
	k := cfg.GetIntrinsics()
	switch cfg.GetCameraSource() {
	case config.SourceReplay:
		cam, err := replay.Open(cfg.GetReplayPath(), k)
		if err != nil {
			return source{}, err
		}
		log.Printf("replaying %s", cfg.GetReplayPath())
		return source{cam: cam, detector: cam.Detector()}, nil
	case config.SourceSynthetic:
		sc := cfg.GetSynthetic()
		traj, err := trajectory(sc, conv)
		if err != nil {
			return source{}, err
		}
		interval := time.Second / 30
		if sc.FPS > 0 {
			interval = time.Duration(float64(time.Second) / sc.FPS)
		}
		cam, err := synthetic.New(synthetic.Config{
			Intrinsics:    k,
			Layout:        layout,
			TagEdge:       cfg.GetTagEdge(),
			Trajectory:    traj,
			FrameInterval: interval,
			Pace:          sc.RealTimePaced == nil || *sc.RealTimePaced,
			PixelNoise:    sc.PixelNoise,
			Seed:          sc.Seed,
			DropEvery:     sc.DropEvery,
			MaxFrames:     sc.MaxFrames,
			WarmupFrames:  sc.WarmupFrames,
			Options:       cfg.GetCameraOptions(),
		})
		if err != nil {
			return source{}, err
		}
		log.Printf("synthetic %s scene, %d markers at %.1f fps", sc.Trajectory, layout.Len(), float64(time.Second)/float64(interval))
		return source{cam: cam, detector: cam.Detector()}, nil
	default:
		return source{}, fmt.Errorf("unknown camera source %q", cfg.GetCameraSource())
	}
}

// trajectory builds the synthetic motion script in the camera's native axes.
func trajectory(sc config.SyntheticConfig, conv *frames.Converter) (synthetic.Trajectory, error) {
	switch sc.Trajectory {
	case "", "static":
		start := config.PoseConfig{}
		if sc.Start != nil {
			start = *sc.Start
		}
		return synthetic.Static(conv.ToNative(start.Pose())), nil
	case "orbit":
		period := 20 * time.Second
		if sc.OrbitPeriod != "" {
			d, err := time.ParseDuration(sc.OrbitPeriod)
			if err != nil {
				return nil, fmt.Errorf("invalid orbit_period %q: %w", sc.OrbitPeriod, err)
			}
			period = d
		}
		var center config.PoseConfig
		if sc.OrbitCenter != nil {
			center = *sc.OrbitCenter
		}
		c := conv.ToNative(center.Pose())
		return synthetic.Orbit(r3.Vec{X: c.X, Y: c.Y, Z: c.Z}, sc.OrbitRadiusM, period), nil
	default:
		return nil, fmt.Errorf("unknown synthetic trajectory %q", sc.Trajectory)
	}
}

// openSinks opens every network sink the telemetry section enables.
func openSinks(ctx context.Context, tc config.TelemetryConfig, logInterval time.Duration) (telemetry.Multi, error) {
	var sinks telemetry.Multi
	fail := func(err error) (telemetry.Multi, error) {
		return nil, errors.Join(err, sinks.Close())
	}
	if tc.UDPAddr != "" {
		udp, err := telemetry.NewUDPPublisher(tc.UDPAddr, logInterval)
		if err != nil {
			return fail(err)
		}
		udp.Start(ctx)
		sinks = append(sinks, udp)
		log.Printf("publishing telemetry datagrams to %s", tc.UDPAddr)
	}
	if tc.GRPCAddr != "" {
		g := telemetry.NewGRPCPublisher(tc.GRPCAddr)
		if err := g.Start(); err != nil {
			return fail(err)
		}
		sinks = append(sinks, g)
	}
	if tc.SerialPort != "" {
		opts := telemetry.PortOptions{}
		if tc.Serial != nil {
			opts = *tc.Serial
		}
		sp, err := telemetry.OpenSerialPublisher(tc.SerialPort, opts)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sp)
		log.Printf("publishing telemetry lines on %s", tc.SerialPort)
	}
	return sinks, nil
}

// recordingDetector writes each frame and its detections to a replay file
// as they pass through.
type recordingDetector struct {
	inner markers.Detector
	file  *os.File
	enc   *replay.Encoder
}

func newRecordingDetector(path string, inner markers.Detector) (*recordingDetector, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	log.Printf("recording frames to %s", path)
	return &recordingDetector{inner: inner, file: f, enc: replay.NewEncoder(f)}, nil
}

func (r *recordingDetector) Detect(f *camera.Frame) ([]markers.Detection, error) {
	dets, err := r.inner.Detect(f)
	if err != nil {
		return nil, err
	}
	if err := r.enc.Encode(f, dets); err != nil {
		log.Printf("failed to record frame %d: %v", f.ID, err)
	}
	return dets, nil
}

// Close flushes the replay file and closes the inner detector. It may be
// called more than once.
func (r *recordingDetector) Close() error {
	if r.file == nil {
		return nil
	}
	err := errors.Join(r.enc.Flush(), r.file.Close(), r.inner.Close())
	r.file = nil
	return err
}
