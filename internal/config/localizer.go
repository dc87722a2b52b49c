// Package config loads the localizer's startup configuration. Every value is
// fixed for the lifetime of a session.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tagpose/internal/camera"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/markers"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/telemetry"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo
// root.
const DefaultConfigPath = "config/localizer.defaults.json"

// Camera sources.
const (
	SourceSynthetic = "synthetic"
	SourceReplay    = "replay"
)

// Marker detectors. DetectorSource uses the detections the camera source
// supplies; DetectorAruco runs OpenCV on the frame image and needs a build
// with the gocv tag.
const (
	DetectorSource = "source"
	DetectorAruco  = "aruco"
)

// LocalizerConfig is the root configuration. Omitted fields fall back to the
// Get* defaults.
type LocalizerConfig struct {
	TagFamily  *string  `json:"tag_family,omitempty"`
	TagEdgeM   *float64 `json:"tag_edge_m,omitempty"`
	LayoutPath *string  `json:"layout_path,omitempty"`
	Detector   *string  `json:"detector,omitempty"`

	// InitialPose is the robot's starting pose, world convention.
	InitialPose *PoseConfig `json:"initial_pose,omitempty"`
	Strategy    *string     `json:"strategy,omitempty"`

	Relocalize            *string  `json:"relocalize,omitempty"`
	RelocalizeMaxReprojPx *float64 `json:"relocalize_max_reproj_px,omitempty"`
	MaxReprojectionPx     *float64 `json:"max_reprojection_px,omitempty"`

	DepthConfidenceThreshold *int     `json:"depth_confidence_threshold,omitempty"`
	DepthMinimumDistanceM    *float64 `json:"depth_minimum_distance_m,omitempty"`
	MinDepthSamples          *int     `json:"min_depth_samples,omitempty"`
	DepthStride              *int     `json:"depth_stride,omitempty"`

	Camera    *CameraConfig    `json:"camera,omitempty"`
	Telemetry *TelemetryConfig `json:"telemetry,omitempty"`

	StatsInterval *string `json:"stats_interval,omitempty"` // duration string like "10s"
	FPSWindow     *int    `json:"fps_window,omitempty"`
	MonitorAddr   *string `json:"monitor_addr,omitempty"`
	DBPath        *string `json:"db_path,omitempty"`
}

// PoseConfig is a pose in metres and radians.
type PoseConfig struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Pose converts to a pose value.
func (p PoseConfig) Pose() pose.Pose {
	return pose.New(p.X, p.Y, p.Z, p.Roll, p.Pitch, p.Yaw)
}

// CameraConfig selects and calibrates the frame source.
type CameraConfig struct {
	Source     *string            `json:"source,omitempty"`
	ReplayPath *string            `json:"replay_path,omitempty"`
	Intrinsics *camera.Intrinsics `json:"intrinsics,omitempty"`
	Synthetic  *SyntheticConfig   `json:"synthetic,omitempty"`
}

// SyntheticConfig scripts the synthetic camera. Poses are world convention.
type SyntheticConfig struct {
	Trajectory    string      `json:"trajectory"` // "static" or "orbit"
	Start         *PoseConfig `json:"start,omitempty"`
	OrbitCenter   *PoseConfig `json:"orbit_center,omitempty"`
	OrbitRadiusM  float64     `json:"orbit_radius_m"`
	OrbitPeriod   string      `json:"orbit_period"`
	FPS           float64     `json:"fps"`
	PixelNoise    float64     `json:"pixel_noise"`
	Seed          int64       `json:"seed"`
	DropEvery     int         `json:"drop_every"`
	MaxFrames     int         `json:"max_frames"`
	WarmupFrames  int         `json:"warmup_frames"`
	RealTimePaced *bool       `json:"real_time_paced,omitempty"`
}

// TelemetryConfig enables bus sinks. Empty addresses disable a sink.
type TelemetryConfig struct {
	UDPAddr    string                 `json:"udp_addr,omitempty"`
	GRPCAddr   string                 `json:"grpc_addr,omitempty"`
	SerialPort string                 `json:"serial_port,omitempty"`
	Serial     *telemetry.PortOptions `json:"serial,omitempty"`
}

// EmptyLocalizerConfig returns a config with every field unset.
func EmptyLocalizerConfig() *LocalizerConfig {
	return &LocalizerConfig{}
}

// LoadLocalizerConfig loads and validates a JSON config file. The file must
// have a .json extension and be under 1MB.
func LoadLocalizerConfig(path string) (*LocalizerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyLocalizerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics when it cannot; intended for tests.
func MustLoadDefaultConfig() *LocalizerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadLocalizerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every set field.
func (c *LocalizerConfig) Validate() error {
	if c.TagFamily != nil && *c.TagFamily != markers.Family {
		return fmt.Errorf("tag_family must be %q, got %q", markers.Family, *c.TagFamily)
	}
	if c.TagEdgeM != nil && !(*c.TagEdgeM > 0 && *c.TagEdgeM < 10) {
		return fmt.Errorf("tag_edge_m must be in (0, 10), got %v", *c.TagEdgeM)
	}
	if c.Detector != nil {
		switch *c.Detector {
		case "", DetectorSource, DetectorAruco:
		default:
			return fmt.Errorf("unknown detector %q", *c.Detector)
		}
	}
	if c.InitialPose != nil && !c.InitialPose.Pose().IsFinite() {
		return fmt.Errorf("initial_pose must be finite")
	}
	if c.Strategy != nil {
		if _, err := estimator.ParseStrategyName(*c.Strategy); err != nil {
			return err
		}
	}
	if c.Relocalize != nil {
		if _, err := estimator.ParseRelocalizePolicy(*c.Relocalize); err != nil {
			return err
		}
	}
	for name, v := range map[string]*float64{
		"relocalize_max_reproj_px": c.RelocalizeMaxReprojPx,
		"max_reprojection_px":      c.MaxReprojectionPx,
		"depth_minimum_distance_m": c.DepthMinimumDistanceM,
	} {
		if v != nil && (*v < 0 || math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("%s must be a non-negative number, got %v", name, *v)
		}
	}
	if c.DepthConfidenceThreshold != nil && (*c.DepthConfidenceThreshold < 1 || *c.DepthConfidenceThreshold > 100) {
		return fmt.Errorf("depth_confidence_threshold must be between 1 and 100, got %d", *c.DepthConfidenceThreshold)
	}
	if c.MinDepthSamples != nil && *c.MinDepthSamples < 1 {
		return fmt.Errorf("min_depth_samples must be positive, got %d", *c.MinDepthSamples)
	}
	if c.DepthStride != nil && *c.DepthStride < 1 {
		return fmt.Errorf("depth_stride must be positive, got %d", *c.DepthStride)
	}
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if _, err := time.ParseDuration(*c.StatsInterval); err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
	}
	if c.FPSWindow != nil && *c.FPSWindow < 2 {
		return fmt.Errorf("fps_window must be at least 2, got %d", *c.FPSWindow)
	}
	if c.Camera != nil {
		if err := c.Camera.validate(); err != nil {
			return err
		}
	}
	if c.Telemetry != nil && c.Telemetry.Serial != nil {
		if _, err := c.Telemetry.Serial.Normalize(); err != nil {
			return fmt.Errorf("telemetry.serial: %w", err)
		}
	}
	return nil
}

func (c *CameraConfig) validate() error {
	switch c.source() {
	case SourceSynthetic:
	case SourceReplay:
		if c.ReplayPath == nil || *c.ReplayPath == "" {
			return fmt.Errorf("camera.replay_path is required for the replay source")
		}
	default:
		return fmt.Errorf("unknown camera.source %q", *c.Source)
	}
	if c.Intrinsics != nil {
		if err := c.Intrinsics.Validate(); err != nil {
			return fmt.Errorf("camera.intrinsics: %w", err)
		}
	}
	if s := c.Synthetic; s != nil {
		switch s.Trajectory {
		case "", "static":
		case "orbit":
			if !(s.OrbitRadiusM > 0) {
				return fmt.Errorf("camera.synthetic.orbit_radius_m must be positive")
			}
			if d, err := time.ParseDuration(s.OrbitPeriod); err != nil || d <= 0 {
				return fmt.Errorf("invalid camera.synthetic.orbit_period %q", s.OrbitPeriod)
			}
		default:
			return fmt.Errorf("unknown camera.synthetic.trajectory %q", s.Trajectory)
		}
		if s.FPS < 0 || s.PixelNoise < 0 || s.DropEvery < 0 || s.MaxFrames < 0 || s.WarmupFrames < 0 {
			return fmt.Errorf("camera.synthetic values must not be negative")
		}
	}
	return nil
}

func (c *CameraConfig) source() string {
	if c == nil || c.Source == nil || *c.Source == "" {
		return SourceSynthetic
	}
	return *c.Source
}

// GetTagEdge returns the marker edge length in metres.
func (c *LocalizerConfig) GetTagEdge() float64 {
	if c.TagEdgeM == nil {
		return 0.1524 // 6 inch
	}
	return *c.TagEdgeM
}

// GetLayoutPath returns the field layout file.
func (c *LocalizerConfig) GetLayoutPath() string {
	if c.LayoutPath == nil || *c.LayoutPath == "" {
		return "config/field_layout.json"
	}
	return *c.LayoutPath
}

// GetDetector returns "source" or "aruco".
func (c *LocalizerConfig) GetDetector() string {
	if c.Detector == nil || *c.Detector == "" {
		return DetectorSource
	}
	return *c.Detector
}

// GetInitialPose returns the starting pose, world convention.
func (c *LocalizerConfig) GetInitialPose() pose.Pose {
	if c.InitialPose == nil {
		return pose.Identity()
	}
	return c.InitialPose.Pose()
}

// GetStrategy returns the primary strategy.
func (c *LocalizerConfig) GetStrategy() estimator.StrategyName {
	if c.Strategy == nil {
		return estimator.MarkerSolve
	}
	name, err := estimator.ParseStrategyName(*c.Strategy)
	if err != nil {
		return estimator.MarkerSolve
	}
	return name
}

// GetRelocalize returns the relocalisation policy.
func (c *LocalizerConfig) GetRelocalize() estimator.RelocalizePolicy {
	if c.Relocalize == nil {
		return estimator.RelocalizeFirst
	}
	p, err := estimator.ParseRelocalizePolicy(*c.Relocalize)
	if err != nil {
		return estimator.RelocalizeFirst
	}
	return p
}

// GetRelocalizeMaxReprojPx returns the reprojection error, pixels, above
// which a marker fix does not relocalise.
func (c *LocalizerConfig) GetRelocalizeMaxReprojPx() float64 {
	if c.RelocalizeMaxReprojPx == nil {
		return 2.0
	}
	return *c.RelocalizeMaxReprojPx
}

// GetMaxReprojectionPx returns the resolver's rejection threshold, pixels.
func (c *LocalizerConfig) GetMaxReprojectionPx() float64 {
	if c.MaxReprojectionPx == nil {
		return 8.0
	}
	return *c.MaxReprojectionPx
}

// GetCameraOptions returns the depth acquisition settings.
func (c *LocalizerConfig) GetCameraOptions() camera.Options {
	opts := camera.DefaultOptions()
	if c.DepthConfidenceThreshold != nil {
		opts.ConfidenceThreshold = *c.DepthConfidenceThreshold
	}
	if c.DepthMinimumDistanceM != nil {
		opts.DepthMinimumDistance = *c.DepthMinimumDistanceM
	}
	return opts
}

// GetMinDepthSamples returns the fewest depth points depth_average accepts.
func (c *LocalizerConfig) GetMinDepthSamples() int {
	if c.MinDepthSamples == nil {
		return estimator.DefaultMinDepthSamples
	}
	return *c.MinDepthSamples
}

// GetDepthStride returns the footprint sampling step, pixels.
func (c *LocalizerConfig) GetDepthStride() int {
	if c.DepthStride == nil {
		return estimator.DefaultDepthStride
	}
	return *c.DepthStride
}

// GetCameraSource returns "synthetic" or "replay".
func (c *LocalizerConfig) GetCameraSource() string { return c.Camera.source() }

// GetReplayPath returns the recording to play back.
func (c *LocalizerConfig) GetReplayPath() string {
	if c.Camera == nil || c.Camera.ReplayPath == nil {
		return ""
	}
	return *c.Camera.ReplayPath
}

// GetIntrinsics returns the camera calibration.
func (c *LocalizerConfig) GetIntrinsics() camera.Intrinsics {
	if c.Camera == nil || c.Camera.Intrinsics == nil {
		return camera.HD720()
	}
	return *c.Camera.Intrinsics
}

// GetSynthetic returns the synthetic scene script.
func (c *LocalizerConfig) GetSynthetic() SyntheticConfig {
	if c.Camera == nil || c.Camera.Synthetic == nil {
		return SyntheticConfig{Trajectory: "static"}
	}
	return *c.Camera.Synthetic
}

// GetTelemetry returns the sink settings.
func (c *LocalizerConfig) GetTelemetry() TelemetryConfig {
	if c.Telemetry == nil {
		return TelemetryConfig{}
	}
	return *c.Telemetry
}

// GetStatsInterval returns how often loop statistics are logged.
func (c *LocalizerConfig) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetFPSWindow returns the frame-rate window size.
func (c *LocalizerConfig) GetFPSWindow() int {
	if c.FPSWindow == nil {
		return 100
	}
	return *c.FPSWindow
}

// GetMonitorAddr returns the debug HTTP listen address; empty disables it.
func (c *LocalizerConfig) GetMonitorAddr() string {
	if c.MonitorAddr == nil {
		return ":8090"
	}
	return *c.MonitorAddr
}

// GetDBPath returns the pose log path; empty disables recording.
func (c *LocalizerConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}
