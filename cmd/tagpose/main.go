package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/tagpose/internal/config"
	"github.com/banshee-data/tagpose/internal/estimator"
	"github.com/banshee-data/tagpose/internal/frames"
	"github.com/banshee-data/tagpose/internal/monitor"
	"github.com/banshee-data/tagpose/internal/pipeline"
	"github.com/banshee-data/tagpose/internal/recorder"
	"github.com/banshee-data/tagpose/internal/tagsolve"
	"github.com/banshee-data/tagpose/internal/telemetry"
	"github.com/banshee-data/tagpose/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Localizer configuration file (JSON)")
	dbPath      = flag.String("db", "", "Pose log database (overrides db_path; empty disables recording)")
	monitorAddr = flag.String("monitor", "", "Monitor listen address (overrides monitor_addr; \"off\" disables)")
	replayPath  = flag.String("replay", "", "Replay a recorded session instead of the configured camera")
	recordPath  = flag.String("record", "", "Write every grabbed frame to this replay file")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		log.Print(version.Get())
		return
	}

	// .env is optional; it only supplies TAGPOSE_* overrides on the robot.
	_ = godotenv.Load()
	if v := os.Getenv("TAGPOSE_CONFIG"); v != "" && !flagSet("config") {
		*configPath = v
	}
	if v := os.Getenv("TAGPOSE_DB"); v != "" && !flagSet("db") {
		*dbPath = v
	}

	cfg, err := config.LoadLocalizerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *replayPath != "" {
		src := config.SourceReplay
		if cfg.Camera == nil {
			cfg.Camera = &config.CameraConfig{}
		}
		cfg.Camera.Source = &src
		cfg.Camera.ReplayPath = replayPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	conv := frames.Default()
	layout, err := estimator.LoadLayout(cfg.GetLayoutPath(), conv)
	if err != nil {
		log.Fatalf("failed to load field layout: %v", err)
	}
	log.Printf("loaded %d markers from %s", layout.Len(), cfg.GetLayoutPath())

	src, err := openSource(cfg, layout, conv)
	if err != nil {
		log.Fatalf("failed to create camera: %v", err)
	}
	detector, err := markerDetector(cfg, src)
	if err != nil {
		log.Fatalf("failed to create marker detector: %v", err)
	}
	if *recordPath != "" {
		capture, err := newRecordingDetector(*recordPath, detector)
		if err != nil {
			log.Fatalf("failed to create replay file: %v", err)
		}
		defer capture.Close()
		detector = capture
	}

	resolver, err := tagsolve.NewResolver(src.cam.Intrinsics(), cfg.GetTagEdge(), conv,
		tagsolve.Options{MaxReprojectionError: cfg.GetMaxReprojectionPx()})
	if err != nil {
		log.Fatalf("failed to create marker resolver: %v", err)
	}
	strategy, err := estimator.New(cfg.GetStrategy(), estimator.Deps{
		Resolver:        resolver,
		Layout:          layout,
		MinDepthSamples: cfg.GetMinDepthSamples(),
		DepthStride:     cfg.GetDepthStride(),
	})
	if err != nil {
		log.Fatalf("failed to create pose strategy: %v", err)
	}
	session := estimator.NewSession(conv.ToNative(cfg.GetInitialPose()), src.cam, estimator.SessionOptions{
		Policy:               cfg.GetRelocalize(),
		MaxReprojectionError: cfg.GetRelocalizeMaxReprojPx(),
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rec *recorder.Recorder
	if path := firstNonEmpty(*dbPath, cfg.GetDBPath()); path != "" {
		rec, err = recorder.Open(path)
		if err != nil {
			log.Fatalf("failed to open pose log: %v", err)
		}
		defer rec.Close()
		if err := rec.StartSession(ctx, recorder.SessionInfo{
			ID:        session.ID(),
			Strategy:  string(strategy.Name()),
			Started:   time.Now(),
			Reference: cfg.GetInitialPose().Planar(),
			Notes:     *configPath,
		}); err != nil {
			log.Fatalf("failed to record session: %v", err)
		}
	}

	// Fan out to every configured sink; the in-process table always exists.
	table := telemetry.NewTable(telemetry.TableName)
	publishers := telemetry.Multi{table}
	sinks, err := openSinks(ctx, cfg.GetTelemetry(), cfg.GetStatsInterval())
	if err != nil {
		log.Fatalf("failed to open telemetry sink: %v", err)
	}
	publishers = append(publishers, sinks...)

	// runner is assigned below; the monitor only reads it once serving.
	var runner *pipeline.Runner
	var web *monitor.WebServer
	if addr := firstNonEmpty(*monitorAddr, cfg.GetMonitorAddr()); addr != "off" {
		wcfg := monitor.WebServerConfig{
			Address: addr,
			Stats:   statsFunc(func() pipeline.StatsSnapshot { return runner.Stats() }),
		}
		if rec != nil {
			wcfg.Log = rec
			wcfg.Mount = func(mux *http.ServeMux) error { return rec.AttachAdminRoutes(mux) }
		}
		web, err = monitor.NewWebServer(wcfg)
		if err != nil {
			log.Fatalf("failed to create monitor: %v", err)
		}
		publishers = append(publishers, web)
	}

	opts := pipeline.Options{
		Camera:        src.cam,
		Detector:      detector,
		Resolver:      resolver,
		Strategy:      strategy,
		Session:       session,
		Publisher:     publishers,
		Converter:     conv,
		StatsInterval: cfg.GetStatsInterval(),
		FPSWindow:     cfg.GetFPSWindow(),
	}
	if rec != nil {
		opts.Recorder = rec
	}
	runner, err = pipeline.New(opts)
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}

	if web != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("monitor server error: %v", err)
			}
			log.Print("monitor routine terminated")
		}()
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("pipeline stopped: %v", err)
	}
	s := runner.Stats()
	log.Printf("session %s finished: %d frames, %d skipped, %d relocalizations",
		session.ID(), s.Frames, s.Skipped, s.Relocalizations)

	stop()
	if err := runner.Close(); err != nil {
		log.Printf("failed to close pipeline: %v", err)
	}
	if err := publishers.Close(); err != nil {
		log.Printf("failed to close telemetry sinks: %v", err)
	}
	wg.Wait()
	log.Print("graceful shutdown complete")
}

func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type statsFunc func() pipeline.StatsSnapshot

func (f statsFunc) Stats() pipeline.StatsSnapshot { return f() }
