// Package monitor is the localizer's HTTP debug surface: the latest frame,
// loop statistics, a trajectory chart and a live websocket feed. It plugs
// into the pipeline as one more telemetry.Publisher.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/tagpose/internal/httputil"
	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/pipeline"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/recorder"
	"github.com/banshee-data/tagpose/internal/telemetry"
	"github.com/banshee-data/tagpose/internal/version"
)

// DefaultTrailLength is how many planar poses the trajectory chart keeps.
const DefaultTrailLength = 2000

// StatsSource reports the loop counters.
type StatsSource interface {
	Stats() pipeline.StatsSnapshot
}

// PoseLog is the recorded history behind /api/poses.
type PoseLog interface {
	RecentPoses(ctx context.Context, limit int) ([]recorder.PoseRow, error)
	SessionPoses(ctx context.Context, sessionID string) ([]recorder.PoseRow, error)
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address     string
	Stats       StatsSource
	Log         PoseLog
	TrailLength int
	// Mount, when set, may add extra routes (the recorder's admin pages).
	Mount func(*http.ServeMux) error
}

// trailPoint is one published pose pair, world axes.
type trailPoint struct {
	FrameID  uint64
	Estimate pose.Planar
	Valid    bool
	Odometry pose.Planar
	VOValid  bool
}

// WebServer serves the debug endpoints and implements telemetry.Publisher.
type WebServer struct {
	address string
	server  *http.Server
	stats   StatsSource
	log     PoseLog
	hub     *hub

	mu     sync.RWMutex
	latest *telemetry.Frame
	trail  []trailPoint
	maxLen int
}

// NewWebServer creates a web server with the provided configuration.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	if config.TrailLength <= 0 {
		config.TrailLength = DefaultTrailLength
	}
	ws := &WebServer{
		address: config.Address,
		stats:   config.Stats,
		log:     config.Log,
		hub:     newHub(),
		maxLen:  config.TrailLength,
	}
	mux := ws.setupRoutes()
	if config.Mount != nil {
		if err := config.Mount(mux); err != nil {
			return nil, err
		}
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the routed handler, for tests and embedding.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[Monitor] starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	monitoring.Logf("[Monitor] shutting down HTTP server...")
	ws.hub.close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[Monitor] HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[Monitor] HTTP server force close error: %v", err)
		}
	}
	return nil
}

// Publish implements telemetry.Publisher.
func (ws *WebServer) Publish(_ context.Context, f *telemetry.Frame) error {
	ws.mu.Lock()
	ws.latest = f
	ws.trail = append(ws.trail, trailPoint{
		FrameID:  f.FrameID,
		Estimate: f.Estimate.Pose.Planar(),
		Valid:    f.Estimate.Valid,
		Odometry: f.Odometry.Pose.Planar(),
		VOValid:  f.Odometry.Valid,
	})
	if over := len(ws.trail) - ws.maxLen; over > 0 {
		ws.trail = append(ws.trail[:0], ws.trail[over:]...)
	}
	ws.mu.Unlock()

	if ws.hub.count() == 0 {
		return nil
	}
	msg, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ws.hub.broadcast(msg)
	return nil
}

// Close implements telemetry.Publisher. It disconnects viewers; the HTTP
// server stops with Start's context.
func (ws *WebServer) Close() error {
	ws.hub.close()
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/version", ws.handleVersion)
	mux.HandleFunc("/api/latest", ws.handleLatest)
	mux.HandleFunc("/api/stats", ws.handleStats)
	mux.HandleFunc("/api/poses", ws.handlePoses)
	mux.HandleFunc("/debug/trajectory", ws.handleTrajectory)
	mux.HandleFunc("/ws/telemetry", ws.hub.serve)
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]any{"status": "ok", "viewers": ws.hub.count()})
}

func (ws *WebServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

func (ws *WebServer) handleLatest(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	ws.mu.RLock()
	f := ws.latest
	ws.mu.RUnlock()
	if f == nil {
		httputil.NotFound(w, "no frame published yet")
		return
	}
	httputil.WriteJSONOK(w, f)
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.stats == nil {
		httputil.NotFound(w, "no pipeline attached")
		return
	}
	httputil.WriteJSONOK(w, ws.stats.Stats())
}

// handlePoses returns logged poses.
// Query params:
//
//	session (optional) every frame of one session
//	limit (optional, default 100, max 5000) most recent frames otherwise
func (ws *WebServer) handlePoses(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.log == nil {
		httputil.NotFound(w, "pose log disabled")
		return
	}
	var (
		rows []recorder.PoseRow
		err  error
	)
	if session := r.URL.Query().Get("session"); session != "" {
		rows, err = ws.log.SessionPoses(r.Context(), session)
	} else {
		limit, qerr := httputil.QueryInt(r, "limit", 100, 1, 5000)
		if qerr != nil {
			httputil.BadRequest(w, qerr.Error())
			return
		}
		rows, err = ws.log.RecentPoses(r.Context(), limit)
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if rows == nil {
		rows = []recorder.PoseRow{}
	}
	httputil.WriteJSONOK(w, rows)
}

func (ws *WebServer) snapshotTrail() []trailPoint {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	out := make([]trailPoint, len(ws.trail))
	copy(out, ws.trail)
	return out
}
