// Package recorder keeps a SQLite log of every published pose so runs can be
// inspected, plotted and compared after the fact.
package recorder

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tagpose/internal/monitoring"
	"github.com/banshee-data/tagpose/internal/pose"
	"github.com/banshee-data/tagpose/internal/telemetry"
)

// Recorder is the pose log. It implements pipeline.Recorder.
type Recorder struct {
	*sql.DB
	path       string
	migrations fs.FS

	mu       sync.Mutex
	sessions map[string]bool
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date.
func Open(path string) (*Recorder, error) {
	r, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := r.MigrateUp(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Recorder{
		DB:         db,
		path:       path,
		migrations: Migrations(),
		sessions:   make(map[string]bool),
	}, nil
}

// SessionInfo describes one localizer run.
type SessionInfo struct {
	ID        string      `json:"session_id"`
	Strategy  string      `json:"strategy"`
	Started   time.Time   `json:"started"`
	Reference pose.Planar `json:"reference"`
	Notes     string      `json:"notes,omitempty"`
}

// StartSession registers a run. RecordFrame registers unknown sessions
// itself; call this first to keep the configured reference and notes. A
// zero Started is taken as now.
func (r *Recorder) StartSession(ctx context.Context, s SessionInfo) error {
	if s.Started.IsZero() {
		s.Started = time.Now().UTC()
	}
	_, err := r.ExecContext(ctx, `
		INSERT INTO sessions (session_id, strategy, started_unix_ms, ref_x, ref_y, ref_heading, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			strategy = excluded.strategy,
			ref_x = excluded.ref_x,
			ref_y = excluded.ref_y,
			ref_heading = excluded.ref_heading,
			notes = excluded.notes`,
		s.ID, s.Strategy, s.Started.UnixMilli(),
		s.Reference.X, s.Reference.Y, s.Reference.Heading, s.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to start session %s: %w", s.ID, err)
	}
	r.mu.Lock()
	r.sessions[s.ID] = true
	r.mu.Unlock()
	return nil
}

// Sessions lists recorded runs, newest first.
func (r *Recorder) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT session_id, strategy, started_unix_ms,
			COALESCE(ref_x, 0), COALESCE(ref_y, 0), COALESCE(ref_heading, 0), COALESCE(notes, '')
		FROM sessions ORDER BY started_unix_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var s SessionInfo
		var started int64
		if err := rows.Scan(&s.ID, &s.Strategy, &started,
			&s.Reference.X, &s.Reference.Y, &s.Reference.Heading, &s.Notes); err != nil {
			return nil, err
		}
		s.Started = time.UnixMilli(started).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Recorder) ensureSession(ctx context.Context, tx *sql.Tx, f *telemetry.Frame) error {
	r.mu.Lock()
	known := r.sessions[f.SessionID]
	r.mu.Unlock()
	if known {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (session_id, strategy, started_unix_ms)
		VALUES (?, ?, ?)`,
		f.SessionID, f.Estimate.Strategy, f.TimestampMs(),
	)
	return err
}

// RecordFrame stores the frame's estimates and every resolved marker.
func (r *Recorder) RecordFrame(ctx context.Context, f *telemetry.Frame) error {
	tx, err := r.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.ensureSession(ctx, tx, f); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	est := f.Estimate.Pose
	vo := f.Odometry.Planar()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pose_frames (
			session_id, frame_id, timestamp_ms, strategy, valid,
			x, y, z, roll, pitch, yaw,
			vo_valid, vo_x, vo_y, vo_heading,
			tag_count, primary_tag_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SessionID, f.FrameID, f.TimestampMs(), f.Estimate.Strategy, f.Estimate.Valid,
		est.X, est.Y, est.Z, est.Roll, est.Pitch, est.Yaw,
		f.Odometry.Valid, vo[0], vo[1], vo[2],
		len(f.Tags), f.Primary.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert pose frame %d: %w", f.FrameID, err)
	}

	if len(f.Tags) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tag_observations (session_id, frame_id, tag_id, x, y, z, roll, pitch, heading)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range f.Tags {
			if _, err := stmt.ExecContext(ctx, f.SessionID, f.FrameID, t.ID, t.X, t.Y, t.Z, t.Roll, t.Pitch, t.Heading); err != nil {
				return fmt.Errorf("failed to insert tag %d observation: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	r.mu.Lock()
	r.sessions[f.SessionID] = true
	r.mu.Unlock()
	return nil
}

// PoseRow is one logged frame. Invalid estimates keep the sentinel values
// they were published with.
type PoseRow struct {
	SessionID    string      `json:"session_id"`
	FrameID      uint64      `json:"frame_id"`
	Timestamp    time.Time   `json:"timestamp"`
	Strategy     string      `json:"strategy"`
	Valid        bool        `json:"valid"`
	Pose         pose.Pose   `json:"pose"`
	VOValid      bool        `json:"vo_valid"`
	VO           pose.Planar `json:"vo"`
	TagCount     int         `json:"tag_count"`
	PrimaryTagID int         `json:"primary_tag_id"`
}

const poseColumns = `session_id, frame_id, timestamp_ms, strategy, valid,
	x, y, z, roll, pitch, yaw, vo_valid, vo_x, vo_y, vo_heading, tag_count, primary_tag_id`

func scanPoses(rows *sql.Rows) ([]PoseRow, error) {
	defer rows.Close()
	var out []PoseRow
	for rows.Next() {
		var p PoseRow
		var ts int64
		if err := rows.Scan(&p.SessionID, &p.FrameID, &ts, &p.Strategy, &p.Valid,
			&p.Pose.X, &p.Pose.Y, &p.Pose.Z, &p.Pose.Roll, &p.Pose.Pitch, &p.Pose.Yaw,
			&p.VOValid, &p.VO.X, &p.VO.Y, &p.VO.Heading,
			&p.TagCount, &p.PrimaryTagID); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentPoses returns up to limit of the latest frames across sessions,
// newest first.
func (r *Recorder) RecentPoses(ctx context.Context, limit int) ([]PoseRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.QueryContext(ctx,
		`SELECT `+poseColumns+` FROM pose_frames ORDER BY timestamp_ms DESC, frame_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanPoses(rows)
}

// SessionPoses returns every frame of one session in frame order.
func (r *Recorder) SessionPoses(ctx context.Context, sessionID string) ([]PoseRow, error) {
	rows, err := r.QueryContext(ctx,
		`SELECT `+poseColumns+` FROM pose_frames WHERE session_id = ? ORDER BY frame_id`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanPoses(rows)
}

// TagSighting counts how often a marker was resolved in a session.
type TagSighting struct {
	TagID  int `json:"tag_id"`
	Frames int `json:"frames"`
	// MeanX is the average forward distance to the marker, metres.
	MeanX float64 `json:"mean_x"`
}

// TagSightings summarises the markers seen in a session, most seen first.
func (r *Recorder) TagSightings(ctx context.Context, sessionID string) ([]TagSighting, error) {
	rows, err := r.QueryContext(ctx, `
		SELECT tag_id, COUNT(*), AVG(x)
		FROM tag_observations WHERE session_id = ?
		GROUP BY tag_id ORDER BY COUNT(*) DESC, tag_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TagSighting
	for rows.Next() {
		var s TagSighting
		if err := rows.Scan(&s.TagID, &s.Frames, &s.MeanX); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the SQL console and a backup download under
// /debug/ on mux.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(r.path), r.DB, &tailsql.DBOptions{
		Label: "Pose log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the pose log now", http.HandlerFunc(r.serveBackup))
	return nil
}

func (r *Recorder) serveBackup(w http.ResponseWriter, req *http.Request) {
	dir, err := os.MkdirTemp("", "tagpose-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			monitoring.Logf("[Recorder] failed to remove backup dir: %v", err)
		}
	}()

	name := fmt.Sprintf("poselog-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := r.ExecContext(req.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backup, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backup.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backup); err != nil {
		monitoring.Logf("[Recorder] backup download interrupted: %v", err)
	}
}
