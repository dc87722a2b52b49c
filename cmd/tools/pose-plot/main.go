// Command pose-plot renders a recorded session's trajectory to a PNG: the
// marker-based estimate and visual odometry, top-down in world axes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/tagpose/internal/recorder"
)

var (
	dbFile    = flag.String("db", "tagpose.db", "Pose log database")
	sessionID = flag.String("session", "", "Session to plot (default: most recent)")
	outFile   = flag.String("out", "", "Output PNG (default: trajectory_<session>.png)")
	list      = flag.Bool("list", false, "List recorded sessions and exit")
)

var (
	estimateColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	odometryColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
)

func main() {
	flag.Parse()

	if _, err := os.Stat(*dbFile); err != nil {
		log.Fatalf("pose log %s: %v", *dbFile, err)
	}
	rec, err := recorder.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open pose log: %v", err)
	}
	defer rec.Close()

	ctx := context.Background()
	sessions, err := rec.Sessions(ctx)
	if err != nil {
		log.Fatalf("failed to list sessions: %v", err)
	}
	if *list {
		for _, s := range sessions {
			fmt.Printf("%s  %s  %-16s %s\n", s.ID, s.Started.Format("2006-01-02 15:04:05"), s.Strategy, s.Notes)
		}
		return
	}

	id := *sessionID
	if id == "" {
		if len(sessions) == 0 {
			log.Fatal("no sessions recorded")
		}
		id = sessions[0].ID
	}
	rows, err := rec.SessionPoses(ctx, id)
	if err != nil {
		log.Fatalf("failed to read session %s: %v", id, err)
	}

	out := *outFile
	if out == "" {
		out = fmt.Sprintf("trajectory_%s.png", id)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create output dir: %v", err)
		}
	}
	if err := plotTrajectory(id, rows, out); err != nil {
		log.Fatalf("failed to plot: %v", err)
	}
	log.Printf("wrote %d frames of session %s to %s", len(rows), id, out)
}

// trajectoryPoints splits rows into the estimate and odometry tracks.
// Frames without a valid value are left out of that track.
func trajectoryPoints(rows []recorder.PoseRow) (est, vo plotter.XYs) {
	for _, r := range rows {
		if r.Valid {
			est = append(est, plotter.XY{X: r.Pose.X, Y: r.Pose.Y})
		}
		if r.VOValid {
			vo = append(vo, plotter.XY{X: r.VO.X, Y: r.VO.Y})
		}
	}
	return est, vo
}

func plotTrajectory(id string, rows []recorder.PoseRow, path string) error {
	est, vo := trajectoryPoints(rows)
	if len(est) == 0 && len(vo) == 0 {
		return errors.New("session has no valid poses")
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Session %s - %d frames", id, len(rows))
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.Add(plotter.NewGrid())

	if len(vo) > 0 {
		line, err := plotter.NewLine(vo)
		if err != nil {
			return err
		}
		line.Color = odometryColor
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add("visual odometry", line)
	}
	if len(est) > 0 {
		sc, err := plotter.NewScatter(est)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = estimateColor
		sc.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(sc)
		p.Legend.Add("marker estimate", sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}
