package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/tagpose/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleTrajectory renders the recent planar trajectory, marker fixes and
// odometry side by side, as an HTML scatter chart.
func (ws *WebServer) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	trail := ws.snapshotTrail()
	if len(trail) == 0 {
		httputil.NotFound(w, "no poses published yet")
		return
	}

	var est, vo []opts.ScatterData
	maxAbs := 0.0
	add := func(dst *[]opts.ScatterData, x, y float64, frame uint64) {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
		*dst = append(*dst, opts.ScatterData{Value: []interface{}{x, y, frame}})
	}
	for _, p := range trail {
		if p.Valid {
			add(&est, p.Estimate.X, p.Estimate.Y, p.FrameID)
		}
		if p.VOValid {
			add(&vo, p.Odometry.X, p.Odometry.Y, p.FrameID)
		}
	}
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Robot trajectory", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Robot trajectory", Subtitle: fmt.Sprintf("frames=%d fixes=%d odometry=%d", len(trail), len(est), len(vo))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("estimate", est, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	scatter.AddSeries("odometry", vo, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
