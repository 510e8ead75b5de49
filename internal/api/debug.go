package api

import (
	"bytes"
	"fmt"
	"image/png"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/stagebridge/internal/bridge"
)

// AttachDebugRoutes registers observation and reward views under /debug/.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("observation", "Latest observation as a heatmap", s.handleObservationChart)
	debug.HandleSilentFunc("observation.png", s.handleObservationPNG)
	if s.log != nil {
		debug.HandleFunc("rewards.png", "Reward per finished episode", s.handleRewardPlot)
	}
}

func (s *Server) latestObservation(w http.ResponseWriter) (bridge.Snapshot, bool) {
	snap, ok := s.env.Latest()
	if !ok || snap.Observation == nil {
		s.writeJSONError(w, http.StatusNotFound, "no observation published yet")
		return bridge.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handleObservationChart(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.latestObservation(w)
	if !ok {
		return
	}
	obs := snap.Observation

	xs := make([]string, obs.Width)
	for i := range xs {
		xs[i] = strconv.Itoa(i)
	}
	ys := make([]string, obs.Height)
	for i := range ys {
		ys[i] = strconv.Itoa(i)
	}

	// Row 0 is the top of the image; flip so it draws at the top of the chart.
	data := make([]opts.HeatMapData, 0, obs.Width*obs.Height)
	for y := 0; y < obs.Height; y++ {
		for x := 0; x < obs.Width; x++ {
			data = append(data, opts.HeatMapData{Value: [3]any{x, obs.Height - 1 - y, int(obs.At(x, y))}})
		}
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Observation", Theme: "dark", Width: "720px", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Observation",
			Subtitle: fmt.Sprintf("frame=%d pose=(%.2f, %.2f) front=%.2fm at %s", snap.Result.Seq, snap.Result.Pose.X, snap.Result.Pose.Y, snap.Result.MinFrontDist, snap.ReceivedAt.Format("15:04:05.000")),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Data: xs}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Data: ys}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        255,
			InRange:    &opts.VisualMapInRange{Color: []string{"#000000", "#ffffff"}},
		}),
	)
	hm.AddSeries("observation", data)

	var buf bytes.Buffer
	if err := hm.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleObservationPNG(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.latestObservation(w)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, snap.Observation.Image()); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode png: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRewardPlot(w http.ResponseWriter, r *http.Request) {
	limit := 1000
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100000 {
			limit = v
		}
	}
	episodes, err := s.log.FinishedEpisodes(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read episodes: %v", err))
		return
	}
	var buf bytes.Buffer
	if err := WriteRewardPlot(&buf, episodes); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
