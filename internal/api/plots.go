package api

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/stagebridge/internal/store"
)

// RewardPlotWindow is the moving-average window drawn over the per-episode
// reward line.
const RewardPlotWindow = 20

const (
	rewardPlotWidth  = 14 * vg.Inch
	rewardPlotHeight = 6 * vg.Inch
)

// NewRewardPlot plots total reward per finished episode with a trailing
// moving average. episodes are in the order they ended.
func NewRewardPlot(episodes []store.EpisodeSummary) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Episode reward (%d episodes)", len(episodes))
	p.X.Label.Text = "Episode"
	p.Y.Label.Text = "Total reward"
	p.Add(plotter.NewGrid())

	if len(episodes) == 0 {
		return p, nil
	}

	totals := make([]float64, len(episodes))
	for i, e := range episodes {
		totals[i] = e.TotalReward
	}

	pts := make(plotter.XYs, len(totals))
	for i, v := range totals {
		pts[i] = plotter.XY{X: float64(i), Y: v}
	}
	raw, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("reward line: %w", err)
	}
	raw.Color = color.RGBA{R: 120, G: 120, B: 200, A: 255}
	raw.Width = vg.Points(1)
	p.Add(raw)
	p.Legend.Add("total", raw)

	avg, err := plotter.NewLine(movingMean(totals, RewardPlotWindow))
	if err != nil {
		return nil, fmt.Errorf("average line: %w", err)
	}
	avg.Color = color.RGBA{R: 220, G: 60, B: 40, A: 255}
	avg.Width = vg.Points(2)
	p.Add(avg)
	p.Legend.Add(fmt.Sprintf("mean/%d", RewardPlotWindow), avg)
	p.Legend.Top = true

	return p, nil
}

func movingMean(vals []float64, window int) plotter.XYs {
	pts := make(plotter.XYs, len(vals))
	for i := range vals {
		lo := max(0, i-window+1)
		pts[i] = plotter.XY{X: float64(i), Y: stat.Mean(vals[lo:i+1], nil)}
	}
	return pts
}

// WriteRewardPlot renders the reward plot as PNG to w.
func WriteRewardPlot(w io.Writer, episodes []store.EpisodeSummary) error {
	p, err := NewRewardPlot(episodes)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(rewardPlotWidth, rewardPlotHeight, "png")
	if err != nil {
		return fmt.Errorf("render reward plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveRewardPlot writes the reward plot to path; the format follows the
// file extension.
func SaveRewardPlot(path string, episodes []store.EpisodeSummary) error {
	p, err := NewRewardPlot(episodes)
	if err != nil {
		return err
	}
	return p.Save(rewardPlotWidth, rewardPlotHeight, path)
}
