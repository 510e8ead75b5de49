package perception

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/raster"
)

const testRangeMax = 4.0

func sweep(r float64) SensorFrame {
	ranges := make([]float64, Bins)
	for i := range ranges {
		ranges[i] = r
	}
	return SensorFrame{
		Ranges:         ranges,
		AngleIncrement: math.Pi / 180,
		RangeMax:       testRangeMax,
	}
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := NewPipeline(DefaultConfig())
	require.NoError(t, err)
	return p
}

func TestOccupancyPass_OpenSweepMarksNoObstacles(t *testing.T) {
	p := newTestPipeline(t)
	p.buf.Fill(raster.Background)

	n := p.occupancyPass(sweep(testRangeMax))

	assert.Equal(t, 0, n)
	assert.Equal(t, 0, p.buf.Count(raster.Obstacle))
	assert.Greater(t, p.buf.Count(raster.FreeSpace), 0)
}

func TestProcessFrame_OpenSweepHasNoObstacleCells(t *testing.T) {
	p := newTestPipeline(t)
	res := p.ProcessFrame(sweep(testRangeMax), geometry.Point{X: 1})
	assert.Equal(t, 0, res.Observation.Count(raster.Obstacle))
}

func TestOccupancyPass_ObstaclePatchIsCentered(t *testing.T) {
	p := newTestPipeline(t)
	p.buf.Fill(raster.Background)

	// Bin 0 sees a wall 1 m ahead; every other bin sees something almost on
	// top of the sensor, which only touches the centre cells.
	f := sweep(0.05)
	f.Ranges[0] = 1.0
	p.occupancyPass(f)

	cx, cy := p.buf.Center()
	for dx := -1; dx <= 1; dx++ {
		for dy := -1; dy <= 1; dy++ {
			assert.Equal(t, raster.Obstacle, p.buf.At(cx+10+dx, cy+dy), "dx=%d dy=%d", dx, dy)
		}
	}
	assert.Equal(t, raster.FreeSpace, p.buf.At(cx+5, cy))
	assert.Equal(t, raster.Background, p.buf.At(cx+12, cy))
	assert.Equal(t, raster.Background, p.buf.At(cx-5, cy))
}

func TestOccupancyPass_OutOfBoundsIsDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 10, 10
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	p.buf.Fill(raster.Background)

	// 3.5 m at 10 cells/m lands far outside a 10x10 buffer.
	assert.NotPanics(t, func() { p.occupancyPass(sweep(3.5)) })
	assert.Equal(t, 0, p.buf.Count(raster.Obstacle))
}

func TestGradientPass_LegacyFrameIsFlipped(t *testing.T) {
	p := newTestPipeline(t)
	p.buf.Fill(0)

	p.gradientPass(geometry.Pose{}, geometry.Point{X: 1})

	cx, cy := p.buf.Center()
	// Rotating by pi puts the goal (1 m along +x) ten cells along -x.
	assert.Equal(t, uint8(63), p.buf.At(cx-10, cy))
	assert.Less(t, p.buf.At(cx+10, cy), uint8(60))
}

func TestGradientPass_HeadingFrame(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GradientFrame = GradientFrameHeading
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	p.buf.Fill(0)

	p.gradientPass(geometry.Pose{}, geometry.Point{X: 1})

	cx, cy := p.buf.Center()
	assert.Equal(t, uint8(63), p.buf.At(cx+10, cy))
	assert.Less(t, p.buf.At(cx-10, cy), uint8(60))
}

func TestGradientPass_FollowsHeading(t *testing.T) {
	for _, tc := range []struct {
		name  string
		frame GradientFrame
		dx    int
	}{
		{"legacy", GradientFrameLegacy, -10},
		{"heading", GradientFrameHeading, 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.GradientFrame = tc.frame
			p, err := NewPipeline(cfg)
			require.NoError(t, err)
			p.buf.Fill(0)

			// Facing +y with the goal 1 m straight ahead.
			p.gradientPass(geometry.Pose{Yaw: math.Pi / 2}, geometry.Point{Y: 1})

			cx, cy := p.buf.Center()
			assert.Equal(t, uint8(63), p.buf.At(cx+tc.dx, cy))
			assert.Less(t, p.buf.At(cx-tc.dx, cy), uint8(60))
		})
	}
}

func TestGradientPass_DegenerateFieldAddsFullGain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 1, 1
	p, err := NewPipeline(cfg)
	require.NoError(t, err)

	res := p.ProcessFrame(sweep(testRangeMax), geometry.Point{X: 3, Y: -2})

	// Single cell: min == max, no normalisation, so 1 - 0 adds the full 63
	// on top of free space and saturates.
	assert.Equal(t, uint8(255), res.Observation.At(0, 0))
}

func TestGradientPass_AddsOnTopOfOccupancy(t *testing.T) {
	p := newTestPipeline(t)
	res := p.ProcessFrame(sweep(testRangeMax), geometry.Point{X: 1})

	for _, v := range res.Observation.Pix {
		assert.GreaterOrEqual(t, v, raster.Background)
	}
}

func TestProcessFrame_PassesRobotState(t *testing.T) {
	p := newTestPipeline(t)
	f := sweep(2)
	f.Pose = geometry.Pose{X: 1, Y: 2, Yaw: 0.5}
	f.Collision = true
	f.MinFrontDist = 0.4

	first := p.ProcessFrame(f, geometry.Point{})
	second := p.ProcessFrame(f, geometry.Point{})

	assert.Equal(t, f.Pose, first.Pose)
	assert.True(t, first.Collided)
	assert.Equal(t, 0.4, first.MinFrontDist)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	// Results must not alias the pipeline's working buffer.
	second.Observation.Fill(1)
	assert.NotEqual(t, uint8(1), first.Observation.At(0, 0))
}

func TestBinnedRanges_Resample(t *testing.T) {
	// 720 samples at half-degree spacing: bin i takes sample 2i.
	ranges := make([]float64, 720)
	for i := range ranges {
		ranges[i] = float64(i) / 1000
	}
	f := SensorFrame{Ranges: ranges, AngleIncrement: math.Pi / 360, RangeMax: 10}
	bins := f.BinnedRanges()
	require.Len(t, bins, Bins)
	assert.InDelta(t, 0.0, bins[0], 1e-12)
	assert.InDelta(t, 0.2, bins[100], 1e-12)
}

func TestBinnedRanges_NegativeAngleMinWraps(t *testing.T) {
	// Sweep from -pi: bin 0 (bearing 0) is sample 180.
	ranges := make([]float64, Bins)
	ranges[180] = 1.25
	f := SensorFrame{Ranges: ranges, AngleMin: -math.Pi, AngleIncrement: math.Pi / 180, RangeMax: 4}
	for i := range f.Ranges {
		if i != 180 {
			f.Ranges[i] = 4
		}
	}
	bins := f.BinnedRanges()
	assert.InDelta(t, 1.25, bins[0], 1e-12)
	assert.InDelta(t, 4.0, bins[90], 1e-12)
}

func TestBinnedRanges_Sanitises(t *testing.T) {
	f := sweep(1)
	f.Ranges[0] = math.NaN()
	f.Ranges[1] = math.Inf(1)
	f.Ranges[2] = -3
	bins := f.BinnedRanges()
	assert.Equal(t, testRangeMax, bins[0])
	assert.Equal(t, testRangeMax, bins[1])
	assert.Equal(t, 0.0, bins[2])

	empty := SensorFrame{RangeMax: 2}
	for _, r := range empty.BinnedRanges() {
		assert.Equal(t, 2.0, r)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Width = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CellsPerMeter = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.GradientFrame = "sideways"
	assert.Error(t, bad.Validate())
}
