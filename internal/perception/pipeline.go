package perception

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/raster"
)

// GradientFrame selects the rotation applied to cell offsets in the
// gradient pass.
type GradientFrame string

const (
	// GradientFrameLegacy rotates by (pi + yaw).
	GradientFrameLegacy GradientFrame = "legacy"
	// GradientFrameHeading rotates by yaw only.
	GradientFrameHeading GradientFrame = "heading"
)

// gradientGain is the largest intensity the goal field adds to a cell.
const gradientGain = 63.0

// Config sizes the observation and fixes the metres-to-cells scale.
type Config struct {
	Width         int
	Height        int
	CellsPerMeter float64
	GradientFrame GradientFrame
}

// DefaultConfig matches the 84x84, 10 cells/m layout used in training.
func DefaultConfig() Config {
	return Config{
		Width:         84,
		Height:        84,
		CellsPerMeter: 10,
		GradientFrame: GradientFrameLegacy,
	}
}

// Validate rejects layouts the passes cannot render.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("observation size must be positive, got %dx%d", c.Width, c.Height)
	}
	if c.CellsPerMeter <= 0 {
		return fmt.Errorf("cells_per_meter must be positive, got %f", c.CellsPerMeter)
	}
	switch c.GradientFrame {
	case GradientFrameLegacy, GradientFrameHeading:
	default:
		return fmt.Errorf("unknown gradient frame %q", c.GradientFrame)
	}
	return nil
}

// Result is everything downstream needs from one processed frame.
type Result struct {
	Observation  *raster.Buffer
	Pose         geometry.Pose
	Collided     bool
	MinFrontDist float64
	Seq          uint64
}

// Pipeline renders frames into a reusable buffer. It is not safe for
// concurrent use; the bridge runs exactly one consumer.
type Pipeline struct {
	cfg   Config
	buf   *raster.Buffer
	field *mat.Dense
	seq   uint64
}

// NewPipeline allocates the buffer and distance field for cfg.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:   cfg,
		buf:   raster.New(cfg.Width, cfg.Height),
		field: mat.NewDense(cfg.Width, cfg.Height, nil),
	}, nil
}

// Config returns the pipeline's configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// ProcessFrame rewrites the observation from frame and returns an
// independent copy of it together with the frame's robot state.
func (p *Pipeline) ProcessFrame(frame SensorFrame, goal geometry.Point) Result {
	p.seq++
	p.buf.Fill(raster.Background)
	obstacles := p.occupancyPass(frame)
	p.gradientPass(frame.Pose, goal)

	monitoring.Tracef("frame %d: %d ranges, %d obstacle bins, pose=(%.2f, %.2f, %.2f) collision=%t",
		p.seq, len(frame.Ranges), obstacles, frame.Pose.X, frame.Pose.Y, frame.Pose.Yaw, frame.Collision)

	return Result{
		Observation:  p.buf.Clone(),
		Pose:         frame.Pose,
		Collided:     frame.Collision,
		MinFrontDist: frame.MinFrontDist,
		Seq:          p.seq,
	}
}

// occupancyPass draws free space and obstacle returns and reports how many
// bins produced an obstacle.
func (p *Pipeline) occupancyPass(frame SensorFrame) int {
	scale := p.cfg.CellsPerMeter
	cx, cy := p.buf.Center()
	steps := int(frame.RangeMax * scale)
	obstacles := 0

	for i, r := range frame.BinnedRanges() {
		bearing := float64(i) * math.Pi / 180
		c, s := math.Cos(bearing), math.Sin(bearing)
		reach := r * scale

		for j := 0; j < steps && float64(j) <= reach; j++ {
			p.buf.Set(cx+int(float64(j)*c), cy+int(float64(j)*s), raster.FreeSpace)
		}

		if r < frame.RangeMax {
			obstacles++
			ox, oy := geometry.PolarToCell(r, bearing, scale, cx, cy)
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					p.buf.Set(ox+dx, oy+dy, raster.Obstacle)
				}
			}
		}
	}
	return obstacles
}

// gradientPass adds the normalised goal-distance field onto the buffer.
func (p *Pipeline) gradientPass(pose geometry.Pose, goal geometry.Point) {
	w, h := p.cfg.Width, p.cfg.Height
	scale := p.cfg.CellsPerMeter

	theta := pose.Yaw
	if p.cfg.GradientFrame == GradientFrameLegacy {
		theta += math.Pi
	}

	for i := 0; i < w; i++ {
		for j := 0; j < h; j++ {
			rx, ry := geometry.Rotate(float64(i-w/2), float64(j-h/2), theta)
			world := geometry.Point{
				X: pose.X + float64(int(rx))/scale,
				Y: pose.Y + float64(int(ry))/scale,
			}
			p.field.Set(i, j, geometry.Distance(world, goal))
		}
	}

	data := p.field.RawMatrix().Data
	floats.AddConst(-floats.Min(data), data)
	// A flat field (every cell equidistant from the goal) stays at zero
	// instead of dividing by zero.
	if peak := floats.Max(data); peak > 0 {
		floats.Scale(1/peak, data)
	}

	for i := 0; i < w; i++ {
		for j := 0; j < h; j++ {
			p.buf.Add(i, j, gradientGain*(1-p.field.At(i, j)))
		}
	}
}
