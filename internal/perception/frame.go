package perception

import (
	"math"
	"time"

	"github.com/banshee-data/stagebridge/internal/geometry"
)

// Bins is the fixed angular resolution of the occupancy pass (one per degree).
const Bins = 360

// SensorFrame is one complete range sweep plus the robot state sampled with
// it. Frames are never mutated after delivery.
type SensorFrame struct {
	// Ranges are the returns in metres, ordered by bearing.
	Ranges []float64
	// AngleMin is the bearing of Ranges[0] in radians.
	AngleMin float64
	// AngleIncrement is the bearing step between samples in radians.
	// Zero spreads the samples evenly over a full turn.
	AngleIncrement float64
	// RangeMax is the sensor's maximum range in metres. A return at this
	// range means open space.
	RangeMax float64

	Pose         geometry.Pose
	Collision    bool
	MinFrontDist float64

	ReceivedAt time.Time
}

// BinnedRanges resamples the sweep to Bins one-degree bins by nearest
// bearing. Missing or non-finite returns are treated as max range.
func (f SensorFrame) BinnedRanges() []float64 {
	out := make([]float64, Bins)
	n := len(f.Ranges)
	if n == 0 {
		for i := range out {
			out[i] = f.RangeMax
		}
		return out
	}

	inc := f.AngleIncrement
	if inc == 0 {
		inc = 2 * math.Pi / float64(n)
	}

	for i := range out {
		bearing := float64(i) * math.Pi / 180
		k := int(math.Round((bearing - f.AngleMin) / inc))
		k %= n
		if k < 0 {
			k += n
		}
		out[i] = f.clamp(f.Ranges[k])
	}
	return out
}

func (f SensorFrame) clamp(r float64) float64 {
	if math.IsNaN(r) || r > f.RangeMax {
		return f.RangeMax
	}
	if r < 0 {
		return 0
	}
	return r
}
