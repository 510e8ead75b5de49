// Package testutil provides shared test fixtures for sensor frames and
// small assertion helpers.
package testutil

import (
	"math"
	"testing"

	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/perception"
)

// DefaultRangeMax is the sensor range used by the fixtures (metres).
const DefaultRangeMax = 4.0

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

// OpenFrame returns a 360-sample sweep with every return at max range.
func OpenFrame(pose geometry.Pose) perception.SensorFrame {
	return UniformFrame(DefaultRangeMax, pose)
}

// UniformFrame returns a 360-sample sweep with every return at r metres.
func UniformFrame(r float64, pose geometry.Pose) perception.SensorFrame {
	ranges := make([]float64, perception.Bins)
	for i := range ranges {
		ranges[i] = r
	}
	return perception.SensorFrame{
		Ranges:         ranges,
		AngleMin:       0,
		AngleIncrement: math.Pi / 180,
		RangeMax:       DefaultRangeMax,
		Pose:           pose,
		MinFrontDist:   r,
	}
}

// CollisionFrame is an open sweep with the collision flag set.
func CollisionFrame(pose geometry.Pose) perception.SensorFrame {
	f := OpenFrame(pose)
	f.Collision = true
	f.MinFrontDist = 0
	return f
}

// WithRange returns a copy of f with the sample at index i replaced.
func WithRange(f perception.SensorFrame, i int, r float64) perception.SensorFrame {
	ranges := make([]float64, len(f.Ranges))
	copy(ranges, f.Ranges)
	ranges[i] = r
	f.Ranges = ranges
	return f
}
