// Package geometry holds the pure 2D helpers shared by the perception
// pipeline and the episode state machine. Nothing here keeps state.
//
// Conventions: world frame is the simulator's map frame, angles are radians
// unless the function name says Deg, and raster cells are addressed (x, y)
// with the origin at the top-left of the buffer.
package geometry

import "math"

// Point is a position in the world frame (metres).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Pose is a robot position plus heading (yaw, radians) in the world frame.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// Position drops the heading.
func (p Pose) Position() Point {
	return Point{X: p.X, Y: p.Y}
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// NormalizeAngleDeg folds any angle in degrees into (-180, 180].
func NormalizeAngleDeg(x float64) float64 {
	x = math.Mod(x+180, 360)
	if x < 0 {
		x += 360
	}
	x -= 180
	// math.Mod maps odd multiples of 180 onto -180; keep the interval
	// half-open on the negative side.
	if x <= -180 {
		x += 360
	}
	return x
}

// PolarToCell converts a range/bearing sample (metres, radians, sensor frame)
// into integer raster coordinates around (originX, originY). scale is cells
// per metre. Offsets truncate toward zero, matching int() conversion.
func PolarToCell(r, bearingRad, scale float64, originX, originY int) (int, int) {
	return originX + int(r*scale*math.Cos(bearingRad)),
		originY + int(r*scale*math.Sin(bearingRad))
}

// Rotate applies a counter-clockwise rotation by theta to (dx, dy).
func Rotate(dx, dy, theta float64) (float64, float64) {
	c, s := math.Cos(theta), math.Sin(theta)
	return dx*c - dy*s, dx*s + dy*c
}

// YawFromQuaternion extracts the rotation about Z from an orientation
// quaternion (x, y, z, w) using the ZYX Euler convention.
func YawFromQuaternion(x, y, z, w float64) float64 {
	sinyCosp := 2 * (w*z + x*y)
	cosyCosp := 1 - 2*(y*y+z*z)
	return math.Atan2(sinyCosp, cosyCosp)
}

// BearingToGoalDeg is the robot heading minus the world-frame direction to
// the goal, folded into (-180, 180]. Zero means the robot faces the goal.
func BearingToGoalDeg(pose Pose, goal Point) float64 {
	robotDeg := pose.Yaw * 180 / math.Pi
	towardDeg := math.Atan2(goal.Y-pose.Y, goal.X-pose.X) * 180 / math.Pi
	return NormalizeAngleDeg(robotDeg - towardDeg)
}
