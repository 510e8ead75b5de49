// Package perception turns one sensor sweep into the local-map observation.
//
// Each frame is rendered in two passes onto a mid-gray background:
//
//   - Occupancy: 360 one-degree bins walked outward from the buffer centre.
//     Cells up to the reported range are free space; the return itself is
//     stamped as a 3x3 obstacle patch so thin returns survive downsampling
//     in the policy network. Bins at max range leave no obstacle.
//   - Gradient: a distance-to-goal field, min-max normalised over the buffer
//     and added on top of the occupancy layer (brighter = closer to goal).
//
// The two passes do not share a frame. Occupancy is drawn in the sensor
// frame with no rotation, while the gradient rotates each cell offset by
// (pi + yaw) before projecting into the world. Policies trained against this
// field depend on that exact layout, so it stays the default;
// GradientFrameHeading selects a consistent heading-aligned field instead.
package perception
