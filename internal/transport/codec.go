// Package transport holds the JSON wire format shared by the simulator
// links: inbound sensor frames and outbound commands, rewards, goals and
// world resets.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/perception"
)

// Outbound message types.
const (
	TypeCommand        = "cmd_vel"
	TypeReward         = "reward"
	TypeGoal           = "goal"
	TypeResetPositions = "reset_positions"
)

// frontHalfAngle bounds the sector used to derive min_front_dist when a
// frame does not carry it.
const frontHalfAngle = 30

var (
	ErrEmptyRanges = errors.New("frame has no ranges")
	ErrBadRangeMax = errors.New("frame range_max must be positive")
	ErrMissingPose = errors.New("frame has no pose")
	ErrUnknownType = errors.New("unknown message type")
)

type wireQuaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

type wirePose struct {
	X           float64         `json:"x"`
	Y           float64         `json:"y"`
	Yaw         *float64        `json:"yaw,omitempty"`
	Orientation *wireQuaternion `json:"orientation,omitempty"`
}

type wireFrame struct {
	Ranges         []float64 `json:"ranges"`
	AngleMin       float64   `json:"angle_min"`
	AngleIncrement float64   `json:"angle_increment"`
	RangeMax       float64   `json:"range_max"`
	Pose           *wirePose `json:"pose"`
	Collision      bool      `json:"collision"`
	MinFrontDist   *float64  `json:"min_front_dist,omitempty"`
}

// DecodeFrame parses one JSON sensor frame. Yaw is taken from pose.yaw, or
// derived from pose.orientation when yaw is absent.
func DecodeFrame(data []byte) (perception.SensorFrame, error) {
	var wf wireFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return perception.SensorFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(wf.Ranges) == 0 {
		return perception.SensorFrame{}, ErrEmptyRanges
	}
	if !(wf.RangeMax > 0) {
		return perception.SensorFrame{}, ErrBadRangeMax
	}
	if wf.Pose == nil {
		return perception.SensorFrame{}, ErrMissingPose
	}

	pose := geometry.Pose{X: wf.Pose.X, Y: wf.Pose.Y}
	switch {
	case wf.Pose.Yaw != nil:
		pose.Yaw = *wf.Pose.Yaw
	case wf.Pose.Orientation != nil:
		q := wf.Pose.Orientation
		pose.Yaw = geometry.YawFromQuaternion(q.X, q.Y, q.Z, q.W)
	}

	frame := perception.SensorFrame{
		Ranges:         wf.Ranges,
		AngleMin:       wf.AngleMin,
		AngleIncrement: wf.AngleIncrement,
		RangeMax:       wf.RangeMax,
		Pose:           pose,
		Collision:      wf.Collision,
	}
	if wf.MinFrontDist != nil {
		frame.MinFrontDist = *wf.MinFrontDist
	} else {
		frame.MinFrontDist = frontMinimum(frame)
	}
	return frame, nil
}

// EncodeFrame is the inverse of DecodeFrame; the simulator-side tooling
// and tests use it.
func EncodeFrame(f perception.SensorFrame) ([]byte, error) {
	yaw := f.Pose.Yaw
	mfd := f.MinFrontDist
	return json.Marshal(wireFrame{
		Ranges:         f.Ranges,
		AngleMin:       f.AngleMin,
		AngleIncrement: f.AngleIncrement,
		RangeMax:       f.RangeMax,
		Pose:           &wirePose{X: f.Pose.X, Y: f.Pose.Y, Yaw: &yaw},
		Collision:      f.Collision,
		MinFrontDist:   &mfd,
	})
}

func frontMinimum(f perception.SensorFrame) float64 {
	bins := f.BinnedRanges()
	m := math.Inf(1)
	for d := -frontHalfAngle; d <= frontHalfAngle; d++ {
		m = math.Min(m, bins[(d+perception.Bins)%perception.Bins])
	}
	return m
}

// Message is an outbound message. Only the fields relevant to Type are set.
type Message struct {
	Type    string   `json:"type"`
	Turn    *float64 `json:"turn,omitempty"`
	Forward *float64 `json:"forward,omitempty"`
	Value   *float64 `json:"value,omitempty"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
}

func CommandMessage(c command.Command) Message {
	return Message{Type: TypeCommand, Turn: &c.Turn, Forward: &c.Forward}
}

func RewardMessage(v float64) Message {
	return Message{Type: TypeReward, Value: &v}
}

func GoalMessage(p geometry.Point) Message {
	return Message{Type: TypeGoal, X: &p.X, Y: &p.Y}
}

func ResetMessage() Message {
	return Message{Type: TypeResetPositions}
}

// Encode marshals m.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses an outbound message and checks that the fields its
// type needs are present.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	var ok bool
	switch m.Type {
	case TypeCommand:
		ok = m.Turn != nil && m.Forward != nil
	case TypeReward:
		ok = m.Value != nil
	case TypeGoal:
		ok = m.X != nil && m.Y != nil
	case TypeResetPositions:
		ok = true
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	if !ok {
		return Message{}, fmt.Errorf("decode message: %s is missing fields", m.Type)
	}
	return m, nil
}
