// Package command maps discrete policy actions onto velocity commands.
//
// The action space is a 7x4 grid: action mod 7 picks one of seven turn
// rates symmetric around zero, action / 7 picks one of four forward speeds.
package command

import (
	"errors"
	"fmt"

	"github.com/banshee-data/stagebridge/internal/monitoring"
)

const (
	// DefaultActionSize is the number of discrete actions (7 turns x 4 speeds).
	DefaultActionSize = 28
	// CenterAction is zero turn at zero speed; issued on reset to settle the robot.
	CenterAction = 3
	// RandomAction asks the bridge to draw a uniformly random action.
	RandomAction = -1

	turnLevels = 7
	speedStep  = 0.3
)

// ErrInvalidAction is returned for actions outside [0, actionSize).
var ErrInvalidAction = errors.New("invalid action")

// Command is one velocity command: turn rate (rad/s) and forward speed (m/s).
type Command struct {
	Turn    float64 `json:"turn"`
	Forward float64 `json:"forward"`
}

// ActionToCommand decodes action into a Command.
func ActionToCommand(action, actionSize int) (Command, error) {
	if action < 0 || action >= actionSize {
		return Command{}, fmt.Errorf("%w %d: must be in [0, %d)", ErrInvalidAction, action, actionSize)
	}
	return Command{
		Turn:    float64(action%turnLevels-3) / 3.0,
		Forward: speedStep * float64(action/turnLevels),
	}, nil
}

// Sink receives emitted commands (simulator transport, serial link, ...).
type Sink interface {
	PublishCommand(Command) error
}

// Dispatcher validates actions and forwards the resulting commands.
type Dispatcher struct {
	sink       Sink
	actionSize int
}

// NewDispatcher returns a Dispatcher emitting to sink. A non-positive
// actionSize selects DefaultActionSize.
func NewDispatcher(sink Sink, actionSize int) *Dispatcher {
	if actionSize <= 0 {
		actionSize = DefaultActionSize
	}
	return &Dispatcher{sink: sink, actionSize: actionSize}
}

// ActionSize returns the number of valid actions.
func (d *Dispatcher) ActionSize() int {
	return d.actionSize
}

// Dispatch emits the command for action. Invalid actions emit nothing and
// return ErrInvalidAction; sink failures are returned wrapped.
func (d *Dispatcher) Dispatch(action int) (Command, error) {
	cmd, err := ActionToCommand(action, d.actionSize)
	if err != nil {
		monitoring.Opsf("dispatch: %v", err)
		return Command{}, err
	}
	if d.sink == nil {
		return cmd, nil
	}
	if err := d.sink.PublishCommand(cmd); err != nil {
		return cmd, fmt.Errorf("publish command: %w", err)
	}
	monitoring.Tracef("dispatch: action=%d turn=%.3f forward=%.2f", action, cmd.Turn, cmd.Forward)
	return cmd, nil
}
