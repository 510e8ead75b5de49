// Package bridge hosts the environment the control loop talks to. It ties
// the sensor feed, perception, the episode machine and command dispatch
// together behind Reset and Step.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/gate"
	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/perception"
	"github.com/banshee-data/stagebridge/internal/raster"
	"github.com/banshee-data/stagebridge/internal/timeutil"
)

// Snapshot is what the frame consumer hands to the control side. The
// observation is never written after publication.
type Snapshot struct {
	Observation *raster.Buffer
	Result      perception.Result
	ReceivedAt  time.Time
}

// Info is the diagnostic payload returned with each step.
type Info struct {
	EpisodeID    string          `json:"episode_id"`
	Action       int             `json:"action"`
	Command      command.Command `json:"command"`
	Dispatched   bool            `json:"dispatched"`
	Wins         int             `json:"wins"`
	GoalReached  bool            `json:"goal_reached"`
	Distance     float64         `json:"distance"`
	BearingDeg   float64         `json:"bearing_deg"`
	MinFrontDist float64         `json:"min_front_dist"`
	Pose         geometry.Pose   `json:"pose"`
	Goal         geometry.Point  `json:"goal"`
	FrameSeq     uint64          `json:"frame_seq"`
	Training     bool            `json:"is_training"`
}

// StepResult is returned by Step.
type StepResult struct {
	Observation *raster.Buffer
	Reward      float64
	Terminal    bool
	Info        Info
}

// Options configure an Env.
type Options struct {
	Perception perception.Config
	Episode    episode.Config
	ActionSize int
	Gate       gate.Options
	RandomSeed uint64
}

// Deps are the outbound collaborators. Any of them may be nil.
type Deps struct {
	Commands command.Sink
	Events   episode.Publisher
	World    episode.WorldResetter
	Clock    timeutil.Clock
}

type stampedFrame struct {
	frame perception.SensorFrame
	epoch uint64
}

// Env is the synchronous environment facade. HandleFrame may be called from
// any goroutine; Run must be running for Reset and Step to make progress;
// Reset and Step are meant for a single control goroutine.
type Env struct {
	pipeline   *perception.Pipeline
	machine    *episode.Machine
	dispatcher *command.Dispatcher
	gate       *gate.Gate[Snapshot]
	clock      timeutil.Clock
	rng        *rand.Rand

	mu      sync.Mutex
	pending *stampedFrame
	signal  chan struct{}

	received   atomic.Uint64
	superseded atomic.Uint64
	processed  atomic.Uint64
	steps      atomic.Uint64
}

// NewEnv wires an environment from options and collaborators.
func NewEnv(opts Options, deps Deps) (*Env, error) {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if opts.ActionSize <= 0 {
		opts.ActionSize = command.DefaultActionSize
	}
	if opts.Gate.Clock == nil {
		opts.Gate.Clock = deps.Clock
	}

	pipeline, err := perception.NewPipeline(opts.Perception)
	if err != nil {
		return nil, fmt.Errorf("perception: %w", err)
	}
	machine, err := episode.NewMachine(opts.Episode, episode.Deps{
		Publisher: deps.Events,
		World:     deps.World,
		Rand:      rand.New(rand.NewPCG(opts.RandomSeed, opts.RandomSeed+1)),
		Clock:     deps.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("episode: %w", err)
	}

	return &Env{
		pipeline:   pipeline,
		machine:    machine,
		dispatcher: command.NewDispatcher(deps.Commands, opts.ActionSize),
		gate:       gate.New[Snapshot](opts.Gate),
		clock:      deps.Clock,
		rng:        rand.New(rand.NewPCG(opts.RandomSeed, opts.RandomSeed)),
		signal:     make(chan struct{}, 1),
	}, nil
}

// HandleFrame stores frame as the next frame to process, replacing any
// frame the consumer has not picked up yet.
func (e *Env) HandleFrame(frame perception.SensorFrame) {
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = e.clock.Now()
	}
	sf := &stampedFrame{frame: frame, epoch: e.gate.Epoch()}

	e.mu.Lock()
	if e.pending != nil {
		e.superseded.Add(1)
	}
	e.pending = sf
	e.mu.Unlock()
	e.received.Add(1)

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Run consumes frames until ctx is done. Exactly one Run may be active.
func (e *Env) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.signal:
		}

		e.mu.Lock()
		sf := e.pending
		e.pending = nil
		e.mu.Unlock()
		if sf == nil {
			continue
		}
		e.process(sf)
	}
}

func (e *Env) process(sf *stampedFrame) {
	res := e.pipeline.ProcessFrame(sf.frame, e.machine.Goal())
	e.processed.Add(1)
	e.machine.Observe(res)
	e.gate.Publish(sf.epoch, Snapshot{
		Observation: res.Observation,
		Result:      res,
		ReceivedAt:  sf.frame.ReceivedAt,
	})
}

// Reset starts a new episode: the robot is stopped, the world is reset, and
// the first observation rendered after that is returned.
func (e *Env) Reset(ctx context.Context) (*raster.Buffer, error) {
	if _, err := e.dispatcher.Dispatch(command.CenterAction); err != nil {
		monitoring.Opsf("reset: stop command: %v", err)
	}
	if err := e.machine.Reset(ctx); err != nil {
		monitoring.Opsf("reset: %v", err)
	}

	token := e.gate.Arm()
	p, err := e.gate.Wait(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("wait for observation: %w", err)
	}
	monitoring.Diagf("reset: episode %s ready (frame %d)", e.machine.Status().EpisodeID, p.Value.Result.Seq)
	return p.Value.Observation, nil
}

// Step applies action and returns the next observation, the reward and the
// terminal flag. Action command.RandomAction picks a uniformly random action.
//
// Once the episode is terminal, Step neither sends a command nor waits; it
// returns the last observation with the terminal reward until Reset.
func (e *Env) Step(ctx context.Context, action int, isTraining bool) (StepResult, error) {
	if action == command.RandomAction {
		action = e.rng.IntN(e.dispatcher.ActionSize())
	}
	e.steps.Add(1)

	info := Info{Action: action, Training: isTraining}
	var token uint64
	armed := false
	if !e.machine.Terminal() {
		cmd, err := e.dispatcher.Dispatch(action)
		switch {
		case errors.Is(err, command.ErrInvalidAction):
			// Logged by the dispatcher; the step still waits for a frame.
		case err != nil:
			monitoring.Opsf("step: %v", err)
		default:
			info.Command = cmd
			info.Dispatched = true
		}
		token = e.gate.Arm()
		armed = true
	}

	out := e.machine.Evaluate(ctx)

	var snap Snapshot
	if armed {
		p, err := e.gate.Wait(ctx, token)
		if err != nil {
			return StepResult{}, fmt.Errorf("wait for observation: %w", err)
		}
		snap = p.Value
	} else if p, ok := e.gate.Latest(); ok {
		snap = p.Value
	}

	info.EpisodeID = out.EpisodeID
	info.Wins = out.Wins
	info.GoalReached = out.GoalReached
	info.Distance = out.Distance
	info.Goal = out.Goal
	info.Pose = snap.Result.Pose
	info.MinFrontDist = snap.Result.MinFrontDist
	info.FrameSeq = snap.Result.Seq
	info.BearingDeg = geometry.BearingToGoalDeg(snap.Result.Pose, out.Goal)

	monitoring.Tracef("step: action=%d reward=%.3f terminal=%t wins=%d dist=%.3f",
		action, out.Reward, out.Terminal, out.Wins, out.Distance)

	return StepResult{
		Observation: snap.Observation,
		Reward:      out.Reward,
		Terminal:    out.Terminal,
		Info:        info,
	}, nil
}

// Latest returns the most recently published snapshot.
func (e *Env) Latest() (Snapshot, bool) {
	p, ok := e.gate.Latest()
	return p.Value, ok
}

// Status is a point-in-time view of the environment.
type Status struct {
	Episode         episode.Status `json:"episode"`
	Gate            string         `json:"gate"`
	GateSince       time.Time      `json:"gate_since"`
	FramesReceived  uint64         `json:"frames_received"`
	FramesDropped   uint64         `json:"frames_superseded"`
	FramesProcessed uint64         `json:"frames_processed"`
	Steps           uint64         `json:"steps"`
	ActionSize      int            `json:"action_size"`
}

// Status reports counters, gate state and episode state.
func (e *Env) Status() Status {
	state, since := e.gate.State()
	return Status{
		Episode:         e.machine.Status(),
		Gate:            state.String(),
		GateSince:       since,
		FramesReceived:  e.received.Load(),
		FramesDropped:   e.superseded.Load(),
		FramesProcessed: e.processed.Load(),
		Steps:           e.steps.Load(),
		ActionSize:      e.dispatcher.ActionSize(),
	}
}

// GateState returns the gate's current state.
func (e *Env) GateState() gate.State {
	s, _ := e.gate.State()
	return s
}
