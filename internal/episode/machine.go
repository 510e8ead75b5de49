// Package episode owns goal placement, reward shaping and termination.
//
// A Machine is driven from two sides: the frame consumer reports each
// processed frame through Observe, and the control loop calls Evaluate once
// per step and Reset at episode boundaries. Evaluate always works on the
// state of the last observed frame, so a collision is reported on the step
// after the one whose frame carried it.
//
// Reaching the goal is not an episode boundary, yet it still asks the
// simulator for a full world reset (robot back at the origin, goal redrawn).
// Downstream training relies on that coupling.
package episode

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/perception"
	"github.com/banshee-data/stagebridge/internal/timeutil"
)

// CheckpointReward is published on the reward channel when a goal is reached.
// Consumers treat it as a sentinel, not as a reward magnitude.
const CheckpointReward = 10101.963

// State is the episode's lifecycle state.
type State int

const (
	Running State = iota
	// TerminalPending: a collision was observed; the terminal reward has
	// not yet been reported to a step caller.
	TerminalPending
	// Terminal: the terminal reward has been reported; only Reset leaves.
	Terminal
	// Resetting: Reset is waiting on the simulator's world reset.
	Resetting
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case TerminalPending:
		return "terminal_pending"
	case Terminal:
		return "terminal"
	case Resetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// RewardKind labels a reward event.
type RewardKind string

const (
	RewardCheckpoint RewardKind = "checkpoint"
	RewardEpisode    RewardKind = "episode"
)

// GoalEvent is emitted whenever the goal changes.
type GoalEvent struct {
	EpisodeID string
	Goal      geometry.Point
	Radius    float64
	Span      float64
	At        time.Time
}

// RewardEvent is emitted on goal-reached (checkpoint sentinel) and on
// terminal steps (accumulated episode reward).
type RewardEvent struct {
	EpisodeID string
	Kind      RewardKind
	Value     float64
	Wins      int
	At        time.Time
}

// Publisher receives the machine's outbound signals.
type Publisher interface {
	PublishGoal(GoalEvent) error
	PublishReward(RewardEvent) error
}

// WorldResetter is the simulator's "reset positions" service.
type WorldResetter interface {
	ResetWorld(ctx context.Context) error
}

// Config holds the reward and curriculum constants.
type Config struct {
	// GoalThreshold is the robot-to-goal distance (metres) that counts as
	// reaching the goal.
	GoalThreshold float64
	// WinsPerStage is how many wins advance the curriculum one stage.
	WinsPerStage int
	// InitialRadius and InitialSpan seed the goal ring: goals are drawn at
	// radius r and angle uniform in [0, span).
	InitialRadius float64
	InitialSpan   float64
	// UseCumulatedReward returns the running episode total from Evaluate
	// instead of the per-step reward.
	UseCumulatedReward bool
}

// DefaultConfig returns the constants used in training.
func DefaultConfig() Config {
	return Config{
		GoalThreshold: 0.3,
		WinsPerStage:  99,
		InitialRadius: 1,
		InitialSpan:   0,
	}
}

const (
	radiusWrap = 20
	maxSpan    = math.Pi
)

// Deps are the machine's collaborators. Nil fields get no-op or default
// implementations.
type Deps struct {
	Publisher Publisher
	World     WorldResetter
	Rand      *rand.Rand
	Clock     timeutil.Clock
	NewID     func() string
}

// Outcome is the result of one Evaluate call.
type Outcome struct {
	// Reward is what the step returns: cumulative or instantaneous
	// depending on configuration.
	Reward float64
	// StepReward is the instantaneous reward (+1, -1 or 0).
	StepReward    float64
	EpisodeReward float64
	// Terminal is the pending-terminal flag reported to the caller.
	Terminal           bool
	GoalReached        bool
	CurriculumAdvanced bool
	Wins               int
	Distance           float64
	Goal               geometry.Point
	EpisodeID          string
}

// Status is a read-only view of the machine for APIs and logs.
type Status struct {
	EpisodeID     string         `json:"episode_id"`
	State         string         `json:"state"`
	Goal          geometry.Point `json:"goal"`
	Pose          geometry.Pose  `json:"pose"`
	MinFrontDist  float64        `json:"min_front_dist"`
	Wins          int            `json:"wins"`
	TotalWins     int            `json:"total_wins"`
	EpisodeReward float64        `json:"episode_reward"`
	Radius        float64        `json:"goal_radius"`
	Span          float64        `json:"goal_span"`
	Terminal      bool           `json:"terminal"`
	Episodes      int            `json:"episodes"`
}

// Machine is the episode state machine. It is safe for concurrent use by
// one frame consumer and one control goroutine.
type Machine struct {
	cfg  Config
	deps Deps

	mu            sync.Mutex
	state         State
	episodeID     string
	episodes      int
	goal          geometry.Point
	pose          geometry.Pose
	minFrontDist  float64
	wins          int
	totalWins     int
	episodeReward float64
	radius        float64
	span          float64
	terminal      bool
	sendTerminal  bool
}

// NewMachine returns a running machine with the goal at the origin. Call
// Reset to start the first real episode.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	if cfg.GoalThreshold <= 0 {
		return nil, fmt.Errorf("goal threshold must be positive, got %f", cfg.GoalThreshold)
	}
	if cfg.WinsPerStage <= 0 {
		return nil, fmt.Errorf("wins per stage must be positive, got %d", cfg.WinsPerStage)
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	return &Machine{
		cfg:       cfg,
		deps:      deps,
		state:     Running,
		episodeID: deps.NewID(),
		radius:    cfg.InitialRadius,
		span:      cfg.InitialSpan,
	}, nil
}

// Observe records the robot state from a processed frame. A collision
// latches the terminal flag until Reset.
func (m *Machine) Observe(res perception.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pose = res.Pose
	m.minFrontDist = res.MinFrontDist
	if res.Collided && !m.terminal {
		m.terminal = true
		if m.state == Running {
			m.state = TerminalPending
		}
		monitoring.Diagf("episode %s: collision at (%.2f, %.2f) after %d wins",
			m.episodeID, res.Pose.X, res.Pose.Y, m.wins)
	}
}

// Goal returns the active goal.
func (m *Machine) Goal() geometry.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.goal
}

// Terminal reports whether a collision has been latched this episode.
func (m *Machine) Terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		EpisodeID:     m.episodeID,
		State:         m.state.String(),
		Goal:          m.goal,
		Pose:          m.pose,
		MinFrontDist:  m.minFrontDist,
		Wins:          m.wins,
		TotalWins:     m.totalWins,
		EpisodeReward: m.episodeReward,
		Radius:        m.radius,
		Span:          m.span,
		Terminal:      m.sendTerminal,
		Episodes:      m.episodes,
	}
}

// Evaluate scores the last observed frame: goal-reached bookkeeping,
// curriculum, episode reward and terminal reporting. Outbound signals and
// the world reset run after the machine's lock is released.
func (m *Machine) Evaluate(ctx context.Context) Outcome {
	now := m.deps.Clock.Now()

	m.mu.Lock()
	dist := geometry.Distance(m.pose.Position(), m.goal)
	reward := 0.0
	var goalEv *GoalEvent
	var rewardEvs []RewardEvent
	resetWorld := false
	advanced := false

	if dist < m.cfg.GoalThreshold {
		reward++
		m.goal = m.drawGoalLocked()
		goalEv = &GoalEvent{EpisodeID: m.episodeID, Goal: m.goal, Radius: m.radius, Span: m.span, At: now}
		m.wins++
		m.totalWins++
		rewardEvs = append(rewardEvs, RewardEvent{
			EpisodeID: m.episodeID, Kind: RewardCheckpoint, Value: CheckpointReward, Wins: m.wins, At: now,
		})
		if m.wins%m.cfg.WinsPerStage == 0 && m.span < maxSpan {
			m.radius++
			m.span += math.Floor(m.radius/radiusWrap) / 10
			m.radius = math.Mod(m.radius, radiusWrap)
			advanced = true
		}
		resetWorld = true
	}

	m.episodeReward += reward
	if m.terminal {
		reward = -1
		rewardEvs = append(rewardEvs, RewardEvent{
			EpisodeID: m.episodeID, Kind: RewardEpisode, Value: m.episodeReward, Wins: m.wins, At: now,
		})
		m.sendTerminal = true
		m.state = Terminal
	}

	out := Outcome{
		Reward:             reward,
		StepReward:         reward,
		EpisodeReward:      m.episodeReward,
		Terminal:           m.sendTerminal,
		GoalReached:        goalEv != nil,
		CurriculumAdvanced: advanced,
		Wins:               m.wins,
		Distance:           dist,
		Goal:               m.goal,
		EpisodeID:          m.episodeID,
	}
	if m.cfg.UseCumulatedReward {
		out.Reward = m.episodeReward
	}
	radius, span := m.radius, m.span
	m.mu.Unlock()

	if goalEv != nil {
		monitoring.Diagf("episode %s: goal reached (win %d), next goal (%.2f, %.2f)",
			out.EpisodeID, out.Wins, out.Goal.X, out.Goal.Y)
		m.publishGoal(*goalEv)
	}
	if advanced {
		monitoring.Diagf("episode %s: curriculum advanced to radius=%.0f span=%.2f", out.EpisodeID, radius, span)
	}
	for _, ev := range rewardEvs {
		m.publishReward(ev)
	}
	if resetWorld {
		if err := m.resetWorld(ctx); err != nil {
			monitoring.Opsf("episode %s: world reset after goal failed: %v", out.EpisodeID, err)
		}
	}
	return out
}

// Reset starts a new episode: world reset, cleared counters and flags, a
// fresh episode ID and a new goal. The curriculum carries over. The state is
// reset even when the world reset fails; the error is returned.
func (m *Machine) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.state = Resetting
	m.mu.Unlock()

	worldErr := m.resetWorld(ctx)

	m.mu.Lock()
	m.terminal = false
	m.sendTerminal = false
	m.wins = 0
	m.episodeReward = 0
	m.episodes++
	m.episodeID = m.deps.NewID()
	m.goal = m.drawGoalLocked()
	m.state = Running
	ev := GoalEvent{EpisodeID: m.episodeID, Goal: m.goal, Radius: m.radius, Span: m.span, At: m.deps.Clock.Now()}
	m.mu.Unlock()

	monitoring.Diagf("episode %s: started, goal (%.2f, %.2f) radius=%.0f span=%.2f",
		ev.EpisodeID, ev.Goal.X, ev.Goal.Y, ev.Radius, ev.Span)
	m.publishGoal(ev)

	if worldErr != nil {
		return fmt.Errorf("reset world: %w", worldErr)
	}
	return nil
}

func (m *Machine) drawGoalLocked() geometry.Point {
	theta := m.span * m.deps.Rand.Float64()
	return geometry.Point{
		X: m.radius * math.Cos(theta),
		Y: m.radius * math.Sin(theta),
	}
}

func (m *Machine) resetWorld(ctx context.Context) error {
	if m.deps.World == nil {
		return nil
	}
	return m.deps.World.ResetWorld(ctx)
}

func (m *Machine) publishGoal(ev GoalEvent) {
	if m.deps.Publisher == nil {
		return
	}
	if err := m.deps.Publisher.PublishGoal(ev); err != nil {
		monitoring.Opsf("episode %s: publish goal: %v", ev.EpisodeID, err)
	}
}

func (m *Machine) publishReward(ev RewardEvent) {
	if m.deps.Publisher == nil {
		return
	}
	if err := m.deps.Publisher.PublishReward(ev); err != nil {
		monitoring.Opsf("episode %s: publish %s reward: %v", ev.EpisodeID, ev.Kind, err)
	}
}
