package episode

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stagebridge/internal/geometry"
	"github.com/banshee-data/stagebridge/internal/perception"
	"github.com/banshee-data/stagebridge/internal/timeutil"
)

type recorder struct {
	mu      sync.Mutex
	goals   []GoalEvent
	rewards []RewardEvent
	resets  int
	failed  error
}

func (r *recorder) PublishGoal(ev GoalEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goals = append(r.goals, ev)
	return nil
}

func (r *recorder) PublishReward(ev RewardEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rewards = append(r.rewards, ev)
	return nil
}

func (r *recorder) ResetWorld(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
	return r.failed
}

func newTestMachine(t *testing.T, cfg Config) (*Machine, *recorder) {
	t.Helper()
	rec := &recorder{}
	ids := 0
	m, err := NewMachine(cfg, Deps{
		Publisher: rec,
		World:     rec,
		Rand:      rand.New(rand.NewPCG(123, 123)),
		Clock:     timeutil.NewMockClock(time.Unix(1_700_000_000, 0)),
		NewID: func() string {
			ids++
			return "ep-" + string(rune('a'+ids-1))
		},
	})
	require.NoError(t, err)
	return m, rec
}

func at(x, y float64) perception.Result {
	return perception.Result{Pose: geometry.Pose{X: x, Y: y}, MinFrontDist: 4}
}

func TestEvaluate_GoalReachedAtIdenticalPosition(t *testing.T) {
	m, rec := newTestMachine(t, DefaultConfig())

	m.Observe(at(0, 0))
	out := m.Evaluate(context.Background())

	assert.Equal(t, 1.0, out.Reward)
	assert.True(t, out.GoalReached)
	assert.False(t, out.Terminal)
	assert.Equal(t, 1, out.Wins)
	if diff := cmp.Diff(geometry.Point{X: 1, Y: 0}, out.Goal, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("new goal mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, rec.goals, 1)
	assert.Equal(t, out.Goal, rec.goals[0].Goal)
	require.Len(t, rec.rewards, 1)
	assert.Equal(t, RewardCheckpoint, rec.rewards[0].Kind)
	assert.Equal(t, CheckpointReward, rec.rewards[0].Value)
	assert.Equal(t, 1, rec.resets, "goal reached triggers a world reset")
}

func TestEvaluate_WithinThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialRadius = 0.2
	m, _ := newTestMachine(t, cfg)
	require.NoError(t, m.Reset(context.Background()))
	require.Equal(t, geometry.Point{X: 0.2, Y: 0}, m.Goal())

	m.Observe(at(0, 0))
	out := m.Evaluate(context.Background())
	assert.Equal(t, 1.0, out.Reward)
	assert.InDelta(t, 0.2, out.Distance, 1e-12)
}

func TestEvaluate_OutsideThreshold(t *testing.T) {
	m, rec := newTestMachine(t, DefaultConfig())
	require.NoError(t, m.Reset(context.Background()))

	m.Observe(at(0, 0))
	out := m.Evaluate(context.Background())

	assert.Equal(t, 0.0, out.Reward)
	assert.False(t, out.GoalReached)
	assert.Equal(t, 0, out.Wins)
	assert.InDelta(t, 1.0, out.Distance, 1e-12)
	assert.Empty(t, rec.rewards)
}

func TestEvaluate_CollisionReportsTerminal(t *testing.T) {
	m, rec := newTestMachine(t, DefaultConfig())
	require.NoError(t, m.Reset(context.Background()))

	hit := at(0.5, 0.5)
	hit.Collided = true
	m.Observe(hit)
	assert.True(t, m.Terminal())
	assert.Equal(t, "terminal_pending", m.Status().State)

	out := m.Evaluate(context.Background())
	assert.Equal(t, -1.0, out.Reward)
	assert.True(t, out.Terminal)
	require.Len(t, rec.rewards, 1)
	assert.Equal(t, RewardEpisode, rec.rewards[0].Kind)
	assert.Equal(t, 0.0, rec.rewards[0].Value)

	// The latch survives frames without the collision flag.
	m.Observe(at(0.5, 0.5))
	out = m.Evaluate(context.Background())
	assert.True(t, out.Terminal)
	assert.Equal(t, -1.0, out.Reward)
	assert.Equal(t, "terminal", m.Status().State)
}

func TestEvaluate_TerminalOverridesGoalReward(t *testing.T) {
	m, _ := newTestMachine(t, DefaultConfig())

	hit := at(0, 0)
	hit.Collided = true
	m.Observe(hit)
	out := m.Evaluate(context.Background())

	assert.True(t, out.GoalReached)
	assert.Equal(t, -1.0, out.Reward)
	assert.Equal(t, 1.0, out.EpisodeReward)
}

func TestEvaluate_CumulatedReward(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseCumulatedReward = true
	m, _ := newTestMachine(t, cfg)
	require.NoError(t, m.Reset(context.Background()))

	for i := 1; i <= 3; i++ {
		g := m.Goal()
		m.Observe(at(g.X, g.Y))
		out := m.Evaluate(context.Background())
		assert.Equal(t, float64(i), out.Reward)
		assert.Equal(t, 1.0, out.StepReward)
	}

	m.Observe(at(10, 10))
	out := m.Evaluate(context.Background())
	assert.Equal(t, 3.0, out.Reward)
	assert.Equal(t, 0.0, out.StepReward)
}

func winTimes(m *Machine, n int) Outcome {
	var out Outcome
	for i := 0; i < n; i++ {
		g := m.Goal()
		m.Observe(at(g.X, g.Y))
		out = m.Evaluate(context.Background())
	}
	return out
}

func TestCurriculum(t *testing.T) {
	tests := []struct {
		name       string
		radius     float64
		span       float64
		wins       int
		wantRadius float64
		wantSpan   float64
		advanced   bool
	}{
		{name: "before stage", radius: 1, span: 0, wins: 98, wantRadius: 1, wantSpan: 0},
		{name: "first stage", radius: 1, span: 0, wins: 99, wantRadius: 2, wantSpan: 0, advanced: true},
		{name: "radius wraps and widens span", radius: 19, span: 0, wins: 99, wantRadius: 0, wantSpan: 0.1, advanced: true},
		{name: "span saturated", radius: 5, span: math.Pi, wins: 99, wantRadius: 5, wantSpan: math.Pi},
		{name: "second stage", radius: 1, span: 0, wins: 198, wantRadius: 3, wantSpan: 0, advanced: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.InitialRadius = tt.radius
			cfg.InitialSpan = tt.span
			m, _ := newTestMachine(t, cfg)

			out := winTimes(m, tt.wins)
			st := m.Status()
			assert.Equal(t, tt.wins, st.Wins)
			assert.InDelta(t, tt.wantRadius, st.Radius, 1e-9)
			assert.InDelta(t, tt.wantSpan, st.Span, 1e-9)
			assert.Equal(t, tt.advanced, out.CurriculumAdvanced)
		})
	}
}

func TestCurriculum_PersistsAcrossReset(t *testing.T) {
	m, _ := newTestMachine(t, DefaultConfig())
	winTimes(m, 99)
	require.NoError(t, m.Reset(context.Background()))

	st := m.Status()
	assert.Equal(t, 0, st.Wins)
	assert.Equal(t, 99, st.TotalWins)
	assert.InDelta(t, 2.0, st.Radius, 1e-9)
	assert.InDelta(t, 2.0, geometry.Distance(geometry.Point{}, m.Goal()), 1e-9)
}

func TestReset_ClearsEpisode(t *testing.T) {
	m, rec := newTestMachine(t, DefaultConfig())
	before := m.Status().EpisodeID

	hit := at(0, 0)
	hit.Collided = true
	m.Observe(hit)
	m.Evaluate(context.Background())
	resets := rec.resets

	require.NoError(t, m.Reset(context.Background()))

	st := m.Status()
	assert.NotEqual(t, before, st.EpisodeID)
	assert.Equal(t, "running", st.State)
	assert.False(t, st.Terminal)
	assert.False(t, m.Terminal())
	assert.Equal(t, 0, st.Wins)
	assert.Equal(t, 0.0, st.EpisodeReward)
	assert.Equal(t, 1, st.Episodes)
	assert.Equal(t, resets+1, rec.resets)
	require.NotEmpty(t, rec.goals)
	assert.Equal(t, st.EpisodeID, rec.goals[len(rec.goals)-1].EpisodeID)
}

func TestReset_WorldResetFailure(t *testing.T) {
	m, rec := newTestMachine(t, DefaultConfig())
	rec.failed = errors.New("service unavailable")

	hit := at(3, 3)
	hit.Collided = true
	m.Observe(hit)

	err := m.Reset(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rec.failed)
	assert.False(t, m.Terminal(), "episode state is reset regardless")
}

func TestNewMachine_RejectsBadConfig(t *testing.T) {
	_, err := NewMachine(Config{GoalThreshold: 0, WinsPerStage: 99}, Deps{})
	assert.Error(t, err)
	_, err = NewMachine(Config{GoalThreshold: 0.3, WinsPerStage: 0}, Deps{})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "terminal_pending", TerminalPending.String())
	assert.Equal(t, "terminal", Terminal.String())
	assert.Equal(t, "resetting", Resetting.String())
	assert.Equal(t, "unknown", State(42).String())
}
