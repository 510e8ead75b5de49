package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/stagebridge/internal/api"
	"github.com/banshee-data/stagebridge/internal/bridge"
	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/config"
	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/raster"
	"github.com/banshee-data/stagebridge/internal/store"
	"github.com/banshee-data/stagebridge/internal/transport/serial"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "--log-level", "ops"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigureLogging(t *testing.T) {
	var buf bytes.Buffer
	for _, level := range []string{"ops", "diag", "trace"} {
		assert.NoError(t, configureLogging(&buf, level))
	}
	assert.Error(t, configureLogging(&buf, "verbose"))
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("STAGEBRIDGE_ACTION_SIZE=10\nSTAGEBRIDGE_DB_PATH=from-env.db\n"), 0o644))

	opts := &rootOptions{envFile: envFile}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.GetActionSize())
	assert.Equal(t, "from-env.db", cfg.GetDBPath())

	path, err := opts.dbPath("")
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", path)

	path, err = opts.dbPath("flag.db")
	require.NoError(t, err)
	assert.Equal(t, "flag.db", path)
}

func TestLoadConfig_BadFile(t *testing.T) {
	opts := &rootOptions{configPath: filepath.Join(t.TempDir(), "bridge.yaml")}
	_, err := opts.loadConfig()
	assert.Error(t, err)
}

func TestMigrateCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "episodes.db")

	out, err := execute(t, "migrate", "--db", db, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version 0 (dirty: false)")

	_, err = execute(t, "migrate", "--db", db, "up")
	require.NoError(t, err)
	out, err = execute(t, "migrate", "--db", db, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2 (dirty: false)")

	_, err = execute(t, "migrate", "--db", db, "down")
	require.NoError(t, err)
	out, err = execute(t, "migrate", "--db", db, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version 1 (dirty: false)")

	_, err = execute(t, "migrate", "--db", db, "force", "2")
	require.NoError(t, err)
	out, err = execute(t, "migrate", "--db", db, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version 2 (dirty: false)")

	_, err = execute(t, "migrate", "--db", db, "force", "two")
	assert.Error(t, err)
}

func TestPlotRewardsCommand(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "episodes.db")
	st, err := store.Open(db)
	require.NoError(t, err)
	at := time.Unix(100, 0)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ep-%d", i)
		require.NoError(t, st.PublishGoal(episode.GoalEvent{EpisodeID: id, At: at}))
		require.NoError(t, st.PublishReward(episode.RewardEvent{EpisodeID: id, Kind: episode.RewardEpisode, Value: float64(i), At: at.Add(time.Duration(i+1) * time.Second)}))
	}
	require.NoError(t, st.Close())

	png := filepath.Join(dir, "rewards.png")
	out, err := execute(t, "plot-rewards", "--db", db, "--out", png)
	require.NoError(t, err)
	assert.Contains(t, out, "(5 episodes)")
	info, err := os.Stat(png)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

// scriptedEnv ends each episode after a fixed number of steps.
type scriptedEnv struct {
	mu        sync.Mutex
	length    int
	step      int
	episode   int
	lastTrain bool
}

func (e *scriptedEnv) Reset(context.Context) (*raster.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.step = 0
	e.episode++
	return raster.New(2, 2), nil
}

func (e *scriptedEnv) Step(_ context.Context, action int, isTraining bool) (bridge.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.step++
	e.lastTrain = isTraining
	terminal := e.step >= e.length
	reward := -1.0
	if terminal {
		reward = 10101.963
	}
	return bridge.StepResult{
		Observation: raster.New(2, 2),
		Reward:      reward,
		Terminal:    terminal,
		Info:        bridge.Info{EpisodeID: fmt.Sprintf("ep-%d", e.episode), Action: action, Wins: e.episode},
	}, nil
}

func (e *scriptedEnv) Status() bridge.Status           { return bridge.Status{} }
func (e *scriptedEnv) Latest() (bridge.Snapshot, bool) { return bridge.Snapshot{}, false }

func TestDriver(t *testing.T) {
	env := &scriptedEnv{length: 3}
	ts := httptest.NewServer(api.NewServer(env, nil).ServeMux())
	defer ts.Close()

	d := &driver{base: ts.URL, client: ts.Client()}
	runs, err := d.run(context.Background(), 2, 10, -1, true)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "ep-1", runs[0].EpisodeID)
	assert.Equal(t, 3, runs[0].Steps)
	assert.InDelta(t, 10099.963, runs[0].TotalReward, 1e-9)
	assert.Equal(t, 1, runs[0].Wins)
	assert.True(t, runs[0].Terminal)
	assert.Equal(t, "ep-2", runs[1].EpisodeID)
	assert.True(t, env.lastTrain)
}

func TestDriver_StepLimit(t *testing.T) {
	env := &scriptedEnv{length: 100}
	ts := httptest.NewServer(api.NewServer(env, nil).ServeMux())
	defer ts.Close()

	d := &driver{base: ts.URL, client: ts.Client()}
	runs, err := d.run(context.Background(), 1, 4, 5, false)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].Steps)
	assert.False(t, runs[0].Terminal)
}

func TestDriver_ServerError(t *testing.T) {
	ts := httptest.NewServer(api.NewServer(&scriptedEnv{length: 1}, nil).ServeMux())
	ts.Close()

	d := &driver{base: ts.URL, client: ts.Client()}
	_, err := d.run(context.Background(), 1, 1, -1, false)
	assert.Error(t, err)
}

// fakeLine stands in for a serial mux.
type fakeLine struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (f *fakeLine) Subscribe(int) (string, <-chan string) { return "sub", make(chan string) }
func (f *fakeLine) Unsubscribe(string)                    {}
func (f *fakeLine) SendLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}
func (f *fakeLine) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig(t *testing.T) *config.BridgeConfig {
	t.Helper()
	cfg := &config.BridgeConfig{}
	t.Setenv("STAGEBRIDGE_DB_PATH", filepath.Join(t.TempDir(), "episodes.db"))
	t.Setenv("STAGEBRIDGE_UDP_LISTEN", "127.0.0.1:0")
	t.Setenv("STAGEBRIDGE_UDP_PUBLISH", "127.0.0.1:9")
	t.Setenv("STAGEBRIDGE_HTTP_LISTEN", "127.0.0.1:0")
	t.Setenv("STAGEBRIDGE_GRPC_LISTEN", "127.0.0.1:0")
	require.NoError(t, cfg.ApplyEnv(""))
	return cfg
}

func TestWire(t *testing.T) {
	line := &fakeLine{}
	old := openSerial
	openSerial = func(path string, opts serial.PortOptions) (lineMonitor, error) {
		assert.Equal(t, "/dev/ttyFAKE", path)
		assert.Equal(t, 115200, opts.BaudRate)
		return line, nil
	}
	t.Cleanup(func() { openSerial = old })

	cfg := testConfig(t)
	t.Setenv("STAGEBRIDGE_SERIAL_PORT", "/dev/ttyFAKE")
	require.NoError(t, cfg.ApplyEnv(""))

	parts, err := wire(cfg)
	require.NoError(t, err)
	require.NotNil(t, parts.env)
	require.NotNil(t, parts.store)
	require.NotNil(t, parts.link)

	require.NoError(t, parts.link.PublishCommand(command.Command{Turn: -1, Forward: 0.3}))
	parts.close()
	assert.True(t, line.closed)
	assert.Equal(t, []string{"V -1 0.3"}, line.lines)
}

func TestWire_SerialOpenFails(t *testing.T) {
	old := openSerial
	openSerial = func(string, serial.PortOptions) (lineMonitor, error) {
		return nil, fmt.Errorf("no such port")
	}
	t.Cleanup(func() { openSerial = old })

	cfg := testConfig(t)
	t.Setenv("STAGEBRIDGE_SERIAL_PORT", "/dev/ttyNONE")
	require.NoError(t, cfg.ApplyEnv(""))

	_, err := wire(cfg)
	assert.ErrorContains(t, err, "no such port")
}

func TestRunServe_Shutdown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runServe did not stop")
	}
}
