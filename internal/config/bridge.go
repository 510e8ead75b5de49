package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/gate"
	"github.com/banshee-data/stagebridge/internal/perception"
)

// DefaultConfigPath is the canonical defaults file.
const DefaultConfigPath = "config/bridge.defaults.json"

// BridgeConfig is the process configuration. Every field is optional; the
// Get* methods supply the default for an unset field.
type BridgeConfig struct {
	// Observation
	ObservationWidth  *int     `json:"observation_width,omitempty"`
	ObservationHeight *int     `json:"observation_height,omitempty"`
	CellsPerMeter     *float64 `json:"cells_per_meter,omitempty"`
	GradientFrame     *string  `json:"gradient_frame,omitempty"` // "legacy" or "heading"

	// Actions and rewards
	ActionSize         *int     `json:"action_size,omitempty"`
	UseCumulatedReward *bool    `json:"use_cumulated_reward,omitempty"`
	GoalThreshold      *float64 `json:"goal_threshold,omitempty"`
	WinsPerStage       *int     `json:"wins_per_stage,omitempty"`
	InitialGoalRadius  *float64 `json:"initial_goal_radius,omitempty"`
	InitialGoalSpan    *float64 `json:"initial_goal_span,omitempty"`
	RandomSeed         *uint64  `json:"random_seed,omitempty"`

	// Sensor feed liveness, as duration strings like "5s". Empty or "0"
	// disables.
	SensorTimeout  *string `json:"sensor_timeout,omitempty"`
	StallWarnAfter *string `json:"stall_warn_after,omitempty"`

	// Transports and surfaces
	UDPListen      *string `json:"udp_listen,omitempty"`
	UDPPublish     *string `json:"udp_publish,omitempty"`
	UDPRcvBuf      *int    `json:"udp_rcvbuf,omitempty"`
	SerialPort     *string `json:"serial_port,omitempty"`
	SerialBaudRate *int    `json:"serial_baud_rate,omitempty"`
	HTTPListen     *string `json:"http_listen,omitempty"`
	GRPCListen     *string `json:"grpc_listen,omitempty"`
	DBPath         *string `json:"db_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// LoadConfig reads a JSON config file. Omitted fields stay unset and fall
// back to their defaults.
func LoadConfig(path string) (*BridgeConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 << 20
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &BridgeConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory
// or one of its parents. It panics when the file is missing; tests use it.
func MustLoadDefaultConfig() *BridgeConfig {
	for _, prefix := range []string{"", "../", "../../", "../../../"} {
		if cfg, err := LoadConfig(prefix + DefaultConfigPath); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set.
func (c *BridgeConfig) Validate() error {
	for name, v := range map[string]*int{
		"observation_width":  c.ObservationWidth,
		"observation_height": c.ObservationHeight,
		"action_size":        c.ActionSize,
		"wins_per_stage":     c.WinsPerStage,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.CellsPerMeter != nil && *c.CellsPerMeter <= 0 {
		return fmt.Errorf("cells_per_meter must be positive, got %f", *c.CellsPerMeter)
	}
	if c.GoalThreshold != nil && *c.GoalThreshold <= 0 {
		return fmt.Errorf("goal_threshold must be positive, got %f", *c.GoalThreshold)
	}
	if c.InitialGoalRadius != nil && *c.InitialGoalRadius < 0 {
		return fmt.Errorf("initial_goal_radius must be non-negative, got %f", *c.InitialGoalRadius)
	}
	if c.InitialGoalSpan != nil && *c.InitialGoalSpan < 0 {
		return fmt.Errorf("initial_goal_span must be non-negative, got %f", *c.InitialGoalSpan)
	}
	if c.GradientFrame != nil {
		switch perception.GradientFrame(*c.GradientFrame) {
		case perception.GradientFrameLegacy, perception.GradientFrameHeading:
		default:
			return fmt.Errorf("gradient_frame must be %q or %q, got %q",
				perception.GradientFrameLegacy, perception.GradientFrameHeading, *c.GradientFrame)
		}
	}
	for name, v := range map[string]*string{
		"sensor_timeout":   c.SensorTimeout,
		"stall_warn_after": c.StallWarnAfter,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	return nil
}

func (c *BridgeConfig) GetObservationWidth() int {
	if c.ObservationWidth == nil {
		return 84
	}
	return *c.ObservationWidth
}

func (c *BridgeConfig) GetObservationHeight() int {
	if c.ObservationHeight == nil {
		return 84
	}
	return *c.ObservationHeight
}

func (c *BridgeConfig) GetCellsPerMeter() float64 {
	if c.CellsPerMeter == nil {
		return 10
	}
	return *c.CellsPerMeter
}

func (c *BridgeConfig) GetGradientFrame() string {
	if c.GradientFrame == nil || *c.GradientFrame == "" {
		return string(perception.GradientFrameLegacy)
	}
	return *c.GradientFrame
}

func (c *BridgeConfig) GetActionSize() int {
	if c.ActionSize == nil {
		return command.DefaultActionSize
	}
	return *c.ActionSize
}

func (c *BridgeConfig) GetUseCumulatedReward() bool {
	if c.UseCumulatedReward == nil {
		return false
	}
	return *c.UseCumulatedReward
}

func (c *BridgeConfig) GetGoalThreshold() float64 {
	if c.GoalThreshold == nil {
		return 0.3
	}
	return *c.GoalThreshold
}

func (c *BridgeConfig) GetWinsPerStage() int {
	if c.WinsPerStage == nil {
		return 99
	}
	return *c.WinsPerStage
}

func (c *BridgeConfig) GetInitialGoalRadius() float64 {
	if c.InitialGoalRadius == nil {
		return 1
	}
	return *c.InitialGoalRadius
}

func (c *BridgeConfig) GetInitialGoalSpan() float64 {
	if c.InitialGoalSpan == nil {
		return 0
	}
	return *c.InitialGoalSpan
}

func (c *BridgeConfig) GetRandomSeed() uint64 {
	if c.RandomSeed == nil {
		return 123
	}
	return *c.RandomSeed
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil {
		return def
	}
	if *s == "" {
		return 0
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetSensorTimeout returns the per-step wait bound; zero waits forever.
func (c *BridgeConfig) GetSensorTimeout() time.Duration {
	return parseDurationOr(c.SensorTimeout, 0)
}

func (c *BridgeConfig) GetStallWarnAfter() time.Duration {
	return parseDurationOr(c.StallWarnAfter, 5*time.Second)
}

func (c *BridgeConfig) GetUDPListen() string {
	if c.UDPListen == nil {
		return ":9870"
	}
	return *c.UDPListen
}

func (c *BridgeConfig) GetUDPPublish() string {
	if c.UDPPublish == nil {
		return "127.0.0.1:9871"
	}
	return *c.UDPPublish
}

func (c *BridgeConfig) GetUDPRcvBuf() int {
	if c.UDPRcvBuf == nil {
		return 4 << 20
	}
	return *c.UDPRcvBuf
}

// GetSerialPort returns the serial device path; empty disables the serial
// link.
func (c *BridgeConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

func (c *BridgeConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 115200
	}
	return *c.SerialBaudRate
}

func (c *BridgeConfig) GetHTTPListen() string {
	if c.HTTPListen == nil {
		return "localhost:8090"
	}
	return *c.HTTPListen
}

func (c *BridgeConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return "localhost:8091"
	}
	return *c.GRPCListen
}

func (c *BridgeConfig) GetDBPath() string {
	if c.DBPath == nil {
		return "stagebridge.db"
	}
	return *c.DBPath
}

// PerceptionConfig derives the perception pipeline settings.
func (c *BridgeConfig) PerceptionConfig() perception.Config {
	return perception.Config{
		Width:         c.GetObservationWidth(),
		Height:        c.GetObservationHeight(),
		CellsPerMeter: c.GetCellsPerMeter(),
		GradientFrame: perception.GradientFrame(c.GetGradientFrame()),
	}
}

// EpisodeConfig derives the reward and curriculum settings.
func (c *BridgeConfig) EpisodeConfig() episode.Config {
	return episode.Config{
		GoalThreshold:      c.GetGoalThreshold(),
		WinsPerStage:       c.GetWinsPerStage(),
		InitialRadius:      c.GetInitialGoalRadius(),
		InitialSpan:        c.GetInitialGoalSpan(),
		UseCumulatedReward: c.GetUseCumulatedReward(),
	}
}

// GateOptions derives the liveness settings. Clock and hook are left for
// the caller.
func (c *BridgeConfig) GateOptions() gate.Options {
	return gate.Options{
		Timeout:    c.GetSensorTimeout(),
		StallAfter: c.GetStallWarnAfter(),
	}
}
