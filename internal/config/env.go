package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override, e.g.
// STAGEBRIDGE_HTTP_LISTEN.
const EnvPrefix = "STAGEBRIDGE_"

// envFields maps override keys to the config fields they set.
func (c *BridgeConfig) envFields() map[string]any {
	return map[string]any{
		"OBSERVATION_WIDTH":    &c.ObservationWidth,
		"OBSERVATION_HEIGHT":   &c.ObservationHeight,
		"CELLS_PER_METER":      &c.CellsPerMeter,
		"GRADIENT_FRAME":       &c.GradientFrame,
		"ACTION_SIZE":          &c.ActionSize,
		"USE_CUMULATED_REWARD": &c.UseCumulatedReward,
		"GOAL_THRESHOLD":       &c.GoalThreshold,
		"WINS_PER_STAGE":       &c.WinsPerStage,
		"INITIAL_GOAL_RADIUS":  &c.InitialGoalRadius,
		"INITIAL_GOAL_SPAN":    &c.InitialGoalSpan,
		"RANDOM_SEED":          &c.RandomSeed,
		"SENSOR_TIMEOUT":       &c.SensorTimeout,
		"STALL_WARN_AFTER":     &c.StallWarnAfter,
		"UDP_LISTEN":           &c.UDPListen,
		"UDP_PUBLISH":          &c.UDPPublish,
		"UDP_RCVBUF":           &c.UDPRcvBuf,
		"SERIAL_PORT":          &c.SerialPort,
		"SERIAL_BAUD_RATE":     &c.SerialBaudRate,
		"HTTP_LISTEN":          &c.HTTPListen,
		"GRPC_LISTEN":          &c.GRPCListen,
		"DB_PATH":              &c.DBPath,
	}
}

// ApplyEnv overrides fields from STAGEBRIDGE_* variables. Variables in the
// process environment win over those in envFile; a missing envFile is not
// an error. The result is validated.
func (c *BridgeConfig) ApplyEnv(envFile string) error {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}
	if err := c.applyLookup(lookup); err != nil {
		return err
	}
	return c.Validate()
}

func (c *BridgeConfig) applyLookup(lookup func(string) (string, bool)) error {
	for key, field := range c.envFields() {
		name := EnvPrefix + key
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		var err error
		switch f := field.(type) {
		case **string:
			*f = ptrString(raw)
		case **int:
			var v int
			if v, err = strconv.Atoi(raw); err == nil {
				*f = ptrInt(v)
			}
		case **float64:
			var v float64
			if v, err = strconv.ParseFloat(raw, 64); err == nil {
				*f = ptrFloat64(v)
			}
		case **bool:
			var v bool
			if v, err = strconv.ParseBool(raw); err == nil {
				*f = ptrBool(v)
			}
		case **uint64:
			var v uint64
			if v, err = strconv.ParseUint(raw, 10, 64); err == nil {
				*f = ptrUint64(v)
			}
		default:
			err = fmt.Errorf("unsupported field type %T", field)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
