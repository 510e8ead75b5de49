package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stagebridge/internal/config"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/version"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "stagebridge",
		Short:         "Bridge a Stage simulator to an RL training loop",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(cmd.ErrOrStderr(), opts.logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "JSON config file (defaults apply when empty)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with STAGEBRIDGE_* overrides")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "diag", "most verbose log stream to print: ops, diag or trace")

	cmd.AddCommand(
		newServeCommand(opts),
		newDriveCommand(),
		newPlotRewardsCommand(opts),
		newMigrateCommand(opts),
	)
	return cmd
}

func configureLogging(w io.Writer, level string) error {
	switch level {
	case "ops":
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: w})
	case "diag":
		monitoring.SetLogWriters(monitoring.LogWriters{Ops: w, Diag: w})
	case "trace":
		monitoring.SetLegacyLogger(w)
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	return nil
}

// loadConfig reads the config file, if any, then applies environment
// overrides.
func (o *rootOptions) loadConfig() (*config.BridgeConfig, error) {
	cfg := &config.BridgeConfig{}
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(o.envFile); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	return cfg, nil
}

// dbPath resolves the store path for commands that take a --db override.
func (o *rootOptions) dbPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	if p := cfg.GetDBPath(); p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no database configured: db_path is empty")
}
