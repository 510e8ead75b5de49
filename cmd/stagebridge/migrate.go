package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stagebridge/internal/store"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the episode store schema",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "episode store path (overrides config)")

	withStore := func(fn func(cmd *cobra.Command, st *store.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			path, err := root.dbPath(dbPath)
			if err != nil {
				return err
			}
			st, err := store.OpenNoMigrate(path)
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(cmd, st, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, _ []string) error {
				return st.MigrateUp()
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one migration",
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, _ []string) error {
				return st.MigrateDown()
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, _ []string) error {
				v, dirty, err := st.MigrateVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return st.MigrateForce(v)
			}),
		},
	)
	return cmd
}
