package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stagebridge/internal/api"
	"github.com/banshee-data/stagebridge/internal/store"
)

func newPlotRewardsCommand(root *rootOptions) *cobra.Command {
	var dbPath, out string
	var limit int
	cmd := &cobra.Command{
		Use:   "plot-rewards",
		Short: "Plot total reward per finished episode from the episode store",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := root.dbPath(dbPath)
			if err != nil {
				return err
			}
			st, err := store.Open(path)
			if err != nil {
				return err
			}
			defer st.Close()

			episodes, err := st.FinishedEpisodes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if err := api.SaveRewardPlot(out, episodes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d episodes)\n", out, len(episodes))
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "episode store path (overrides config)")
	cmd.Flags().StringVar(&out, "out", "rewards.png", "output file; format follows the extension")
	cmd.Flags().IntVar(&limit, "limit", 0, "plot only the most recent episodes; 0 plots all")
	return cmd
}
