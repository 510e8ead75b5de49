package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stagebridge/internal/api"
	"github.com/banshee-data/stagebridge/internal/monitoring"
)

type driveOptions struct {
	url        string
	episodes   int
	maxSteps   int
	action     int
	isTraining bool
	timeout    time.Duration
}

func newDriveCommand() *cobra.Command {
	opts := &driveOptions{}
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Run episodes against a serving bridge with a fixed or random policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := &driver{base: strings.TrimRight(opts.url, "/"), client: &http.Client{Timeout: opts.timeout}}
			summaries, err := d.run(cmd.Context(), opts.episodes, opts.maxSteps, opts.action, opts.isTraining)
			for _, s := range summaries {
				fmt.Fprintf(cmd.OutOrStdout(), "episode %s: steps=%d reward=%.3f wins=%d terminal=%t\n",
					s.EpisodeID, s.Steps, s.TotalReward, s.Wins, s.Terminal)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8090", "control API base URL")
	cmd.Flags().IntVar(&opts.episodes, "episodes", 1, "number of episodes to run")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 500, "step limit per episode")
	cmd.Flags().IntVar(&opts.action, "action", -1, "action to send every step; -1 picks a random one")
	cmd.Flags().BoolVar(&opts.isTraining, "training", false, "mark steps as training steps")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	return cmd
}

type driver struct {
	base   string
	client *http.Client
}

type episodeRun struct {
	EpisodeID   string
	Steps       int
	TotalReward float64
	Wins        int
	Terminal    bool
}

func (d *driver) post(ctx context.Context, path string, body, out any) error {
	var rd io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *driver) run(ctx context.Context, episodes, maxSteps, action int, isTraining bool) ([]episodeRun, error) {
	var out []episodeRun
	for i := 0; i < episodes; i++ {
		var reset api.ResetResponse
		if err := d.post(ctx, "/api/reset", nil, &reset); err != nil {
			return out, fmt.Errorf("episode %d: %w", i, err)
		}

		run := episodeRun{}
		for run.Steps < maxSteps {
			a := action
			var step api.StepResponse
			if err := d.post(ctx, "/api/step", api.StepRequest{Action: &a, IsTraining: isTraining}, &step); err != nil {
				return append(out, run), fmt.Errorf("episode %d step %d: %w", i, run.Steps, err)
			}
			run.Steps++
			run.EpisodeID = step.Info.EpisodeID
			run.TotalReward += step.Reward
			run.Wins = step.Info.Wins
			if step.Terminal {
				run.Terminal = true
				break
			}
		}
		monitoring.Diagf("drive: episode %s finished after %d steps", run.EpisodeID, run.Steps)
		out = append(out, run)
	}
	return out, nil
}
