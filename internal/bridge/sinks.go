package bridge

import (
	"context"
	"errors"

	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/episode"
)

// Fanout delivers outbound traffic to every attached transport and
// recorder. Failures from individual targets are joined; the remaining
// targets still receive the message.
type Fanout struct {
	Commands []command.Sink
	Events   []episode.Publisher
	Worlds   []episode.WorldResetter
}

func (f *Fanout) PublishCommand(c command.Command) error {
	var errs []error
	for _, s := range f.Commands {
		errs = append(errs, s.PublishCommand(c))
	}
	return errors.Join(errs...)
}

func (f *Fanout) PublishGoal(ev episode.GoalEvent) error {
	var errs []error
	for _, p := range f.Events {
		errs = append(errs, p.PublishGoal(ev))
	}
	return errors.Join(errs...)
}

func (f *Fanout) PublishReward(ev episode.RewardEvent) error {
	var errs []error
	for _, p := range f.Events {
		errs = append(errs, p.PublishReward(ev))
	}
	return errors.Join(errs...)
}

func (f *Fanout) ResetWorld(ctx context.Context) error {
	var errs []error
	for _, w := range f.Worlds {
		errs = append(errs, w.ResetWorld(ctx))
	}
	return errors.Join(errs...)
}
