package scheduler

import (
	"context"
	"time"
)

// Standard trigger schedules.
const (
	autobenchSchedule = "0 */6 * * *"
	briefingSchedule  = "0 8 * * *"
	jobQueueSchedule  = "0 22 * * *"

	autobenchJitter    = 30 * time.Minute
	autobenchBootDelay = 5 * time.Minute

	reminderTickInterval = 5 * time.Second
)

// Handlers carries the work the standard trigger table dispatches to.
type Handlers struct {
	Pipeline     func(ctx context.Context) error
	Briefing     func(ctx context.Context) error
	JobQueue     func(ctx context.Context) error
	ReminderTick func(now time.Time)
}

// RegisterStandard wires the standard trigger table: the evaluation
// pipeline every six hours with jitter and a post-boot delay, the
// morning briefing at 08:00, the job queue kickoff at 22:00, and the
// five second reminder tick. Nil handlers are skipped.
func (s *Scheduler) RegisterStandard(h Handlers) error {
	if h.Pipeline != nil {
		err := s.Register(Trigger{
			Name:      "autobench",
			Schedule:  autobenchSchedule,
			Jitter:    autobenchJitter,
			BootDelay: autobenchBootDelay,
			Handler:   h.Pipeline,
		})
		if err != nil {
			return err
		}
	}
	if h.Briefing != nil {
		if err := s.Register(Trigger{Name: "briefing", Schedule: briefingSchedule, Handler: h.Briefing}); err != nil {
			return err
		}
	}
	if h.JobQueue != nil {
		if err := s.Register(Trigger{Name: "jobqueue", Schedule: jobQueueSchedule, Handler: h.JobQueue}); err != nil {
			return err
		}
	}
	if h.ReminderTick != nil {
		err := s.RegisterTicker(Ticker{
			Name:     "reminder-tick",
			Interval: reminderTickInterval,
			Handler:  h.ReminderTick,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
