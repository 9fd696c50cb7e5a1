package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"milton/internal/agents"
	"milton/internal/briefing"
	"milton/internal/gateway"
	"milton/internal/logging"
	"milton/internal/memory"
	"milton/internal/pipeline"
	"milton/internal/reminder"
	"milton/internal/router"
	"milton/internal/scheduler"
	"milton/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the assistant: HTTP API, reminder delivery and the trigger scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(parent context.Context, a *app) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := agents.NewRegistry(a.client, a.store, a.jobs, logging.NewComponentLogger("agents"))
	rt := router.New(a.client, logging.NewComponentLogger("router"))

	gw, err := gateway.New(rt, reg, a.store, a.reminders, a.client, a.cfg.StatePath("dedup"), gateway.Options{
		Logger: logging.NewComponentLogger("gateway"),
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	briefer := briefing.NewBuilder(
		[]briefing.Fetcher{
			&reminderFetcher{reminders: a.reminders},
			&memoryRecapFetcher{store: a.store},
		},
		a.channel, a.store,
		briefing.Options{Logger: logging.NewComponentLogger("briefing")},
	)

	go a.reminders.Run(ctx)

	if a.cfg.Scheduler.Enabled {
		sched, err := scheduler.New(a.cfg.StatePath("scheduler"), scheduler.Options{
			Logger: logging.NewComponentLogger("scheduler"),
		})
		if err != nil {
			return err
		}
		err = sched.RegisterStandard(scheduler.Handlers{
			Pipeline: func(ctx context.Context) error {
				_, ran, err := a.pipeline.TryRun(ctx, pipeline.RunOptions{})
				if !ran {
					return nil
				}
				return err
			},
			Briefing: func(ctx context.Context) error {
				_, err := briefer.Run(ctx)
				return err
			},
			JobQueue:     a.jobs.Run,
			ReminderTick: a.reminders.Tick,
		})
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	srv := server.New(gw, reg, a.store, a.client, server.Options{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Logger:         logging.NewComponentLogger("server"),
	})
	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	return srv.Run(ctx, addr)
}

// reminderFetcher summarizes the pending reminder load for the morning
// briefing.
type reminderFetcher struct {
	reminders *reminder.Scheduler
}

func (f *reminderFetcher) Name() string { return "reminders" }

func (f *reminderFetcher) Fetch(context.Context) (string, error) {
	n := f.reminders.Pending()
	switch n {
	case 0:
		return "No pending reminders.", nil
	case 1:
		return "1 pending reminder.", nil
	default:
		return fmt.Sprintf("%d pending reminders.", n), nil
	}
}

// memoryRecapFetcher surfaces yesterday's short-term memory as a recap
// section.
type memoryRecapFetcher struct {
	store *memory.Store
}

func (f *memoryRecapFetcher) Name() string { return "recap" }

func (f *memoryRecapFetcher) Fetch(context.Context) (string, error) {
	records, err := f.store.RecentShortTerm(24, "")
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "Nothing recorded in the last day.", nil
	}
	var sb strings.Builder
	for i, r := range records {
		if i == 5 {
			break
		}
		fmt.Fprintf(&sb, "- %s\n", r.Content)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
