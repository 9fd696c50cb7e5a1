package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"milton/internal/bench"
	"milton/internal/bundle"
	"milton/internal/config"
	"milton/internal/deploy"
	"milton/internal/jobqueue"
	"milton/internal/llm"
	"milton/internal/logging"
	"milton/internal/memory"
	"milton/internal/notify"
	"milton/internal/pipeline"
	"milton/internal/registry"
	"milton/internal/reminder"
)

// app holds the components shared between commands.
type app struct {
	cfg       *config.Config
	client    llm.Client
	store     *memory.Store
	channel   *notify.Channel
	reminders *reminder.Scheduler
	registry  *registry.Registry
	jobs      *jobqueue.Runner
	pipeline  *pipeline.Pipeline
	runner    *bench.Runner
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	client := llm.NewOpenAIClient(cfg.Inference.Model, llm.Config{
		BaseURL: cfg.Inference.BaseURL,
		APIKey:  cfg.Inference.APIKey,
		Timeout: cfg.Inference.Timeout(),
	})

	store, err := memory.NewStore(memory.Options{
		PersistDir: cfg.StatePath("memory"),
		Logger:     logging.NewComponentLogger("memory"),
	})
	if err != nil {
		return nil, err
	}

	channel, err := notify.NewChannel(cfg.StatePath("outbox"), logging.NewComponentLogger("notify"))
	if err != nil {
		return nil, err
	}

	reminders, err := reminder.NewScheduler(cfg.StatePath("reminders"), channel, reminder.Options{
		Logger: logging.NewComponentLogger("reminder"),
	})
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(cfg.StatePath("models"), logging.NewComponentLogger("registry"))
	if err != nil {
		return nil, err
	}

	jobs, err := jobqueue.NewRunner(cfg.StatePath("job_queue"), promptJobHandler(client),
		jobqueue.Options{Logger: logging.NewComponentLogger("jobqueue")})
	if err != nil {
		return nil, err
	}

	runner := bench.NewRunner(func(version string) llm.Client {
		return llm.NewOpenAIClient(version, llm.Config{
			BaseURL: cfg.Inference.BaseURL,
			APIKey:  cfg.Inference.APIKey,
			Timeout: cfg.Inference.Timeout(),
		})
	}, cfg.StatePath("benchmarks", "runs"), bench.Options{
		Logger: logging.NewComponentLogger("bench"),
	})

	packager := bundle.NewPackager(cfg.StatePath("bundles"), bundle.Options{
		Logger: logging.NewComponentLogger("bundle"),
	})
	deployer, err := deploy.NewManager(cfg.StatePath("deployment_history"), deploy.Options{
		Logger: logging.NewComponentLogger("deploy"),
	})
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(runner, packager, deployer, reg, cfg.Selector,
		func(version string) string { return cfg.StatePath("models", version) },
		pipeline.Options{
			FallbackCandidate: cfg.Inference.Model,
			Logger:            logging.NewComponentLogger("pipeline"),
		})

	return &app{
		cfg:       cfg,
		client:    client,
		store:     store,
		channel:   channel,
		reminders: reminders,
		registry:  reg,
		jobs:      jobs,
		pipeline:  pipe,
		runner:    runner,
	}, nil
}

// promptJobHandler executes "prompt" jobs against the backend and
// writes the reply as the job artifact.
func promptJobHandler(client llm.Client) jobqueue.Handler {
	return func(ctx context.Context, job jobqueue.Job, outputDir string) ([]string, error) {
		var payload struct {
			Prompt string `json:"prompt"`
		}
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, err
			}
		}
		if payload.Prompt == "" {
			return nil, fmt.Errorf("job %s has no prompt", job.ID)
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		resp, err := client.Complete(callCtx, llm.CompletionRequest{
			Messages:  []llm.Message{{Role: "user", Content: payload.Prompt}},
			MaxTokens: 2048,
		})
		if err != nil {
			return nil, err
		}

		artifact := filepath.Join(outputDir, "response.md")
		if err := os.WriteFile(artifact, []byte(resp.Content), 0o644); err != nil {
			return nil, err
		}
		return []string{artifact}, nil
	}
}
