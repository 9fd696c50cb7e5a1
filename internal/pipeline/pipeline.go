// Package pipeline chains the evaluation stages: benchmark the
// candidates, select the best, package it, deploy it, and record it in
// the registry. Runs are serial; an invocation overlapping a run in
// flight is skipped, not queued.
package pipeline

import (
	"context"
	"sync"
	"time"

	"milton/internal/bench"
	"milton/internal/bundle"
	"milton/internal/config"
	"milton/internal/deploy"
	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
	"milton/internal/registry"
	"milton/internal/selector"
)

// Outcome summarizes one pipeline run.
type Outcome struct {
	RunID      string    `json:"run_id"`
	Selected   string    `json:"selected"`
	BundlePath string    `json:"bundle_path"`
	DeployID   string    `json:"deploy_id,omitempty"`
	DryRun     bool      `json:"dry_run"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunOptions control a single pipeline invocation.
type RunOptions struct {
	// Candidates are the model versions to benchmark. Empty falls back
	// to the registry's entries, or the configured model when the
	// registry is empty too.
	Candidates []string
	// BenchmarkFile reuses an existing run file instead of benchmarking.
	BenchmarkFile string
	TargetPath    string
	DryRun        bool
	SkipChecksum  bool
	SkipLoadTest  bool
}

// Pipeline owns the stage wiring.
type Pipeline struct {
	runner   *bench.Runner
	packager *bundle.Packager
	deployer *deploy.Manager
	registry *registry.Registry
	selCfg   config.SelectorConfig

	// modelDirFor maps a selected version to its staged model
	// directory on disk.
	modelDirFor func(version string) string
	fallback    string

	running sync.Mutex
	logger  logging.Logger
	now     func() time.Time
}

// Options tune pipeline construction.
type Options struct {
	// FallbackCandidate benchmarks when neither RunOptions nor the
	// registry provide candidates.
	FallbackCandidate string
	Logger            logging.Logger
	Now               func() time.Time
}

// New wires the pipeline stages together. modelDirFor resolves a
// version to its model directory for packaging.
func New(runner *bench.Runner, packager *bundle.Packager, deployer *deploy.Manager,
	reg *registry.Registry, selCfg config.SelectorConfig,
	modelDirFor func(version string) string, opts Options) *Pipeline {

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		runner:      runner,
		packager:    packager,
		deployer:    deployer,
		registry:    reg,
		selCfg:      selCfg,
		modelDirFor: modelDirFor,
		fallback:    opts.FallbackCandidate,
		logger:      logging.OrNop(opts.Logger),
		now:         now,
	}
}

// TryRun executes the pipeline unless one is already in flight, in
// which case it returns (nil, false, nil).
func (p *Pipeline) TryRun(ctx context.Context, opts RunOptions) (*Outcome, bool, error) {
	if !p.running.TryLock() {
		p.logger.Info("pipeline already running, skipping this invocation")
		return nil, false, nil
	}
	defer p.running.Unlock()

	outcome, err := p.run(ctx, opts)
	return outcome, true, err
}

// Run executes the pipeline, waiting for any run in flight.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	p.running.Lock()
	defer p.running.Unlock()
	return p.run(ctx, opts)
}

func (p *Pipeline) run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	started := p.now()

	run, err := p.benchmarkStage(ctx, opts)
	if err != nil {
		return nil, err
	}

	result, err := selector.Select(run, p.selCfg)
	if err != nil {
		for _, rejection := range result.RejectionSummaries() {
			p.logger.Warn("candidate rejected: %s", rejection)
		}
		return nil, err
	}
	selected := result.Selected.ModelVersion
	p.logger.Info("selected %s (score %.4f) from run %s", selected, result.Selected.Total, run.RunID)

	entry, err := p.registryEntry(selected, result)
	if err != nil {
		return nil, err
	}

	modelDir := p.modelDirFor(selected)
	bundlePath, err := p.packager.Create(modelDir, entry, result)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{
		RunID:      run.RunID,
		Selected:   selected,
		BundlePath: bundlePath,
		DryRun:     opts.DryRun,
		StartedAt:  started.UTC(),
	}

	if opts.TargetPath != "" {
		rec, err := p.deployer.Deploy(ctx, bundlePath, opts.TargetPath, deploy.DeployOptions{
			DryRun:          opts.DryRun,
			VerifyChecksums: !opts.SkipChecksum,
			RunLoadTest:     !opts.SkipLoadTest,
			Replace:         true,
		})
		if err != nil {
			return nil, err
		}
		outcome.DeployID = rec.ID

		if !opts.DryRun {
			if err := p.recordActive(entry); err != nil {
				return nil, err
			}
		}
	}

	outcome.FinishedAt = p.now().UTC()
	return outcome, nil
}

func (p *Pipeline) benchmarkStage(ctx context.Context, opts RunOptions) (*bench.Run, error) {
	if opts.BenchmarkFile != "" {
		return bench.LoadRun(opts.BenchmarkFile)
	}

	candidates := opts.Candidates
	if len(candidates) == 0 {
		entries, err := p.registry.List()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			candidates = append(candidates, e.Version)
		}
	}
	if len(candidates) == 0 && p.fallback != "" {
		candidates = []string{p.fallback}
	}
	if len(candidates) == 0 {
		return nil, miltonerrors.New(miltonerrors.KindNoCandidate, "no candidate versions to benchmark")
	}
	return p.runner.Run(ctx, candidates)
}

// registryEntry builds (or refreshes) the ledger entry for the
// selected version with its benchmark metrics.
func (p *Pipeline) registryEntry(version string, result *selector.Result) (registry.Entry, error) {
	metrics := make(map[string]float64, len(result.Selected.Raw))
	for name, value := range result.Selected.Raw {
		metrics[name] = value
	}

	entries, err := p.registry.List()
	if err != nil {
		return registry.Entry{}, err
	}
	for _, e := range entries {
		if e.Version == version {
			e.Metrics = metrics
			return e, nil
		}
	}

	entry := registry.Entry{
		Version:   version,
		ModelPath: p.modelDirFor(version),
		Timestamp: p.now().UTC(),
		Metrics:   metrics,
	}
	if err := p.registry.Append(entry); err != nil {
		return registry.Entry{}, err
	}
	return entry, nil
}

func (p *Pipeline) recordActive(entry registry.Entry) error {
	if err := p.registry.SetActive(entry.Version); err != nil {
		return err
	}
	p.logger.Info("registry: %s is now active", entry.Version)
	return nil
}
