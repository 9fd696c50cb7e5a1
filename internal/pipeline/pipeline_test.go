package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milton/internal/bench"
	"milton/internal/bundle"
	"milton/internal/config"
	"milton/internal/deploy"
	miltonerrors "milton/internal/errors"
	"milton/internal/registry"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
}

func selectorConfig() config.SelectorConfig {
	return config.SelectorConfig{
		Weights:        config.Weights{Latency: 0.25, Throughput: 0.25, Cove: 0.25, Retrieval: 0.25},
		CoveMin:        0.90,
		RetrievalF1Min: 0.50,
		LatencyCapMS:   1000,
	}
}

func writeRunFile(t *testing.T, candidates []bench.Candidate) string {
	t.Helper()
	run := bench.Run{
		RunID:      "benchmark_20260126_100000",
		Candidates: candidates,
		StartedAt:  fixedNow(),
		FinishedAt: fixedNow(),
	}
	data, err := json.Marshal(run)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), run.RunID+".json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func candidate(version string, cove float64) bench.Candidate {
	ok := func(v float64) bench.MetricResult {
		return bench.MetricResult{Value: v, Status: bench.StatusOK}
	}
	return bench.Candidate{
		ModelVersion: version,
		Metrics: map[string]bench.MetricResult{
			bench.MetricLatencyMS:       ok(200),
			bench.MetricTokensPerSecond: ok(50),
			bench.MetricCovePassRate:    ok(cove),
			bench.MetricRetrievalF1:     ok(0.8),
		},
	}
}

type testFixture struct {
	pipeline *Pipeline
	registry *registry.Registry
	modelDir string
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	modelDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "tokenizer.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "model.gguf"), []byte("weights"), 0o644))

	reg, err := registry.New(t.TempDir(), nil)
	require.NoError(t, err)
	packager := bundle.NewPackager(t.TempDir(), bundle.Options{Now: fixedNow})
	deployer, err := deploy.NewManager(t.TempDir(), deploy.Options{Now: fixedNow})
	require.NoError(t, err)

	p := New(nil, packager, deployer, reg, selectorConfig(),
		func(string) string { return modelDir },
		Options{Now: fixedNow})

	return &testFixture{pipeline: p, registry: reg, modelDir: modelDir}
}

func TestRunDeploysSelectedCandidate(t *testing.T) {
	f := newFixture(t)
	runFile := writeRunFile(t, []bench.Candidate{
		candidate("tinyllama-v1", 1.00),
		candidate("tinyllama-v2", 0.88),
	})
	target := filepath.Join(t.TempDir(), "active")

	outcome, err := f.pipeline.Run(context.Background(), RunOptions{
		BenchmarkFile: runFile,
		TargetPath:    target,
	})
	require.NoError(t, err)

	assert.Equal(t, "tinyllama-v1", outcome.Selected)
	assert.NotEmpty(t, outcome.DeployID)
	_, err = os.Stat(filepath.Join(target, "config.json"))
	require.NoError(t, err)

	active, err := f.registry.ActiveEntry()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "tinyllama-v1", active.Version)
	assert.Equal(t, 1.00, active.Metrics[bench.MetricCovePassRate])
}

func TestRunAllCandidatesRejected(t *testing.T) {
	f := newFixture(t)
	runFile := writeRunFile(t, []bench.Candidate{candidate("v1", 0.88)})

	_, err := f.pipeline.Run(context.Background(), RunOptions{BenchmarkFile: runFile})
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindThresholdRejected, miltonerrors.KindOf(err))
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)
	runFile := writeRunFile(t, []bench.Candidate{candidate("v1", 0.95)})
	target := filepath.Join(t.TempDir(), "active")

	outcome, err := f.pipeline.Run(context.Background(), RunOptions{
		BenchmarkFile: runFile,
		TargetPath:    target,
		DryRun:        true,
	})
	require.NoError(t, err)
	assert.True(t, outcome.DryRun)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))

	active, err := f.registry.ActiveEntry()
	require.NoError(t, err)
	assert.Nil(t, active, "dry run must not flip the registry")
}

func TestRunWithoutTargetOnlyPackages(t *testing.T) {
	f := newFixture(t)
	runFile := writeRunFile(t, []bench.Candidate{candidate("v1", 0.95)})

	outcome, err := f.pipeline.Run(context.Background(), RunOptions{BenchmarkFile: runFile})
	require.NoError(t, err)

	assert.Empty(t, outcome.DeployID)
	_, err = os.Stat(outcome.BundlePath)
	require.NoError(t, err)

	manifest, err := bundle.ExtractManifest(outcome.BundlePath)
	require.NoError(t, err)
	assert.Equal(t, "v1", manifest.Version)
}

func TestTryRunSkipsWhenBusy(t *testing.T) {
	f := newFixture(t)

	f.pipeline.running.Lock()
	outcome, ran, err := f.pipeline.TryRun(context.Background(), RunOptions{})
	f.pipeline.running.Unlock()

	require.NoError(t, err)
	assert.False(t, ran)
	assert.Nil(t, outcome)
}

func TestRunNoCandidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindNoCandidate, miltonerrors.KindOf(err))
}
