package deploy

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milton/internal/bundle"
	miltonerrors "milton/internal/errors"
	"milton/internal/registry"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
}

func makeBundle(t *testing.T, version string, files map[string]string) string {
	t.Helper()
	modelDir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(modelDir, name), []byte(content), 0o644))
	}
	p := bundle.NewPackager(t.TempDir(), bundle.Options{Now: fixedNow})
	path, err := p.Create(modelDir, registry.Entry{
		Version:   version,
		BaseModel: "tinyllama-1.1b",
		ModelPath: modelDir,
		Timestamp: fixedNow(),
	}, map[string]any{"run_id": "benchmark_20260126_100000"})
	require.NoError(t, err)
	return path
}

func validFiles() map[string]string {
	return map[string]string{
		"config.json":    `{"hidden_size": 2048}`,
		"tokenizer.json": `{}`,
		"model.gguf":     "weights-v1",
	}
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "deployment_history"), Options{Now: fixedNow})
	require.NoError(t, err)
	return m
}

func allGates() DeployOptions {
	return DeployOptions{VerifyChecksums: true, RunLoadTest: true}
}

func TestDeployHappyPath(t *testing.T) {
	m := newManager(t)
	bundlePath := makeBundle(t, "v1", validFiles())
	target := filepath.Join(t.TempDir(), "models", "active")

	rec, err := m.Deploy(context.Background(), bundlePath, target, allGates())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, "v1", rec.Version)
	assert.True(t, strings.HasPrefix(rec.ID, "deploy_v1_"))
	assert.NotEmpty(t, rec.BundleID)
	assert.True(t, rec.ChecksumVerified, "checksum gate ran and passed")
	assert.True(t, rec.LoadTestPassed, "load test gate ran and passed")

	_, err = os.Stat(filepath.Join(target, "config.json"))
	require.NoError(t, err)

	history, err := m.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusSuccess, history[0].Status)
	assert.True(t, history[0].ChecksumVerified)
	assert.True(t, history[0].LoadTestPassed)
}

func TestDeploySkippedGatesStayUnverified(t *testing.T) {
	m := newManager(t)
	bundlePath := makeBundle(t, "v1", validFiles())
	target := filepath.Join(t.TempDir(), "active")

	rec, err := m.Deploy(context.Background(), bundlePath, target, DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.False(t, rec.ChecksumVerified, "gate did not run")
	assert.False(t, rec.LoadTestPassed, "gate did not run")
}

func TestDeployDryRun(t *testing.T) {
	m := newManager(t)
	bundlePath := makeBundle(t, "v1", validFiles())
	target := filepath.Join(t.TempDir(), "active")

	rec, err := m.Deploy(context.Background(), bundlePath, target, DeployOptions{
		DryRun: true, VerifyChecksums: true, RunLoadTest: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, rec.Status)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err), "dry run must not install")
}

func TestDeployExistingTargetWithoutReplace(t *testing.T) {
	m := newManager(t)
	bundlePath := makeBundle(t, "v1", validFiles())
	target := filepath.Join(t.TempDir(), "active")
	require.NoError(t, os.MkdirAll(target, 0o755))

	_, err := m.Deploy(context.Background(), bundlePath, target, allGates())
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindDeploymentExists, miltonerrors.KindOf(err))

	history, err := m.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
}

func TestDeployReplaceKeepsPrev(t *testing.T) {
	m := newManager(t)
	target := filepath.Join(t.TempDir(), "active")

	files1 := validFiles()
	_, err := m.Deploy(context.Background(), makeBundle(t, "v1", files1), target, allGates())
	require.NoError(t, err)

	files2 := validFiles()
	files2["model.gguf"] = "weights-v2"
	opts := allGates()
	opts.Replace = true
	_, err = m.Deploy(context.Background(), makeBundle(t, "v2", files2), target, opts)
	require.NoError(t, err)

	current, err := os.ReadFile(filepath.Join(target, "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "weights-v2", string(current))

	prev, err := os.ReadFile(filepath.Join(target+".prev", "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "weights-v1", string(prev))
}

func TestRollbackSwapsPrev(t *testing.T) {
	m := newManager(t)
	target := filepath.Join(t.TempDir(), "active")

	_, err := m.Deploy(context.Background(), makeBundle(t, "v1", validFiles()), target, allGates())
	require.NoError(t, err)

	files2 := validFiles()
	files2["model.gguf"] = "weights-v2"
	opts := allGates()
	opts.Replace = true
	_, err = m.Deploy(context.Background(), makeBundle(t, "v2", files2), target, opts)
	require.NoError(t, err)

	rec, err := m.Rollback()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Equal(t, ReasonRollback, rec.Reason)

	current, err := os.ReadFile(filepath.Join(target, "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "weights-v1", string(current), "rollback restores the backup")

	prev, err := os.ReadFile(filepath.Join(target+".prev", "model.gguf"))
	require.NoError(t, err)
	assert.Equal(t, "weights-v2", string(prev), "displaced target is preserved")
}

func TestRollbackWithoutBackup(t *testing.T) {
	m := newManager(t)
	target := filepath.Join(t.TempDir(), "active")

	_, err := m.Deploy(context.Background(), makeBundle(t, "v1", validFiles()), target, allGates())
	require.NoError(t, err)

	_, err = m.Rollback()
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindNoCandidate, miltonerrors.KindOf(err))
}

func TestRollbackEmptyHistory(t *testing.T) {
	m := newManager(t)
	_, err := m.Rollback()
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindNoCandidate, miltonerrors.KindOf(err))
}

// tamperBundle rewrites the archive flipping the content of one member
// while keeping SHA256SUMS as recorded.
func tamperBundle(t *testing.T, bundlePath, member string) string {
	t.Helper()
	in, err := os.Open(bundlePath)
	require.NoError(t, err)
	defer in.Close()
	gzIn, err := gzip.NewReader(in)
	require.NoError(t, err)
	tr := tar.NewReader(gzIn)

	out := filepath.Join(t.TempDir(), "tampered.tar.gz")
	f, err := os.Create(out)
	require.NoError(t, err)
	defer f.Close()
	gzOut := gzip.NewWriter(f)
	tw := tar.NewWriter(gzOut)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = io.Copy(&buf, tr)
		require.NoError(t, err)

		content := buf.Bytes()
		if hdr.Name == member {
			content = []byte("tampered-content")
			hdr.Size = int64(len(content))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err = tw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzOut.Close())
	return out
}

func TestDeployChecksumMismatchAborts(t *testing.T) {
	m := newManager(t)
	tampered := tamperBundle(t, makeBundle(t, "v1", validFiles()), "model.gguf")
	parent := t.TempDir()
	target := filepath.Join(parent, "active")

	_, err := m.Deploy(context.Background(), tampered, target, allGates())
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindChecksumMismatch, miltonerrors.KindOf(err))

	// Nothing installed and the scratch dir is gone.
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries)

	history, err := m.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusFailed, history[0].Status)
	assert.Contains(t, history[0].Error, "checksum mismatch")
}

func TestDeployLoadTestFailure(t *testing.T) {
	m := newManager(t)
	// No tokenizer file.
	bundlePath := makeBundle(t, "v1", map[string]string{
		"config.json": `{}`,
		"model.gguf":  "weights",
	})
	target := filepath.Join(t.TempDir(), "active")

	_, err := m.Deploy(context.Background(), bundlePath, target, allGates())
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindLoadTestFailed, miltonerrors.KindOf(err))
}

func TestDeployMissingBundle(t *testing.T) {
	m := newManager(t)
	_, err := m.Deploy(context.Background(), filepath.Join(t.TempDir(), "ghost.tar.gz"), t.TempDir(), DeployOptions{})
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindValidation, miltonerrors.KindOf(err))
}

func TestRecordIDsUniqueUnderRapidCalls(t *testing.T) {
	m := newManager(t)
	bundlePath := makeBundle(t, "v1", validFiles())

	base := t.TempDir()
	rec1, err := m.Deploy(context.Background(), bundlePath, filepath.Join(base, "a"), DeployOptions{})
	require.NoError(t, err)
	rec2, err := m.Deploy(context.Background(), bundlePath, filepath.Join(base, "b"), DeployOptions{})
	require.NoError(t, err)

	// The frozen clock forces the millisecond collision path.
	assert.NotEqual(t, rec1.ID, rec2.ID)

	history, err := m.History()
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
