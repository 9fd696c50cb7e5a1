package bundle

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	miltonerrors "milton/internal/errors"
	"milton/internal/registry"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 26, 10, 0, 0, 0, time.UTC)
}

func testModelDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"hidden_size": 2048}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.gguf"), []byte("weights"), 0o644))
	return dir
}

func testEntry() registry.Entry {
	return registry.Entry{
		Version:   "tinyllama-v1",
		BaseModel: "tinyllama-1.1b",
		ModelPath: "/models/tinyllama-v1",
		Timestamp: fixedNow(),
	}
}

func createTestBundle(t *testing.T) string {
	t.Helper()
	p := NewPackager(t.TempDir(), Options{Now: fixedNow})
	path, err := p.Create(testModelDir(t), testEntry(), map[string]any{"run_id": "benchmark_20260126_100000"})
	require.NoError(t, err)
	return path
}

func TestCreateBundleNameAndManifest(t *testing.T) {
	path := createTestBundle(t)
	assert.Equal(t, "milton_edge_bundle_tinyllama-v1_20260126_100000.tar.gz", filepath.Base(path))

	manifest, err := ExtractManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "tinyllama-v1", manifest.Version)
	assert.Equal(t, "sha256", manifest.ChecksumAlgo)
	assert.NotEmpty(t, manifest.BundleID)
	// 3 model files + registry_entry.json + benchmark_summary.json.
	assert.Equal(t, 5, manifest.FileCount)
	assert.Greater(t, manifest.TotalBytes, int64(0))
}

func readMembers(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestBundleMemberOrderMatchesChecksums(t *testing.T) {
	path := createTestBundle(t)
	members := readMembers(t, path)

	require.NotEmpty(t, members)
	assert.Equal(t, ChecksumFile, members[len(members)-1])

	payload := members[:len(members)-1]
	assert.True(t, sort.StringsAreSorted(payload), "payload members must follow checksum order: %v", payload)
	assert.Contains(t, payload, ManifestFile)
	assert.Contains(t, payload, "registry_entry.json")
	assert.Contains(t, payload, "benchmark_summary.json")
}

func TestExtractAndVerifyChecksums(t *testing.T) {
	path := createTestBundle(t)
	dest := t.TempDir()
	require.NoError(t, Extract(path, dest))

	require.NoError(t, VerifyChecksums(dest))

	// Checksums cover the manifest too.
	data, err := os.ReadFile(filepath.Join(dest, ChecksumFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "  "+ManifestFile)
}

func TestVerifyChecksumsDetectsTamper(t *testing.T) {
	path := createTestBundle(t)
	dest := t.TempDir()
	require.NoError(t, Extract(path, dest))

	require.NoError(t, os.WriteFile(filepath.Join(dest, "model.gguf"), []byte("tampered"), 0o644))

	err := VerifyChecksums(dest)
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindChecksumMismatch, miltonerrors.KindOf(err))
	assert.Contains(t, err.Error(), "model.gguf")
}

func TestVerifyChecksumsMissingFile(t *testing.T) {
	path := createTestBundle(t)
	dest := t.TempDir()
	require.NoError(t, Extract(path, dest))

	require.NoError(t, os.Remove(filepath.Join(dest, "tokenizer.json")))

	err := VerifyChecksums(dest)
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindChecksumMismatch, miltonerrors.KindOf(err))
}

func TestChecksumLineFormat(t *testing.T) {
	path := createTestBundle(t)
	dest := t.TempDir()
	require.NoError(t, Extract(path, dest))

	data, err := os.ReadFile(filepath.Join(dest, ChecksumFile))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	var rels []string
	for _, line := range lines {
		parts := strings.SplitN(line, "  ", 2)
		require.Len(t, parts, 2, "line %q", line)
		assert.Len(t, parts[0], 64, "sha256 hex digest")
		rels = append(rels, parts[1])
	}
	assert.True(t, sort.StringsAreSorted(rels))
	assert.NotContains(t, rels, ChecksumFile)
}

func TestCreateRejectsMissingModelDir(t *testing.T) {
	p := NewPackager(t.TempDir(), Options{Now: fixedNow})
	_, err := p.Create(filepath.Join(t.TempDir(), "nope"), testEntry(), nil)
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindValidation, miltonerrors.KindOf(err))
}

func TestCreateRejectsEmptyVersion(t *testing.T) {
	p := NewPackager(t.TempDir(), Options{Now: fixedNow})
	_, err := p.Create(testModelDir(t), registry.Entry{}, nil)
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindValidation, miltonerrors.KindOf(err))
}

func TestExtractManifestNotATarball(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("not a tarball"), 0o644))

	_, err := ExtractManifest(path)
	require.Error(t, err)
	assert.Equal(t, miltonerrors.KindBundleMalformed, miltonerrors.KindOf(err))
}
