// Package bundle packages a model directory into a self-describing
// tarball for edge deployment. The archive carries its own checksums so
// the deploy side can verify integrity without any other channel.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
	"milton/internal/registry"
)

const (
	// ChecksumFile lists `hex  relpath` lines, sorted by relpath,
	// covering every regular file in the bundle except itself.
	ChecksumFile = "SHA256SUMS"
	ManifestFile = "manifest.json"
)

// Manifest identifies a bundle and summarizes its contents.
type Manifest struct {
	BundleID     string    `json:"bundle_id"`
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	FileCount    int       `json:"file_count"`
	TotalBytes   int64     `json:"total_bytes"`
	ChecksumAlgo string    `json:"checksum_algo"`
}

// Packager builds bundles under outDir.
type Packager struct {
	outDir string
	logger logging.Logger
	now    func() time.Time
}

// Options tune packager construction.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time
}

// NewPackager creates a packager writing bundles under outDir
// (typically <state>/bundles).
func NewPackager(outDir string, opts Options) *Packager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Packager{outDir: outDir, logger: logging.OrNop(opts.Logger), now: now}
}

// Create stages modelDir, attaches the registry entry and benchmark
// summary, writes checksums and the manifest, and produces the gzip
// tarball. It returns the bundle path.
func (p *Packager) Create(modelDir string, entry registry.Entry, benchSummary any) (string, error) {
	info, err := os.Stat(modelDir)
	if err != nil || !info.IsDir() {
		return "", miltonerrors.Newf(miltonerrors.KindValidation, "model directory %s not found", modelDir)
	}
	if entry.Version == "" {
		return "", miltonerrors.New(miltonerrors.KindValidation, "registry entry has no version")
	}

	staging, err := os.MkdirTemp("", "milton-bundle-*")
	if err != nil {
		return "", miltonerrors.Wrap(err, miltonerrors.KindIO, "create staging dir")
	}
	defer os.RemoveAll(staging)

	if err := copyTree(modelDir, staging); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(staging, "registry_entry.json"), entry); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(staging, "benchmark_summary.json"), benchSummary); err != nil {
		return "", err
	}

	// Manifest counts the payload staged so far; it is itself covered
	// by the checksum file written afterwards.
	files, totalBytes, err := listFiles(staging)
	if err != nil {
		return "", err
	}
	created := p.now().UTC()
	manifest := Manifest{
		BundleID:     uuid.NewString(),
		Version:      entry.Version,
		CreatedAt:    created,
		FileCount:    len(files),
		TotalBytes:   totalBytes,
		ChecksumAlgo: "sha256",
	}
	if err := writeJSON(filepath.Join(staging, ManifestFile), manifest); err != nil {
		return "", err
	}

	order, err := writeChecksums(staging)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return "", miltonerrors.Wrap(err, miltonerrors.KindIO, "create bundle dir")
	}
	name := fmt.Sprintf("milton_edge_bundle_%s_%s.tar.gz", entry.Version, created.Format("20060102_150405"))
	bundlePath := filepath.Join(p.outDir, name)

	if err := writeTarball(bundlePath, staging, append(order, ChecksumFile)); err != nil {
		return "", err
	}

	p.logger.Info("bundle %s created at %s (%d files, %d bytes)",
		manifest.BundleID, bundlePath, manifest.FileCount, manifest.TotalBytes)
	return bundlePath, nil
}

// ExtractManifest streams the tarball headers and returns only the
// manifest, without unpacking anything to disk.
func ExtractManifest(bundlePath string) (*Manifest, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "open bundle")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindBundleMalformed, "bundle is not gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindBundleMalformed, "read bundle")
		}
		if filepath.Clean(hdr.Name) != ManifestFile {
			continue
		}
		var manifest Manifest
		if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindBundleMalformed, "decode manifest")
		}
		return &manifest, nil
	}
	return nil, miltonerrors.New(miltonerrors.KindBundleMalformed, "bundle has no manifest.json")
}

// Extract unpacks the whole bundle into destDir. Paths escaping destDir
// are rejected.
func Extract(bundlePath, destDir string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "open bundle")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindBundleMalformed, "bundle is not gzip")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindBundleMalformed, "read bundle")
		}

		rel := filepath.Clean(hdr.Name)
		if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return miltonerrors.Newf(miltonerrors.KindBundleMalformed, "unsafe path %q in bundle", hdr.Name)
		}
		dest := filepath.Join(destDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return miltonerrors.Wrap(err, miltonerrors.KindIO, "create dir")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return miltonerrors.Wrap(err, miltonerrors.KindIO, "create dir")
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return miltonerrors.Wrap(err, miltonerrors.KindIO, "create file")
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return miltonerrors.Wrap(err, miltonerrors.KindIO, "extract file")
			}
			if err := out.Close(); err != nil {
				return miltonerrors.Wrap(err, miltonerrors.KindIO, "close file")
			}
		default:
			return miltonerrors.Newf(miltonerrors.KindBundleMalformed, "unsupported entry type %d for %q", hdr.Typeflag, hdr.Name)
		}
	}
}

// VerifyChecksums recomputes every digest listed in dir's checksum file
// and returns the first mismatch.
func VerifyChecksums(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindBundleMalformed, "read checksum file")
	}

	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "  ", 2)
		if len(parts) != 2 {
			return miltonerrors.Newf(miltonerrors.KindBundleMalformed, "malformed checksum line %q", line)
		}
		want, rel := parts[0], parts[1]

		got, err := fileDigest(filepath.Join(dir, rel))
		if err != nil {
			return miltonerrors.Wrapf(err, miltonerrors.KindChecksumMismatch, "file %s listed in checksums is unreadable", rel)
		}
		if got != want {
			return miltonerrors.Newf(miltonerrors.KindChecksumMismatch, "checksum mismatch for %s: want %s got %s", rel, want, got)
		}
	}
	return nil
}

// writeChecksums writes the checksum file and returns the relpath order
// it recorded.
func writeChecksums(dir string) ([]string, error) {
	files, _, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var b strings.Builder
	for _, rel := range files {
		digest, err := fileDigest(filepath.Join(dir, rel))
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%s  %s\n", digest, rel)
	}
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte(b.String()), 0o644); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "write checksum file")
	}
	return files, nil
}

// listFiles returns the relative paths of every regular file under dir,
// excluding the checksum file, plus their total size.
func listFiles(dir string) ([]string, int64, error) {
	var files []string
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == ChecksumFile {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, miltonerrors.Wrap(err, miltonerrors.KindIO, "walk staging dir")
	}
	sort.Strings(files)
	return files, total, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", miltonerrors.Wrap(err, miltonerrors.KindIO, "open file for digest")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", miltonerrors.Wrap(err, miltonerrors.KindIO, "digest file")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode "+filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "write "+filepath.Base(path))
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "walk model dir")
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "open source file")
		}
		defer in.Close()
		out, err := os.Create(dest)
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "create staged file")
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "copy staged file")
		}
		return out.Close()
	})
}

// writeTarball archives the named files from dir in exactly the given
// order.
func writeTarball(path, dir string, order []string) error {
	out, err := os.Create(path)
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "create bundle file")
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, rel := range order {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "stat staged file")
		}
		hdr := &tar.Header{
			Name:    rel,
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "write tar header")
		}
		f, err := os.Open(full)
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "open staged file")
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "write tar entry")
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "close tar")
	}
	if err := gz.Close(); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "close gzip")
	}
	return nil
}
