// Package deploy installs edge bundles onto a target path with
// verification gates and a rollback path. A failed deploy leaves the
// prior target untouched; rollback is always an explicit operation.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"milton/internal/bundle"
	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Record statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusDryRun  = "dry_run"
)

// ReasonRollback marks the success record appended by Rollback.
const ReasonRollback = "rollback"

const loadTestBudget = 10 * time.Second

// weightSuffixes identify model weight files for the load test.
var weightSuffixes = []string{".gguf", ".safetensors", ".bin", ".pt"}

// DeploymentRecord is one history entry. Ids embed milliseconds so
// rapid consecutive deploys of the same version stay distinct.
type DeploymentRecord struct {
	ID               string    `json:"id"`
	BundleID         string    `json:"bundle_id"`
	Version          string    `json:"version"`
	BundlePath       string    `json:"bundle_path"`
	TargetPath       string    `json:"target_path"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	ChecksumVerified bool      `json:"checksum_verified"`
	LoadTestPassed   bool      `json:"load_test_passed"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// DeployOptions control the verification gates.
type DeployOptions struct {
	DryRun          bool
	VerifyChecksums bool
	RunLoadTest     bool
	Replace         bool
}

// Manager performs deployments and keeps the history.
type Manager struct {
	historyDir string
	logger     logging.Logger
	now        func() time.Time
}

// Options tune manager construction.
type Options struct {
	Logger logging.Logger
	Now    func() time.Time
}

// NewManager creates a manager writing records under historyDir
// (typically <state>/deployment_history).
func NewManager(historyDir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(historyDir, 0o755); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create history dir")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{historyDir: historyDir, logger: logging.OrNop(opts.Logger), now: now}, nil
}

// Deploy installs bundlePath at targetPath. The scratch directory lives
// next to the target so the final rename stays on one filesystem.
func (m *Manager) Deploy(ctx context.Context, bundlePath, targetPath string, opts DeployOptions) (*DeploymentRecord, error) {
	manifest, err := m.preflight(bundlePath)
	if err != nil {
		return nil, err
	}

	checksumVerified := false
	loadTestPassed := false
	record := func(status, errMsg string) *DeploymentRecord {
		rec := &DeploymentRecord{
			ID:               m.recordID(manifest.Version),
			BundleID:         manifest.BundleID,
			Version:          manifest.Version,
			BundlePath:       bundlePath,
			TargetPath:       targetPath,
			Status:           status,
			ChecksumVerified: checksumVerified,
			LoadTestPassed:   loadTestPassed,
			Error:            errMsg,
			Timestamp:        m.now().UTC(),
		}
		if err := m.appendRecord(rec); err != nil {
			m.logger.Error("failed to append deployment record %s: %v", rec.ID, err)
		}
		return rec
	}

	parent := filepath.Dir(targetPath)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create target parent")
	}
	scratch, err := os.MkdirTemp(parent, ".milton-deploy-*")
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create scratch dir")
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(scratch)
		}
	}()

	if err := bundle.Extract(bundlePath, scratch); err != nil {
		record(StatusFailed, err.Error())
		return nil, err
	}

	if opts.VerifyChecksums {
		if err := bundle.VerifyChecksums(scratch); err != nil {
			record(StatusFailed, err.Error())
			return nil, err
		}
		checksumVerified = true
	}

	if opts.RunLoadTest {
		if err := m.loadTest(ctx, scratch); err != nil {
			record(StatusFailed, err.Error())
			return nil, err
		}
		loadTestPassed = true
	}

	if opts.DryRun {
		m.logger.Info("dry run: bundle %s validates for target %s", filepath.Base(bundlePath), targetPath)
		return record(StatusDryRun, ""), nil
	}

	if _, err := os.Stat(targetPath); err == nil {
		if !opts.Replace {
			err := miltonerrors.Newf(miltonerrors.KindDeploymentExists, "target %s already exists", targetPath)
			record(StatusFailed, err.Error())
			return nil, err
		}
		prev := targetPath + ".prev"
		if err := os.RemoveAll(prev); err != nil {
			record(StatusFailed, err.Error())
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "clear previous backup")
		}
		if err := os.Rename(targetPath, prev); err != nil {
			record(StatusFailed, err.Error())
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "back up current target")
		}
	}

	if err := os.Rename(scratch, targetPath); err != nil {
		record(StatusFailed, err.Error())
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "install target")
	}
	cleanup = false

	m.logger.Info("deployed %s to %s", manifest.Version, targetPath)
	return record(StatusSuccess, ""), nil
}

// Rollback restores the most recent successful deployment whose target
// still has its .prev backup. The displaced current target becomes the
// new .prev so rollback itself can be undone.
func (m *Manager) Rollback() (*DeploymentRecord, error) {
	records, err := m.History()
	if err != nil {
		return nil, err
	}

	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Status != StatusSuccess || rec.Reason == ReasonRollback {
			continue
		}
		prev := rec.TargetPath + ".prev"
		if _, err := os.Stat(prev); err != nil {
			return nil, miltonerrors.Newf(miltonerrors.KindNoCandidate,
				"no backup at %s for deployment %s", prev, rec.ID)
		}

		displaced := rec.TargetPath + ".rollback-tmp"
		if err := os.Rename(rec.TargetPath, displaced); err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "displace current target")
		}
		if err := os.Rename(prev, rec.TargetPath); err != nil {
			// Put the displaced target back so we never leave a hole.
			os.Rename(displaced, rec.TargetPath)
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "restore backup")
		}
		if err := os.Rename(displaced, prev); err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "preserve displaced target")
		}

		rollback := &DeploymentRecord{
			ID:         m.recordID(rec.Version),
			BundleID:   rec.BundleID,
			Version:    rec.Version,
			BundlePath: rec.BundlePath,
			TargetPath: rec.TargetPath,
			Status:     StatusSuccess,
			Reason:     ReasonRollback,
			Timestamp:  m.now().UTC(),
		}
		if err := m.appendRecord(rollback); err != nil {
			return nil, err
		}
		m.logger.Info("rolled back %s at %s", rec.Version, rec.TargetPath)
		return rollback, nil
	}

	return nil, miltonerrors.New(miltonerrors.KindNoCandidate, "no successful deployment to roll back")
}

// History returns all records ordered oldest first.
func (m *Manager) History() ([]DeploymentRecord, error) {
	entries, err := os.ReadDir(m.historyDir)
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "list deployment history")
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "deploy_") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	records := make([]DeploymentRecord, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(m.historyDir, name))
		if err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "read deployment record")
		}
		var rec DeploymentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "decode deployment record")
		}
		records = append(records, rec)
	}
	return records, nil
}

func (m *Manager) preflight(bundlePath string) (*bundle.Manifest, error) {
	if _, err := os.Stat(bundlePath); err != nil {
		return nil, miltonerrors.Newf(miltonerrors.KindValidation, "bundle %s not found", bundlePath)
	}
	manifest, err := bundle.ExtractManifest(bundlePath)
	if err != nil {
		return nil, err
	}
	if manifest.Version == "" {
		return nil, miltonerrors.New(miltonerrors.KindBundleMalformed, "manifest has no version")
	}
	return manifest, nil
}

// loadTest sanity-checks the extracted model: parseable config.json, a
// tokenizer file, and at least one weight file.
func (m *Manager) loadTest(ctx context.Context, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, loadTestBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- checkModelDir(dir) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return miltonerrors.Wrap(ctx.Err(), miltonerrors.KindLoadTestFailed, "load test exceeded budget")
	}
}

func checkModelDir(dir string) error {
	configData, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindLoadTestFailed, "model config.json missing")
	}
	var cfg map[string]any
	if err := json.Unmarshal(configData, &cfg); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindLoadTestFailed, "model config.json is not valid JSON")
	}

	hasTokenizer := false
	for _, name := range []string{"tokenizer.json", "tokenizer.model"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			hasTokenizer = true
			break
		}
	}
	if !hasTokenizer {
		return miltonerrors.New(miltonerrors.KindLoadTestFailed, "no tokenizer file in model dir")
	}

	hasWeights := false
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		for _, suffix := range weightSuffixes {
			if strings.HasSuffix(d.Name(), suffix) {
				hasWeights = true
			}
		}
		return nil
	})
	if walkErr != nil {
		return miltonerrors.Wrap(walkErr, miltonerrors.KindLoadTestFailed, "scan model dir")
	}
	if !hasWeights {
		return miltonerrors.New(miltonerrors.KindLoadTestFailed, "no weight files in model dir")
	}
	return nil
}

func (m *Manager) recordID(version string) string {
	now := m.now().UTC()
	return fmt.Sprintf("deploy_%s_%s_%03d", version, now.Format("20060102_150405"), now.Nanosecond()/1e6)
}

func (m *Manager) appendRecord(rec *DeploymentRecord) error {
	// Rapid calls within the same millisecond get a numbered suffix.
	base := rec.ID
	for i := 1; ; i++ {
		path := filepath.Join(m.historyDir, rec.ID+".json")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			rec.ID = fmt.Sprintf("%s-%d", base, i)
			continue
		}
		if err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "write deployment record")
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			f.Close()
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode deployment record")
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return miltonerrors.Wrap(err, miltonerrors.KindIO, "write deployment record")
		}
		return f.Close()
	}
}
