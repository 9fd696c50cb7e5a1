// Package jobqueue runs the nightly directory queue: pending job files
// under tonight/, processed serially in lexicographic order, archived
// after completion with a provenance record per job.
package jobqueue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Job statuses recorded in provenance.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is one queued unit of work. The id defaults to the file name
// without extension when the payload omits it.
type Job struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Provenance records what a job run produced.
type Provenance struct {
	JobID      string    `json:"job_id"`
	CommitHash string    `json:"commit_hash,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Artifacts  []string  `json:"artifacts"`
}

// Handler executes one job and returns the artifact paths it produced.
type Handler func(ctx context.Context, job Job, outputDir string) ([]string, error)

// Runner drains the queue directory.
type Runner struct {
	root       string
	handler    Handler
	commitHash string
	logger     logging.Logger
	now        func() time.Time
}

// Options tune runner construction.
type Options struct {
	CommitHash string
	Logger     logging.Logger
	Now        func() time.Time
}

// NewRunner creates a runner over root (typically <state>/job_queue).
// tonight/, archive/ and outputs/ are created as needed.
func NewRunner(root string, handler Handler, opts Options) (*Runner, error) {
	for _, sub := range []string{"tonight", "archive", "outputs"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create queue dir")
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		root:       root,
		handler:    handler,
		commitHash: opts.CommitHash,
		logger:     logging.OrNop(opts.Logger),
		now:        now,
	}, nil
}

// Pending lists queued job files in processing order.
func (r *Runner) Pending() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, "tonight"))
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "list pending jobs")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Run processes every pending job serially. A failing job is recorded
// and archived; it never stops the rest of the queue. Archived jobs are
// not picked up again.
func (r *Runner) Run(ctx context.Context) error {
	names, err := r.Pending()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		r.logger.Debug("job queue empty")
		return nil
	}

	r.logger.Info("running %d queued jobs", len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return miltonerrors.Wrap(err, miltonerrors.KindCancelledByClient, "job queue interrupted")
		}
		r.runOne(ctx, name)
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, name string) {
	path := filepath.Join(r.root, "tonight", name)

	job, err := readJob(path)
	if err != nil {
		r.logger.Error("skipping malformed job %s: %v", name, err)
		r.archive(name)
		return
	}
	if job.ID == "" {
		job.ID = strings.TrimSuffix(name, ".json")
	}

	outputDir := filepath.Join(r.root, "outputs", job.ID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		r.logger.Error("cannot create output dir for job %s: %v", job.ID, err)
		return
	}

	prov := Provenance{
		JobID:      job.ID,
		CommitHash: r.commitHash,
		StartedAt:  r.now().UTC(),
		Artifacts:  []string{},
	}

	artifacts, err := r.handler(ctx, job, outputDir)
	prov.FinishedAt = r.now().UTC()
	if err != nil {
		prov.Status = StatusFailed
		prov.Error = err.Error()
		r.logger.Warn("job %s failed: %v", job.ID, err)
	} else {
		prov.Status = StatusCompleted
		prov.Artifacts = artifacts
		r.logger.Info("job %s completed with %d artifacts", job.ID, len(artifacts))
	}

	if err := writeProvenance(filepath.Join(outputDir, "provenance.json"), prov); err != nil {
		r.logger.Error("cannot write provenance for job %s: %v", job.ID, err)
	}
	r.archive(name)
}

func (r *Runner) archive(name string) {
	src := filepath.Join(r.root, "tonight", name)
	dst := filepath.Join(r.root, "archive", name)
	if err := os.Rename(src, dst); err != nil {
		r.logger.Error("cannot archive job file %s: %v", name, err)
	}
}

// ReadProvenance loads the provenance record for a job id.
func (r *Runner) ReadProvenance(jobID string) (*Provenance, error) {
	data, err := os.ReadFile(filepath.Join(r.root, "outputs", jobID, "provenance.json"))
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "read provenance")
	}
	var prov Provenance
	if err := json.Unmarshal(data, &prov); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "decode provenance")
	}
	return &prov, nil
}

func readJob(path string) (Job, error) {
	var job Job
	data, err := os.ReadFile(path)
	if err != nil {
		return job, miltonerrors.Wrap(err, miltonerrors.KindIO, "read job file")
	}
	if err := json.Unmarshal(data, &job); err != nil {
		return job, miltonerrors.Wrap(err, miltonerrors.KindValidation, "decode job file")
	}
	return job, nil
}

func writeProvenance(path string, prov Provenance) error {
	data, err := json.MarshalIndent(prov, "", "  ")
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode provenance")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "write provenance")
	}
	return os.Rename(tmp, path)
}
