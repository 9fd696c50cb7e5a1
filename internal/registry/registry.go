// Package registry maintains the append-only JSON ledger of model
// versions. Writers hold an advisory lock file; the ledger itself is
// replaced atomically (temp + rename) so readers never observe a torn
// file.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	miltonerrors "milton/internal/errors"
	"milton/internal/logging"
)

// Entry is one ledger row.
type Entry struct {
	Version       string             `json:"version"`
	BaseModel     string             `json:"base_model"`
	DistilledFrom string             `json:"distilled_from,omitempty"`
	Quantization  string             `json:"quantization,omitempty"`
	ModelPath     string             `json:"model_path"`
	Timestamp     time.Time          `json:"timestamp"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	Active        bool               `json:"active"`
	LastGood      bool               `json:"last_good"`
	CommitHash    string             `json:"commit_hash,omitempty"`
}

// Registry wraps models/registry.json.
type Registry struct {
	path     string
	lockPath string
	logger   logging.Logger
}

// New creates a registry rooted at dir (typically <state>/models).
func New(dir string, logger logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create registry dir")
	}
	return &Registry{
		path:     filepath.Join(dir, "registry.json"),
		lockPath: filepath.Join(dir, "registry.lock"),
		logger:   logging.OrNop(logger),
	}, nil
}

// Path returns the ledger file location.
func (r *Registry) Path() string {
	return r.path
}

// List returns every entry in append order.
func (r *Registry) List() ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "read registry")
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindRegistryConflict, "registry file corrupt")
	}
	return entries, nil
}

// Append adds a new entry. A duplicate version is a conflict. A new
// entry never arrives active; activation is a separate step.
func (r *Registry) Append(entry Entry) error {
	return r.update(func(entries []Entry) ([]Entry, error) {
		for _, e := range entries {
			if e.Version == entry.Version {
				return nil, miltonerrors.Newf(miltonerrors.KindRegistryConflict, "version %s already registered", entry.Version)
			}
		}
		entry.Active = false
		entry.LastGood = false
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		return append(entries, entry), nil
	})
}

// SetActive marks version active. The previously active entry becomes
// last_good; the very first activation anchors last_good on the
// activated entry itself, so an active ledger always has a rollback
// anchor. At most one entry holds each flag.
func (r *Registry) SetActive(version string) error {
	return r.update(func(entries []Entry) ([]Entry, error) {
		target := -1
		for i := range entries {
			if entries[i].Version == version {
				target = i
			}
		}
		if target < 0 {
			return nil, miltonerrors.Newf(miltonerrors.KindNoCandidate, "version %s not in registry", version)
		}

		for i := range entries {
			if entries[i].Active && i != target {
				entries[i].Active = false
				// Prior active becomes the rollback anchor.
				for j := range entries {
					entries[j].LastGood = false
				}
				entries[i].LastGood = true
			}
		}
		entries[target].Active = true

		anchored := false
		for i := range entries {
			if entries[i].LastGood {
				anchored = true
			}
		}
		if !anchored {
			entries[target].LastGood = true
		}
		return entries, nil
	})
}

// ActiveEntry returns the active entry, or nil.
func (r *Registry) ActiveEntry() (*Entry, error) {
	return r.find(func(e Entry) bool { return e.Active })
}

// LastGoodEntry returns the last-good entry, or nil.
func (r *Registry) LastGoodEntry() (*Entry, error) {
	return r.find(func(e Entry) bool { return e.LastGood })
}

func (r *Registry) find(match func(Entry) bool) (*Entry, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if match(entries[i]) {
			e := entries[i]
			return &e, nil
		}
	}
	return nil, nil
}

func (r *Registry) update(mutate func([]Entry) ([]Entry, error)) error {
	unlock, err := acquireLock(r.lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	entries, err := r.List()
	if err != nil {
		return err
	}
	entries, err = mutate(entries)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode registry")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "write registry")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "replace registry")
	}
	return nil
}
