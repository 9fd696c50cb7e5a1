package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	miltonerrors "milton/internal/errors"
)

// tierIndex is the lifecycle sidecar for the vector collections. The
// vector store answers similarity queries; the index answers "what
// exists, how old is it, how important is it" for eviction, promotion
// and the recent-short-term read path.
type tierIndex struct {
	path    string
	mu      sync.RWMutex
	records map[Tier][]Record
}

func newTierIndex(dir string) (*tierIndex, error) {
	idx := &tierIndex{records: map[Tier][]Record{}}
	if dir == "" {
		return idx, nil
	}
	idx.path = filepath.Join(dir, "index.json")

	data, err := os.ReadFile(idx.path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "read memory index")
	}
	var all []Record
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "decode memory index")
	}
	for _, r := range all {
		idx.records[r.Tier] = append(idx.records[r.Tier], r)
	}
	return idx, nil
}

func (idx *tierIndex) append(r Record) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.records[r.Tier] = append(idx.records[r.Tier], r)
	return idx.persistLocked()
}

func (idx *tierIndex) remove(tier Tier, ids []string) error {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	kept := idx.records[tier][:0]
	for _, r := range idx.records[tier] {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	idx.records[tier] = kept
	return idx.persistLocked()
}

func (idx *tierIndex) list(tier Tier) []Record {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return append([]Record(nil), idx.records[tier]...)
}

// persistLocked writes the full snapshot atomically (temp + rename).
func (idx *tierIndex) persistLocked() error {
	if idx.path == "" {
		return nil
	}
	var all []Record
	for _, tier := range []Tier{TierShort, TierWorking, TierLong} {
		all = append(all, idx.records[tier]...)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "encode memory index")
	}
	tmp := idx.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "write memory index")
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "replace memory index")
	}
	return nil
}
