package gateway

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	miltonerrors "milton/internal/errors"
)

const dedupHotSize = 4096

// deduper gives at-most-once semantics for externally-delivered inputs
// across restarts: every accepted key is appended to keys.jsonl and
// replayed on startup. The LRU fronts the full set for the hot path.
type deduper struct {
	mu   sync.Mutex
	path string
	all  map[string]struct{}
	hot  *lru.Cache[string, struct{}]
}

type dedupKey struct {
	Key string `json:"key"`
}

func newDeduper(dir string) (*deduper, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create dedup dir")
	}
	hot, err := lru.New[string, struct{}](dedupHotSize)
	if err != nil {
		return nil, miltonerrors.Wrap(err, miltonerrors.KindInternal, "create dedup cache")
	}

	d := &deduper{
		path: filepath.Join(dir, "keys.jsonl"),
		all:  make(map[string]struct{}),
		hot:  hot,
	}
	if err := d.replay(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *deduper) replay() error {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return miltonerrors.Wrap(err, miltonerrors.KindIO, "open dedup key set")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var k dedupKey
		if err := json.Unmarshal(scanner.Bytes(), &k); err != nil || k.Key == "" {
			continue
		}
		d.all[k.Key] = struct{}{}
		d.hot.Add(k.Key, struct{}{})
	}
	return scanner.Err()
}

// seen reports whether key was already accepted, recording it when new.
func (d *deduper) seen(key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.hot.Get(key); ok {
		return true, nil
	}
	if _, ok := d.all[key]; ok {
		d.hot.Add(key, struct{}{})
		return true, nil
	}

	data, err := json.Marshal(dedupKey{Key: key})
	if err != nil {
		return false, miltonerrors.Wrap(err, miltonerrors.KindIO, "encode dedup key")
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, miltonerrors.Wrap(err, miltonerrors.KindIO, "open dedup key set")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return false, miltonerrors.Wrap(err, miltonerrors.KindIO, "append dedup key")
	}

	d.all[key] = struct{}{}
	d.hot.Add(key, struct{}{})
	return false, nil
}
