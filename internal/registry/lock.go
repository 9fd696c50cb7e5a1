package registry

import (
	"fmt"
	"os"
	"time"

	miltonerrors "milton/internal/errors"
)

const (
	lockRetryInterval = 25 * time.Millisecond
	lockTimeout       = 5 * time.Second
	// Locks older than this belong to a crashed writer and are broken.
	lockStaleAfter = time.Minute
)

// acquireLock takes the advisory lock by creating the lock file
// exclusively. It retries until lockTimeout, breaking stale locks left
// by crashed processes.
func acquireLock(path string) (func(), error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, miltonerrors.Wrap(err, miltonerrors.KindIO, "create registry lock")
		}

		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			_ = os.Remove(path)
			continue
		}

		if time.Now().After(deadline) {
			return nil, miltonerrors.New(miltonerrors.KindRegistryConflict, "registry lock held by another writer")
		}
		time.Sleep(lockRetryInterval)
	}
}
