// SPDX-License-Identifier: MPL-2.0

//go:build linux

package bundle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// acquireBuildLock takes a blocking exclusive flock on a per-hash lock file,
// serializing bundle builds for one hash across processes: at most one build
// per hash is ever in flight, so concurrent invocations can't waste work or
// corrupt the cache. The zero-byte lock file is harmless if orphaned — the
// kernel releases the flock when the fd closes, including on process crash.
//
// The lock file lives in $XDG_RUNTIME_DIR (per-user tmpfs, auto-cleaned)
// with a fallback to os.TempDir() when the env var is unset.
func acquireBuildLock(hash string) (release func(), err error) {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = os.TempDir()
	}
	lockPath := filepath.Join(dir, "depstage-bundle-"+hash+".lock")

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	return func() {
		// LOCK_UN before Close for explicitness; Close also releases the flock.
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			slog.Debug("flock unlock failed", "error", err)
		}
		if err := f.Close(); err != nil {
			slog.Debug("lock file close failed", "error", err)
		}
	}, nil
}
