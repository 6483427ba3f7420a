// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package bundle

import "sync"

var (
	buildLocksMu sync.Mutex
	buildLocks   = make(map[string]*sync.Mutex)
)

// acquireBuildLock serializes bundle builds per hash within this process.
// flock is unavailable off Linux, so cross-process builds of the same hash
// are not deduplicated here; the post-lock cache re-check still prevents a
// duplicate artifact from being published.
func acquireBuildLock(hash string) (release func(), err error) {
	buildLocksMu.Lock()
	mu, ok := buildLocks[hash]
	if !ok {
		mu = &sync.Mutex{}
		buildLocks[hash] = mu
	}
	buildLocksMu.Unlock()

	mu.Lock()
	return mu.Unlock, nil
}
