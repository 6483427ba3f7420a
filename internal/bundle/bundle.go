// SPDX-License-Identifier: MPL-2.0

// Package bundle manages content-addressed dependency bundles: offline
// mirrors of every locked third-party package, archived together with the
// manifest and lock file that produced them.
//
// Bundle identity is the SHA-256 digest of the lock file's exact byte
// content, truncated to a 12-hex-character prefix for human-typeable
// artifact names. The full digest is recorded in a sidecar file next to each
// artifact so a prefix collision (same 12 characters, different content) is
// detected and fails loudly instead of silently reusing the wrong bundle.
//
// Artifacts are immutable once published and are never auto-deleted; only a
// mutable "latest" alias (a symlink, swapped atomically) ever changes.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// HashLen is the artifact name's hash prefix width in hex characters.
	HashLen = 12
	// ArchiveExt is the bundle archive extension.
	ArchiveExt = "tar.gz"
	// LatestName is the basename (without extension) of the mutable alias.
	LatestName = "bundle-latest"
)

type (
	// Artifact is one published, immutable bundle.
	Artifact struct {
		// Hash is the 12-hex-character content fingerprint.
		Hash string
		// Digest is the full SHA-256 digest of the lock file.
		Digest string
		// Path is the location of the archive on disk.
		Path string
	}

	// Resolution is the outcome of resolving a lock file against the store.
	Resolution struct {
		// Hit reports whether a matching artifact already exists.
		Hit bool
		// Artifact describes the matching (hit) or prospective (miss) artifact.
		Artifact Artifact
	}

	// Store is the on-disk artifact store: a flat directory of
	// bundle-<hash>.tar.gz archives, their .sha256 sidecars, and the
	// bundle-latest.tar.gz alias.
	Store struct {
		dir string
	}

	// CollisionError reports two distinct lock files whose digests share the
	// same 12-character prefix. Extremely unlikely, but silently reusing the
	// existing artifact would pin the wrong dependency versions.
	CollisionError struct {
		Hash           string
		Path           string
		WantDigest     string
		ExistingDigest string
	}
)

func (e *CollisionError) Error() string {
	return fmt.Sprintf("bundle hash prefix collision on %s: artifact %s was built from digest %s, current lock file digests to %s",
		e.Hash, e.Path, e.ExistingDigest, e.WantDigest)
}

// NewStore creates a store rooted at dir. The directory is created on first
// publish, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// HashLockFile computes the bundle identity for a lock file: the full SHA-256
// digest of its byte content and the truncated artifact hash. Identical bytes
// always produce identical hashes, across runs and across machines.
func HashLockFile(lockPath string) (hash, digest string, err error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "", "", fmt.Errorf("read lock file %s: %w", lockPath, err)
	}
	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	return digest[:HashLen], digest, nil
}

// ArtifactPath returns the deterministic archive path for a hash.
func (s *Store) ArtifactPath(hash string) string {
	return filepath.Join(s.dir, "bundle-"+hash+"."+ArchiveExt)
}

// sidecarPath returns the path of the full-digest record for a hash.
func (s *Store) sidecarPath(hash string) string {
	return filepath.Join(s.dir, "bundle-"+hash+".sha256")
}

// LatestPath returns the path of the mutable "latest" alias.
func (s *Store) LatestPath() string {
	return filepath.Join(s.dir, LatestName+"."+ArchiveExt)
}

// Resolve maps a lock file to its artifact. On a hit the latest alias is
// repointed at the matching artifact, making Resolve idempotent and safe to
// call repeatedly; the builder is never involved. On a miss the returned
// Artifact carries the hash and destination path a subsequent build must use.
func (s *Store) Resolve(lockPath string) (*Resolution, error) {
	hash, digest, err := HashLockFile(lockPath)
	if err != nil {
		return nil, err
	}

	art := Artifact{Hash: hash, Digest: digest, Path: s.ArtifactPath(hash)}

	if _, err := os.Stat(art.Path); err != nil {
		if os.IsNotExist(err) {
			return &Resolution{Hit: false, Artifact: art}, nil
		}
		return nil, fmt.Errorf("stat bundle artifact %s: %w", art.Path, err)
	}

	if err := s.checkDigest(art); err != nil {
		return nil, err
	}

	if err := s.SetLatest(hash); err != nil {
		return nil, err
	}

	return &Resolution{Hit: true, Artifact: art}, nil
}

// checkDigest verifies the sidecar digest for an existing artifact. A missing
// sidecar (artifact copied in by hand) is backfilled rather than rejected.
func (s *Store) checkDigest(art Artifact) error {
	sidecar := s.sidecarPath(art.Hash)
	data, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(sidecar, []byte(art.Digest+"\n"), 0o644)
		}
		return fmt.Errorf("read bundle digest record %s: %w", sidecar, err)
	}

	existing := strings.TrimSpace(string(data))
	if existing != art.Digest {
		return &CollisionError{
			Hash:           art.Hash,
			Path:           art.Path,
			WantDigest:     art.Digest,
			ExistingDigest: existing,
		}
	}
	return nil
}

// Publish atomically installs a fully built archive under its final name:
// the archive is renamed from srcPath (which must be on the same filesystem,
// e.g. a temp file inside the store directory) into place, the digest sidecar
// is written, and the latest alias is repointed. A crash mid-publish never
// leaves a half-written archive visible under its final name.
func (s *Store) Publish(art Artifact, srcPath string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create bundle store %s: %w", s.dir, err)
	}

	if err := os.Rename(srcPath, art.Path); err != nil {
		return fmt.Errorf("publish bundle artifact %s: %w", art.Path, err)
	}

	if err := os.WriteFile(s.sidecarPath(art.Hash), []byte(art.Digest+"\n"), 0o644); err != nil {
		return fmt.Errorf("write bundle digest record: %w", err)
	}

	return s.SetLatest(art.Hash)
}

// SetLatest atomically points the latest alias at the named artifact. The
// symlink is created under a temporary name and renamed over the alias, so a
// reader never observes a missing or half-written pointer.
func (s *Store) SetLatest(hash string) error {
	target := "bundle-" + hash + "." + ArchiveExt

	tmp := filepath.Join(s.dir, ".latest-"+hash+".tmp")
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create latest alias for %s: %w", hash, err)
	}
	if err := os.Rename(tmp, s.LatestPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap latest alias: %w", err)
	}
	return nil
}

// Latest returns the hash the latest alias currently points at, or "" when no
// alias exists yet.
func (s *Store) Latest() (string, error) {
	target, err := os.Readlink(s.LatestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read latest alias: %w", err)
	}
	name := filepath.Base(target)
	name = strings.TrimSuffix(name, "."+ArchiveExt)
	return strings.TrimPrefix(name, "bundle-"), nil
}

// Artifacts lists the hashes of all published artifacts, in directory order.
func (s *Store) Artifacts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list bundle store %s: %w", s.dir, err)
	}

	var hashes []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "bundle-") || !strings.HasSuffix(name, "."+ArchiveExt) {
			continue
		}
		hash := strings.TrimSuffix(strings.TrimPrefix(name, "bundle-"), "."+ArchiveExt)
		if hash == "latest" || len(hash) != HashLen {
			continue
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}
