// SPDX-License-Identifier: MPL-2.0

package bundle

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"depstage/internal/container"
)

// DefaultArchivePath is where the bundler image's entrypoint leaves the
// finished archive inside the container.
const DefaultArchivePath = "/bundle/bundle.tar.gz"

type (
	// BuilderOptions configures a Builder.
	BuilderOptions struct {
		// Image is the bundler stage image. It must already be built with the
		// manifest and lock file baked into its build context; building it is
		// what produces the archive.
		Image string
		// Command is recorded on the created container but never executed.
		// Engines require one when the image has no default command.
		Command []string
		// ArchivePath is the in-container path of the finished archive.
		// Defaults to DefaultArchivePath.
		ArchivePath string
	}

	// Builder turns a cache miss into a published artifact. The bundler image
	// already carries the finished archive (carton installed per the lock
	// file, mirror + manifest + lock file archived at image build time), so
	// the builder only creates a container from it, copies the archive out,
	// and publishes it atomically. The container is never started and is torn
	// down unconditionally, success or failure.
	Builder struct {
		engine container.Engine
		store  *Store
		opts   BuilderOptions
	}

	// BuildError reports a failed bundle build step. Failures are fatal for
	// the invocation and never register a partial artifact.
	BuildError struct {
		Step  string
		Cause error
	}
)

func (e *BuildError) Error() string {
	return fmt.Sprintf("bundle build failed at %s: %v", e.Step, e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// NewBuilder creates a Builder.
func NewBuilder(engine container.Engine, store *Store, opts BuilderOptions) *Builder {
	if opts.ArchivePath == "" {
		opts.ArchivePath = DefaultArchivePath
	}
	return &Builder{engine: engine, store: store, opts: opts}
}

// Build produces and publishes the artifact for a cache miss described by
// res. Concurrent builds for the same hash are serialized (flock on Linux,
// in-process mutex elsewhere); after acquiring the build lock the cache is
// re-checked so the loser of a race reuses the winner's artifact instead of
// rebuilding it.
func (b *Builder) Build(ctx context.Context, lockPath string, res *Resolution) (*Artifact, error) {
	art := res.Artifact

	release, err := acquireBuildLock(art.Hash)
	if err != nil {
		return nil, &BuildError{Step: "acquire build lock", Cause: err}
	}
	defer release()

	// Another process may have finished this hash while we waited.
	recheck, err := b.store.Resolve(lockPath)
	if err != nil {
		return nil, err
	}
	if recheck.Hit {
		slog.Debug("bundle built concurrently, reusing", "hash", art.Hash)
		return &recheck.Artifact, nil
	}

	slog.Debug("building bundle", "hash", art.Hash, "image", b.opts.Image)

	containerID, err := b.engine.Create(ctx, b.opts.Image, b.opts.Command)
	if err != nil {
		return nil, &BuildError{Step: "create bundler container", Cause: err}
	}

	// Teardown is unconditional, covering every failure path below.
	defer func() {
		if err := b.engine.RemoveContainer(context.WithoutCancel(ctx), containerID, true); err != nil {
			slog.Debug("bundle container cleanup failed", "container", containerID, "error", err)
		}
	}()

	if err := os.MkdirAll(b.store.Dir(), 0o755); err != nil {
		return nil, &BuildError{Step: "create bundle store", Cause: err}
	}

	// Extract to a temp name in the store directory so Publish can rename
	// into place on the same filesystem.
	tmp, err := os.CreateTemp(b.store.Dir(), ".bundle-"+art.Hash+"-*.tmp")
	if err != nil {
		return nil, &BuildError{Step: "create temp artifact", Cause: err}
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := b.engine.CopyFrom(ctx, containerID, b.opts.ArchivePath, tmpPath); err != nil {
		return nil, &BuildError{Step: "extract archive", Cause: err}
	}

	if err := b.store.Publish(art, tmpPath); err != nil {
		return nil, &BuildError{Step: "publish artifact", Cause: err}
	}

	slog.Debug("bundle published", "hash", art.Hash, "path", art.Path)
	return &art, nil
}
