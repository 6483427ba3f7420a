// SPDX-License-Identifier: MPL-2.0

package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"depstage/internal/bundle"
	"depstage/internal/container"
)

type (
	// MaterializerOptions configures image materialization.
	MaterializerOptions struct {
		// ImagePrefix is the tag prefix; a stage builds as <prefix>-<stage>.
		ImagePrefix string
		// ManifestPath is the dependency manifest staged into the build context.
		ManifestPath string
		// LockPath is the lock file staged into the build context.
		LockPath string
		// SDKArchivePath is the optional vendor SDK archive for the
		// extraction stage. When empty the stage produces an empty /opt/sdk.
		SDKArchivePath string
		// BuildOutput receives the engine's build progress. Defaults to stderr.
		BuildOutput io.Writer
	}

	// Materializer builds stage images from the graph. Each build stages a
	// throwaway context directory holding the rendered Dockerfile, the
	// manifest and lock file, the bundle archive when one is supplied, and
	// the optional vendor SDK, then drives the engine with the stage as the
	// build target.
	Materializer struct {
		engine container.Engine
		graph  *Graph
		opts   MaterializerOptions
	}
)

// NewMaterializer creates a Materializer.
func NewMaterializer(engine container.Engine, graph *Graph, opts MaterializerOptions) *Materializer {
	if opts.ImagePrefix == "" {
		opts.ImagePrefix = "depstage"
	}
	if opts.BuildOutput == nil {
		opts.BuildOutput = os.Stderr
	}
	return &Materializer{engine: engine, graph: graph, opts: opts}
}

// ImageTag returns the tag a stage materializes as.
func (m *Materializer) ImageTag(stageName string) string {
	return m.opts.ImagePrefix + "-" + stageName
}

// Materialize builds the named stage's image. When art is non-nil its
// archive is staged into the context and the image is labeled with the
// bundle hash it was built from; the stages that install the bundled
// dependencies require it. Returns the built image tag.
func (m *Materializer) Materialize(ctx context.Context, stageName string, art *bundle.Artifact) (string, error) {
	if _, ok := m.graph.Stage(stageName); !ok {
		return "", fmt.Errorf("unknown stage %q (known: %v)", stageName, m.graph.Names())
	}
	if art == nil && m.needsBundle(stageName) {
		return "", fmt.Errorf("stage %q installs the dependency bundle; resolve or build one first", stageName)
	}

	contextDir, cleanup, err := m.prepareBuildContext(art)
	if err != nil {
		return "", err
	}
	defer cleanup()

	tag := m.ImageTag(stageName)

	buildOpts := container.BuildOptions{
		ContextDir: contextDir,
		Dockerfile: "Dockerfile",
		Target:     stageName,
		Tag:        tag,
		Stdout:     m.opts.BuildOutput,
		Stderr:     m.opts.BuildOutput,
	}
	if art != nil {
		buildOpts.Labels = map[string]string{BundleHashLabel: art.Hash}
	}

	slog.Debug("materializing stage", "stage", stageName, "tag", tag)

	if err := m.engine.Build(ctx, buildOpts); err != nil {
		return "", fmt.Errorf("build stage %q: %w", stageName, err)
	}
	return tag, nil
}

// needsBundle reports whether the stage's build (including the stages it
// builds on) installs the bundle archive.
func (m *Materializer) needsBundle(stageName string) bool {
	full := m.graph.ancestry(true, true)
	if stageName == Modules {
		return true
	}
	return full.Ancestors(stageName)[Modules]
}

// prepareBuildContext stages a temporary build context directory and returns
// it with its cleanup function.
func (m *Materializer) prepareBuildContext(art *bundle.Artifact) (string, func(), error) {
	dir, err := os.MkdirTemp("", "depstage-build-*")
	if err != nil {
		return "", nil, fmt.Errorf("create build context: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	fail := func(err error) (string, func(), error) {
		cleanup()
		return "", nil, err
	}

	dockerfile, err := m.graph.Render()
	if err != nil {
		return fail(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fail(fmt.Errorf("write Dockerfile: %w", err))
	}

	if err := copyFile(m.opts.ManifestPath, filepath.Join(dir, "cpanfile")); err != nil {
		return fail(fmt.Errorf("stage manifest: %w", err))
	}
	if err := copyFile(m.opts.LockPath, filepath.Join(dir, "cpanfile.snapshot")); err != nil {
		return fail(fmt.Errorf("stage lock file: %w", err))
	}

	if art != nil {
		if err := copyFile(art.Path, filepath.Join(dir, "bundle.tar.gz")); err != nil {
			return fail(fmt.Errorf("stage bundle archive: %w", err))
		}
	}

	vendorDir := filepath.Join(dir, "vendor")
	if err := os.Mkdir(vendorDir, 0o755); err != nil {
		return fail(fmt.Errorf("stage vendor dir: %w", err))
	}
	if m.opts.SDKArchivePath != "" {
		if err := copyFile(m.opts.SDKArchivePath, filepath.Join(vendorDir, "sdk.zip")); err != nil {
			return fail(fmt.Errorf("stage vendor SDK: %w", err))
		}
	}

	return dir, cleanup, nil
}

// copyFile copies src to dst, following symlinks on src.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
