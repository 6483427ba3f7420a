// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type (
	// ExecCommandFunc is the function signature for creating exec.Cmd.
	// This allows injection of mock implementations for testing.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// CLIEngineOption configures a CLIEngine.
	CLIEngineOption func(*CLIEngine)

	// CLIEngine provides the shared implementation for CLI-based container
	// engines. Docker and Podman engines embed this struct; everything that is
	// identical across both (argument building, command execution, the
	// Engine methods that only shell out) lives here, while engine-specific
	// probes (Available, Version, ImageExists) stay on the concrete types.
	CLIEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
	}
)

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) CLIEngineOption {
	return func(e *CLIEngine) {
		e.execCommand = fn
	}
}

// NewCLIEngine creates the shared CLI engine core for the named binary.
func NewCLIEngine(name, binaryPath string, opts ...CLIEngineOption) *CLIEngine {
	e := &CLIEngine{
		name:        name,
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name.
func (e *CLIEngine) Name() string {
	return e.name
}

// BinaryPath returns the path to the container engine binary.
func (e *CLIEngine) BinaryPath() string {
	return e.binaryPath
}

// --- Argument Builders ---

// BuildArgs constructs arguments for a container build command.
//
// Generated command: <binary> build [options] <context>
func (e *CLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		// Resolve the Dockerfile relative to the context directory; absolute
		// paths are passed through untouched.
		dockerfilePath := opts.Dockerfile
		if !filepath.IsAbs(dockerfilePath) && opts.ContextDir != "" {
			dockerfilePath = filepath.Join(opts.ContextDir, dockerfilePath)
		}
		args = append(args, "-f", dockerfilePath)
	}

	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}

	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}

	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	// Sorted iteration keeps the generated command deterministic, which
	// matters for tests and for engine-level build caching.
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, opts.Labels[k]))
	}

	for _, k := range sortedKeys(opts.BuildArgs) {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, opts.BuildArgs[k]))
	}

	args = append(args, opts.ContextDir)

	return args
}

// RunArgs constructs arguments for a container run command.
//
// Generated command: <binary> run [options] <image> [command...]
func (e *CLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	args = append(args, opts.Image)
	args = append(args, opts.Command...)

	return args
}

// CreateArgs constructs arguments for a container create command.
func (e *CLIEngine) CreateArgs(image string, command []string) []string {
	args := []string{"create", image}
	return append(args, command...)
}

// CopyFromArgs constructs arguments for copying a path out of a container.
func (e *CLIEngine) CopyFromArgs(containerID, containerPath, hostPath string) []string {
	return []string{"cp", containerID + ":" + containerPath, hostPath}
}

// RemoveContainerArgs constructs arguments for a container remove command.
func (e *CLIEngine) RemoveContainerArgs(containerID string, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, containerID)
}

// RemoveImageArgs constructs arguments for an image remove command.
func (e *CLIEngine) RemoveImageArgs(image string, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	return append(args, image)
}

// ImageLabelArgs constructs the inspect invocation that prints one label value.
func (e *CLIEngine) ImageLabelArgs(image, label string) []string {
	format := fmt.Sprintf(`{{ index .Config.Labels %q }}`, label)
	return []string{"image", "inspect", "--format", format, image}
}

// --- Command Execution ---

// CreateCommand creates an exec.Cmd for the given arguments. Callers that
// need custom stdio wiring use this directly.
func (e *CLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// RunCommandStatus executes a command and returns only its error status.
func (e *CLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	if err := e.CreateCommand(ctx, args...).Run(); err != nil {
		return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return nil
}

// RunCommandOutput executes a command and returns its trimmed stdout.
func (e *CLIEngine) RunCommandOutput(ctx context.Context, args ...string) (string, error) {
	out, err := e.CreateCommand(ctx, args...).Output()
	if err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// --- Promoted Engine Methods (shared by Docker and Podman) ---

// Build builds an image from a Dockerfile.
func (e *CLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s build of %s failed: %w", e.name, opts.Tag, err)
	}
	return nil
}

// Run runs a command in a container. The command's non-zero exit code is
// captured in RunResult.ExitCode rather than returned as an error.
func (e *CLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	cmd := e.CreateCommand(ctx, e.RunArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	err := cmd.Run()

	result := &RunResult{}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	return result, nil
}

// Create creates a container without starting it and returns the container ID.
func (e *CLIEngine) Create(ctx context.Context, image string, command []string) (string, error) {
	id, err := e.RunCommandOutput(ctx, e.CreateArgs(image, command)...)
	if err != nil {
		return "", fmt.Errorf("create container from %s: %w", image, err)
	}
	return id, nil
}

// CopyFrom copies a path out of a container to the host.
func (e *CLIEngine) CopyFrom(ctx context.Context, containerID, containerPath, hostPath string) error {
	if err := e.RunCommandStatus(ctx, e.CopyFromArgs(containerID, containerPath, hostPath)...); err != nil {
		return fmt.Errorf("copy %s out of container %s: %w", containerPath, containerID, err)
	}
	return nil
}

// RemoveContainer removes a container.
func (e *CLIEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveContainerArgs(containerID, force)...)
}

// RemoveImage removes an image.
func (e *CLIEngine) RemoveImage(ctx context.Context, image string, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

// ImageLabel returns the value of a label on an image. An unset label yields
// "". Inspect failures (image missing) are returned as errors.
func (e *CLIEngine) ImageLabel(ctx context.Context, image, label string) (string, error) {
	out, err := e.RunCommandOutput(ctx, e.ImageLabelArgs(image, label)...)
	if err != nil {
		return "", err
	}
	// Engines print "<no value>" for labels absent from the map.
	if out == "<no value>" {
		return "", nil
	}
	return out, nil
}

func sortedKeys(m map[string]string) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
