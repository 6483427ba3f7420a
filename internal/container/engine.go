// SPDX-License-Identifier: MPL-2.0

// Package container provides the narrow abstraction over container engines
// (Docker/Podman) that the rest of the harness consumes: build an image from a
// Dockerfile, run a command in a container with captured output, copy a file
// out of a container, and inspect image labels. Image-layer and registry
// semantics stay inside the engine.
package container

import (
	"context"
	"fmt"
	"io"
)

// Engine is the container engine contract consumed by the bundle builder, the
// stage materializer, and the test orchestrator.
type Engine interface {
	// Name returns the engine name (docker or podman).
	Name() string
	// Available checks if the engine is usable on this system.
	Available() bool
	// Version returns the engine version.
	Version(ctx context.Context) (string, error)

	// Build builds an image from a Dockerfile.
	Build(ctx context.Context, opts BuildOptions) error
	// Run runs a command in a container and reports its exit code.
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
	// Create creates (without starting) a container and returns its ID.
	Create(ctx context.Context, image string, command []string) (string, error)
	// CopyFrom copies a path out of a container to the host.
	CopyFrom(ctx context.Context, containerID, containerPath, hostPath string) error
	// RemoveContainer removes a container.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// ImageExists checks if an image exists locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// ImageLabel returns the value of a label on an image ("" when unset).
	ImageLabel(ctx context.Context, image, label string) (string, error)
	// RemoveImage removes an image.
	RemoveImage(ctx context.Context, image string, force bool) error
}

// BuildOptions contains options for building an image.
type BuildOptions struct {
	// ContextDir is the build context directory.
	ContextDir string
	// Dockerfile is the path to the Dockerfile (relative to ContextDir).
	Dockerfile string
	// Target selects a stage of a multi-stage Dockerfile; empty builds the final stage.
	Target string
	// Tag is the image tag.
	Tag string
	// Labels are image labels applied at build time.
	Labels map[string]string
	// BuildArgs are build-time variables.
	BuildArgs map[string]string
	// NoCache disables the build cache.
	NoCache bool
	// Stdout is where to write build output.
	Stdout io.Writer
	// Stderr is where to write build errors.
	Stderr io.Writer
}

// RunOptions contains options for running a command in a container.
type RunOptions struct {
	// Image is the image to run.
	Image string
	// Command is the command to run.
	Command []string
	// WorkDir is the working directory inside the container.
	WorkDir string
	// Env contains environment variables for the command.
	Env map[string]string
	// Remove automatically removes the container after exit.
	Remove bool
	// Name is the container name (optional).
	Name string
	// Stdout is where to write standard output.
	Stdout io.Writer
	// Stderr is where to write standard error.
	Stderr io.Writer
}

// RunResult contains the result of running a command in a container.
// A non-zero exit code from the command is reported here, not as an error;
// only infrastructure failures set Error.
type RunResult struct {
	ExitCode int
	Error    error
}

// EngineType identifies the container engine type.
type EngineType string

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

// ErrEngineNotAvailable is returned when no usable container engine is found.
type ErrEngineNotAvailable struct {
	Engine string
	Reason string
}

func (e *ErrEngineNotAvailable) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// NewEngine creates a container engine honoring the preferred type, falling
// back to the other engine when the preferred one is unavailable.
func NewEngine(preferredType EngineType) (Engine, error) {
	switch preferredType {
	case EngineTypePodman:
		engine := NewPodmanEngine()
		if engine.Available() {
			return engine, nil
		}
		dockerEngine := NewDockerEngine()
		if dockerEngine.Available() {
			return dockerEngine, nil
		}
		return nil, &ErrEngineNotAvailable{
			Engine: "podman",
			Reason: "podman is not installed or not accessible, and docker fallback is also not available",
		}

	case EngineTypeDocker:
		engine := NewDockerEngine()
		if engine.Available() {
			return engine, nil
		}
		podmanEngine := NewPodmanEngine()
		if podmanEngine.Available() {
			return podmanEngine, nil
		}
		return nil, &ErrEngineNotAvailable{
			Engine: "docker",
			Reason: "docker is not installed or not accessible, and podman fallback is also not available",
		}

	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferredType)
	}
}

// AutoDetectEngine finds any available container engine, preferring Podman.
func AutoDetectEngine() (Engine, error) {
	podman := NewPodmanEngine()
	if podman.Available() {
		return podman, nil
	}

	docker := NewDockerEngine()
	if docker.Available() {
		return docker, nil
	}

	return nil, &ErrEngineNotAvailable{
		Engine: "any",
		Reason: "no container engine (podman or docker) is available on this system",
	}
}
