// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"depstage/internal/config"
	"depstage/internal/container"
	"depstage/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"

	verbose bool
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "depstage",
		Short: "Reproducible container images for a locked Perl dependency tree",
		Long: TitleStyle.Render("depstage") + SubtitleStyle.Render(" - reproducible, offline-capable images") + `

depstage turns a cpanfile and its lock file into content-addressed
dependency bundles and a validated multi-stage image graph. The runtime
image provably never inherits build tooling; drift between lock file,
bundle and images is detected, never guessed.

` + SubtitleStyle.Render("Typical flow:") + `
  depstage bundle           Resolve (or build) the dependency bundle
  depstage build dev        Materialize the dev image
  depstage build runtime    Materialize the runtime image
  depstage test load        Quick load-check of every dependency
  depstage test full        Full per-dependency test suites
  depstage status           Report lock/bundle/image drift`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./depstage.cue)")

	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanCmd)
}

func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

// Execute runs the root command and maps errors to process exit codes.
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		reportError(os.Stderr, err)
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(ExitFailure)
	}
}

// reportError writes an actionable error with its suggestions to w. Plain
// errors are skipped; fang has already printed their message.
func reportError(w io.Writer, err error) {
	var actionable *issue.ActionableError
	if !errors.As(err, &actionable) {
		return
	}
	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err))
}

// loadConfig loads the configuration honoring --config and sets up logging.
func loadConfig() (*config.Config, error) {
	if verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveEngine creates the configured container engine, probing for a
// fallback when the preferred one is unavailable.
func resolveEngine(cfg *config.Config) (container.Engine, error) {
	var (
		engine container.Engine
		err    error
	)
	switch cfg.ContainerEngine {
	case "auto":
		engine, err = container.AutoDetectEngine()
	default:
		engine, err = container.NewEngine(container.EngineType(cfg.ContainerEngine))
	}
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("select container engine").
			WithSuggestion("Install podman or docker and ensure it is on PATH").
			WithSuggestion("Set container_engine in depstage.cue to a working engine").
			Wrap(err).
			BuildError()
	}
	slog.Debug("container engine selected", "engine", engine.Name())
	return engine, nil
}

// formatErrorForDisplay renders an error for the terminal, expanding
// actionable errors with their suggestions.
func formatErrorForDisplay(err error) string {
	var actionable *issue.ActionableError
	if errors.As(err, &actionable) {
		return actionable.Format(verbose)
	}
	return err.Error()
}
