// SPDX-License-Identifier: MPL-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"depstage/internal/config"
	"depstage/internal/issue"
	"depstage/internal/manifest"
	"depstage/internal/orchestrator"
	"depstage/internal/policy"
	"depstage/internal/stage"
)

var testImage string

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Run dependency checks inside a materialized image",
}

var testLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Quick load-check of every manifest dependency",
	Long: `Verify each manifest dependency loads inside the target image, in
declaration order. One failing load never blocks the rest; detail logs are
written for failures.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		o, cfg, err := buildOrchestrator()
		if err != nil {
			return err
		}
		report, err := o.RunLoadCheck(cmd.Context())
		if err != nil {
			return wrapOrchestratorError(err)
		}
		return emitReport(cmd, cfg, report)
	},
}

var testFullCmd = &cobra.Command{
	Use:   "full [module]",
	Short: "Run every dependency's full test suite, or a single named one",
	Long: `Run the full test suite for each manifest dependency on a bounded worker
pool. With a module name, only that dependency runs and its detail log is
always written; naming a module the manifest does not declare is a usage
error, distinct from a test failure.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		single := ""
		if len(args) == 1 {
			single = args[0]
		}

		o, cfg, err := buildOrchestrator()
		if err != nil {
			return err
		}
		report, err := o.RunFullSuite(cmd.Context(), single)
		if err != nil {
			return wrapOrchestratorError(err)
		}
		return emitReport(cmd, cfg, report)
	},
}

func init() {
	testCmd.PersistentFlags().StringVar(&testImage, "image", "", "target image (default <image_prefix>-dev)")
	testCmd.AddCommand(testLoadCmd)
	testCmd.AddCommand(testFullCmd)
}

// buildOrchestrator assembles the orchestrator from config, manifest and
// policy.
func buildOrchestrator() (*orchestrator.Orchestrator, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	m, err := manifest.Load(cfg.Paths.Manifest)
	if err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("load manifest").
			WithResource(cfg.Paths.Manifest).
			WithSuggestion("Check that the manifest exists and its requires lines are well formed").
			Wrap(err).
			BuildError()
	}
	p, err := policy.Load(cfg.Paths.Policy)
	if err != nil {
		return nil, nil, issue.NewErrorContext().
			WithOperation("load test policy").
			WithResource(cfg.Paths.Policy).
			WithSuggestion("Fix the malformed policy line or remove the file; a missing file is fine").
			Wrap(err).
			BuildError()
	}

	engine, err := resolveEngine(cfg)
	if err != nil {
		return nil, nil, err
	}

	image := testImage
	if image == "" {
		image = cfg.ImagePrefix + "-" + stage.Dev
	}

	o, err := orchestrator.New(engine, m, p, orchestrator.Options{
		Image:         image,
		ReportDir:     cfg.Paths.ReportDir,
		Jobs:          cfg.Jobs,
		LoadCommand:   cfg.Test.LoadCommand,
		TestCommand:   cfg.Test.TestCommand,
		SuccessMarker: cfg.Test.SuccessMarker,
		AlreadyMarker: cfg.Test.AlreadyMarker,
	})
	if err != nil {
		return nil, nil, err
	}
	return o, cfg, nil
}

// wrapOrchestratorError maps orchestrator preconditions to exit codes and
// guidance.
func wrapOrchestratorError(err error) error {
	var unknown *orchestrator.UnknownModuleError
	if errors.As(err, &unknown) {
		return &ExitError{Code: ExitUsage, Err: err}
	}
	var missing *orchestrator.ImageMissingError
	if errors.As(err, &missing) {
		return issue.NewErrorContext().
			WithOperation("run dependency checks").
			WithResource(missing.Image).
			WithSuggestion("Run 'depstage build dev' (or 'depstage build runtime') first").
			Wrap(err).
			BuildError()
	}
	return err
}

// emitReport writes the summary and the machine-readable report, and turns
// failures into the process exit code.
func emitReport(cmd *cobra.Command, cfg *config.Config, report *orchestrator.RunReport) error {
	if err := report.WriteSummary(cmd.OutOrStdout()); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Paths.ReportDir, 0o755); err != nil {
		return err
	}
	if err := report.WriteYAML(filepath.Join(cfg.Paths.ReportDir, "report.yaml")); err != nil {
		return err
	}

	if failed := report.Failed(); len(failed) > 0 {
		return &ExitError{
			Code: ExitFailure,
			Err:  fmt.Errorf("%d dependency check(s) failed", len(failed)),
		}
	}
	return nil
}
