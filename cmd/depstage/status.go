// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"depstage/internal/bundle"
	"depstage/internal/status"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report drift between lock file, bundle store and built images",
	Long: `Compare the lock file's current hash against the published bundle
artifacts and against the bundle hash label of the dev and runtime images.
Read-only. Exits nonzero when anything is stale, so scripts can gate on it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := resolveEngine(cfg)
		if err != nil {
			return err
		}

		reporter := status.NewReporter(engine, bundle.NewStore(cfg.Paths.BundleDir), status.Options{
			LockPath:    cfg.Paths.LockFile,
			ImagePrefix: cfg.ImagePrefix,
		})
		report, err := reporter.Report(cmd.Context())
		if err != nil {
			return err
		}

		if err := report.WriteText(cmd.OutOrStdout()); err != nil {
			return err
		}
		if report.Drift() {
			return &ExitError{Code: ExitFailure, Err: fmt.Errorf("drift detected")}
		}
		fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("\nno drift"))
		return nil
	},
}
