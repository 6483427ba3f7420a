// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"depstage/internal/stage"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove depstage stage images",
	Long: `Remove every materialized stage image for the configured prefix. Bundle
artifacts are never deleted: they are immutable, content-addressed, and
cheap to keep; images are cheap to rebuild from them.`,
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
		graph, err := stage.DefaultGraph()
		if err != nil {
			return err
		}

		for _, name := range graph.Names() {
			tag := cfg.ImagePrefix + "-" + name
			exists, err := engine.ImageExists(cmd.Context(), tag)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			if err := engine.RemoveImage(cmd.Context(), tag, true); err != nil {
				return fmt.Errorf("remove image %q: %w", tag, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed "+tag)
		}
		return nil
	},
}
