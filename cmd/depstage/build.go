// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"depstage/internal/bundle"
	"depstage/internal/issue"
	"depstage/internal/stage"
)

var buildCmd = &cobra.Command{
	Use:   "build <stage>",
	Short: "Materialize a stage image from the validated image graph",
	Long: `Build one stage of the multi-stage image graph (usually dev or runtime).
Stages that install the dependency bundle require a published bundle
artifact; the built image is labeled with the bundle hash it consumed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stageName := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		graph, err := stage.DefaultGraph()
		if err != nil {
			return err
		}
		if _, ok := graph.Stage(stageName); !ok {
			return &ExitError{
				Code: ExitUsage,
				Err:  fmt.Errorf("unknown stage %q (known: %s)", stageName, strings.Join(graph.Names(), ", ")),
			}
		}

		store := bundle.NewStore(cfg.Paths.BundleDir)
		res, err := store.Resolve(cfg.Paths.LockFile)
		if err != nil {
			return err
		}
		var art *bundle.Artifact
		if res.Hit {
			art = &res.Artifact
		}

		engine, err := resolveEngine(cfg)
		if err != nil {
			return err
		}
		materializer := stage.NewMaterializer(engine, graph, stage.MaterializerOptions{
			ImagePrefix:    cfg.ImagePrefix,
			ManifestPath:   cfg.Paths.Manifest,
			LockPath:       cfg.Paths.LockFile,
			SDKArchivePath: cfg.Paths.SDKArchive,
		})

		if art == nil {
			// Materialize rejects bundle-consuming stages without an
			// artifact; turn that into actionable guidance up front.
			tag, err := materializer.Materialize(cmd.Context(), stageName, nil)
			if err != nil {
				return issue.NewErrorContext().
					WithOperation("build stage " + stageName).
					WithResource(cfg.Paths.LockFile).
					WithSuggestion("Run 'depstage bundle' to build the dependency bundle first").
					Wrap(err).
					BuildError()
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("built: ")+tag)
			return nil
		}

		tag, err := materializer.Materialize(cmd.Context(), stageName, art)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("built: ")+tag+SubtitleStyle.Render("  (bundle "+art.Hash+")"))
		return nil
	},
}
