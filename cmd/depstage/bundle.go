// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"depstage/internal/bundle"
	"depstage/internal/stage"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Resolve the dependency bundle, building it on a cache miss",
	Long: `Resolve the lock file against the bundle store. On a hit the existing
artifact is reused and the latest alias repointed; nothing is rebuilt. On a
miss the bundler stage image is materialized, the archive it carries is
copied out, and the result published atomically under its content hash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store := bundle.NewStore(cfg.Paths.BundleDir)
		res, err := store.Resolve(cfg.Paths.LockFile)
		if err != nil {
			return err
		}
		if res.Hit {
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("bundle up to date: ")+res.Artifact.Path)
			return nil
		}

		engine, err := resolveEngine(cfg)
		if err != nil {
			return err
		}
		graph, err := stage.DefaultGraph()
		if err != nil {
			return err
		}

		materializer := stage.NewMaterializer(engine, graph, stage.MaterializerOptions{
			ImagePrefix:    cfg.ImagePrefix,
			ManifestPath:   cfg.Paths.Manifest,
			LockPath:       cfg.Paths.LockFile,
			SDKArchivePath: cfg.Paths.SDKArchive,
		})
		bundlerImage, err := materializer.Materialize(cmd.Context(), stage.Bundler, nil)
		if err != nil {
			return err
		}

		builder := bundle.NewBuilder(engine, store, bundle.BuilderOptions{
			Image: bundlerImage,
			// The container is created but never started; engines still
			// insist on a command when the image has no default.
			Command: []string{"true"},
		})
		art, err := builder.Build(cmd.Context(), cfg.Paths.LockFile, res)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("bundle published: ")+art.Path)
		return nil
	},
}
