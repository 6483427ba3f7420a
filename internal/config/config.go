// SPDX-License-Identifier: MPL-2.0

// Package config loads the harness configuration: built-in defaults, merged
// with an optional CUE config file validated against the embedded schema.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"depstage/internal/issue"
)

// ConfigFileName is the default config file looked up in the working
// directory.
const ConfigFileName = "depstage.cue"

//go:embed config_schema.cue
var configSchema string

type (
	// Paths groups the file and directory locations the harness reads and
	// writes.
	Paths struct {
		Manifest   string `mapstructure:"manifest"`
		LockFile   string `mapstructure:"lock_file"`
		Policy     string `mapstructure:"policy"`
		BundleDir  string `mapstructure:"bundle_dir"`
		ReportDir  string `mapstructure:"report_dir"`
		SDKArchive string `mapstructure:"sdk_archive"`
	}

	// Test groups the check command templates and outcome markers.
	Test struct {
		LoadCommand   string `mapstructure:"load_command"`
		TestCommand   string `mapstructure:"test_command"`
		SuccessMarker string `mapstructure:"success_marker"`
		AlreadyMarker string `mapstructure:"already_marker"`
	}

	// Config is the full harness configuration.
	Config struct {
		// ContainerEngine is "auto", "podman" or "docker".
		ContainerEngine string `mapstructure:"container_engine"`
		// ImagePrefix is the tag prefix for materialized stage images.
		ImagePrefix string `mapstructure:"image_prefix"`
		// Jobs bounds parallel full-suite checks; 0 means one per CPU.
		Jobs  int   `mapstructure:"jobs"`
		Paths Paths `mapstructure:"paths"`
		Test  Test  `mapstructure:"test"`
	}
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: "auto",
		ImagePrefix:     "depstage",
		Jobs:            0,
		Paths: Paths{
			Manifest:  "cpanfile",
			LockFile:  "cpanfile.snapshot",
			Policy:    "t/policy.ini",
			BundleDir: ".depstage/bundles",
			ReportDir: ".depstage/reports",
		},
	}
}

// Load resolves the configuration. With an explicit path the file must
// exist; otherwise ./depstage.cue is used when present, and pure defaults
// when not.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("container_engine", defaults.ContainerEngine)
	v.SetDefault("image_prefix", defaults.ImagePrefix)
	v.SetDefault("jobs", defaults.Jobs)
	v.SetDefault("paths.manifest", defaults.Paths.Manifest)
	v.SetDefault("paths.lock_file", defaults.Paths.LockFile)
	v.SetDefault("paths.policy", defaults.Paths.Policy)
	v.SetDefault("paths.bundle_dir", defaults.Paths.BundleDir)
	v.SetDefault("paths.report_dir", defaults.Paths.ReportDir)
	v.SetDefault("paths.sdk_archive", defaults.Paths.SDKArchive)
	v.SetDefault("test.load_command", defaults.Test.LoadCommand)
	v.SetDefault("test.test_command", defaults.Test.TestCommand)
	v.SetDefault("test.success_marker", defaults.Test.SuccessMarker)
	v.SetDefault("test.already_marker", defaults.Test.AlreadyMarker)

	switch {
	case path != "":
		if !fileExists(path) {
			return nil, issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Check that the file exists and is readable").
				Wrap(fmt.Errorf("config file not found: %s", path)).
				BuildError()
		}
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, wrapConfigError(path, err)
		}
	case fileExists(ConfigFileName):
		if err := loadCUEIntoViper(v, ConfigFileName); err != nil {
			return nil, wrapConfigError(ConfigFileName, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validate checks constraints enforced even without a config file, where the
// CUE schema never ran.
func (c *Config) validate() error {
	switch c.ContainerEngine {
	case "auto", "podman", "docker":
	default:
		return fmt.Errorf("container_engine must be auto, podman or docker, got %q", c.ContainerEngine)
	}
	if c.Jobs < 0 {
		return fmt.Errorf("jobs must be >= 0, got %d", c.Jobs)
	}
	return nil
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config
// schema, and merges its contents into viper so file values override
// defaults field by field.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return fmt.Errorf("invalid CUE in %s: %w", path, userValue.Err())
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config %s does not match schema: %w", path, err)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func wrapConfigError(path string, err error) error {
	return issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource(path).
		WithSuggestion("Check that the file contains valid CUE syntax").
		WithSuggestion("Verify the configuration values match the expected schema").
		Wrap(err).
		BuildError()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
