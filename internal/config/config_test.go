// SPDX-License-Identifier: MPL-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depstage.cue")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ContainerEngine != "auto" {
		t.Errorf("default engine: %q", cfg.ContainerEngine)
	}
	if cfg.ImagePrefix != "depstage" {
		t.Errorf("default image prefix: %q", cfg.ImagePrefix)
	}
	if cfg.Paths.Manifest != "cpanfile" || cfg.Paths.LockFile != "cpanfile.snapshot" {
		t.Errorf("default paths: %+v", cfg.Paths)
	}
	if cfg.Paths.Policy != "t/policy.ini" {
		t.Errorf("default policy path: %q", cfg.Paths.Policy)
	}
	if cfg.Jobs != 0 {
		t.Errorf("default jobs: %d", cfg.Jobs)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
container_engine: "docker"
jobs: 4
paths: {
	bundle_dir: "/var/cache/depstage"
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ContainerEngine != "docker" {
		t.Errorf("engine override lost: %q", cfg.ContainerEngine)
	}
	if cfg.Jobs != 4 {
		t.Errorf("jobs override lost: %d", cfg.Jobs)
	}
	if cfg.Paths.BundleDir != "/var/cache/depstage" {
		t.Errorf("bundle dir override lost: %q", cfg.Paths.BundleDir)
	}
	// Untouched fields keep their defaults.
	if cfg.Paths.Manifest != "cpanfile" {
		t.Errorf("unrelated default clobbered: %q", cfg.Paths.Manifest)
	}
}

func TestLoad_SchemaRejectsBadEngine(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `container_engine: "lxc"`)
	if _, err := Load(path); err == nil {
		t.Fatal("schema must reject an unknown engine")
	}
}

func TestLoad_SchemaRejectsNegativeJobs(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `jobs: -1`)
	if _, err := Load(path); err == nil {
		t.Fatal("schema must reject negative jobs")
	}
}

func TestLoad_InvalidCUE(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `paths: {`)
	if _, err := Load(path); err == nil {
		t.Fatal("syntactically invalid CUE must error")
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.cue")); err == nil {
		t.Fatal("an explicitly named config file must exist")
	}
}

func TestLoad_TestSection(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
test: {
	test_command: "prove -l {module}"
	success_marker: "PASSED"
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Test.TestCommand != "prove -l {module}" {
		t.Errorf("test command override lost: %q", cfg.Test.TestCommand)
	}
	if cfg.Test.SuccessMarker != "PASSED" {
		t.Errorf("marker override lost: %q", cfg.Test.SuccessMarker)
	}
	if cfg.Test.AlreadyMarker != "" {
		t.Errorf("unset marker should stay empty: %q", cfg.Test.AlreadyMarker)
	}
}
