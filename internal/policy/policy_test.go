// SPDX-License-Identifier: MPL-2.0

package policy

import (
	"errors"
	"path/filepath"
	"testing"
)

func mustParse(t *testing.T, content string) *Store {
	t.Helper()
	s, err := Parse("module-policy.ini", []byte(content))
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return s
}

func TestParse_FullEntry(t *testing.T) {
	t.Parallel()
	s := mustParse(t, `
# overrides for modules with misbehaving suites
[Net::Server]
skip_test = yes
reason = opens listening sockets
env.NO_NETWORK_TESTING = 1
env.AUTOMATED_TESTING = 1
test_cmd = prove -l t/smoke.t
`)
	if !s.SkipTest("Net::Server") {
		t.Error("expected skip_test true")
	}
	if s.SkipLoad("Net::Server") {
		t.Error("expected skip_load false by default")
	}
	if got := s.Reason("Net::Server"); got != "opens listening sockets" {
		t.Errorf("unexpected reason %q", got)
	}
	env := s.EnvOverrides("Net::Server")
	if env["NO_NETWORK_TESTING"] != "1" || env["AUTOMATED_TESTING"] != "1" {
		t.Errorf("unexpected env overrides %v", env)
	}
	if got := s.TestCommand("Net::Server"); got != "prove -l t/smoke.t" {
		t.Errorf("unexpected test command %q", got)
	}
}

func TestQueries_UnknownName(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "[Configured::Module]\nskip_test = yes\n")

	name := "NeverConfigured::Module"
	if s.SkipLoad(name) || s.SkipTest(name) {
		t.Error("unknown names must default to no-skip")
	}
	if got := s.Reason(name); got != "" {
		t.Errorf("expected empty reason, got %q", got)
	}
	if got := s.EnvOverrides(name); len(got) != 0 {
		t.Errorf("expected empty env, got %v", got)
	}
	if got := s.TestCommand(name); got != "" {
		t.Errorf("expected empty test command, got %q", got)
	}
}

func TestReason_DefaultWhenEntryExists(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "[Some::Module]\nskip_test = yes\n")
	if got := s.Reason("Some::Module"); got != "skipped" {
		t.Errorf("expected default reason %q, got %q", "skipped", got)
	}
}

func TestParseBool_Variants(t *testing.T) {
	t.Parallel()
	s := mustParse(t, `
[A]
skip_test = YES
[B]
skip_test = True
[C]
skip_test = 1
[D]
skip_test = no
[E]
skip_test = whatever
`)
	for _, name := range []string{"A", "B", "C"} {
		if !s.SkipTest(name) {
			t.Errorf("expected skip_test true for %s", name)
		}
	}
	for _, name := range []string{"D", "E"} {
		if s.SkipTest(name) {
			t.Errorf("expected skip_test false for %s", name)
		}
	}
}

func TestIsolation_NoCrossContamination(t *testing.T) {
	t.Parallel()
	s := mustParse(t, `
[Loud::Module]
skip_load = yes
skip_test = yes
env.VERBOSE = 1

[Quiet::Module]
reason = tracked upstream
`)
	if s.SkipLoad("Quiet::Module") || s.SkipTest("Quiet::Module") {
		t.Error("Quiet::Module must not inherit Loud::Module's skips")
	}
	if len(s.EnvOverrides("Quiet::Module")) != 0 {
		t.Error("Quiet::Module must not inherit Loud::Module's env")
	}
}

func TestParse_UnknownKeysIgnored(t *testing.T) {
	t.Parallel()
	s := mustParse(t, "[M]\nfuture_key = something\nskip_test = yes\n")
	if !s.SkipTest("M") {
		t.Error("known keys must still apply alongside unknown ones")
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()
	for _, content := range []string{
		"skip_test = yes\n",   // key before any section
		"[M]\nnot a pair\n",   // no '=' separator
		"[]\n",                // empty section name
		"[M]\nenv. = value\n", // empty env var name
	} {
		_, err := Parse("module-policy.ini", []byte(content))
		if err == nil {
			t.Errorf("expected parse error for %q", content)
			continue
		}
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Errorf("expected *ParseError for %q, got %T", content, err)
		}
	}
}

func TestLoad_MissingFileIsEmptyStore(t *testing.T) {
	t.Parallel()
	s, err := Load(filepath.Join(t.TempDir(), "module-policy.ini"))
	if err != nil {
		t.Fatalf("missing policy file must not error: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d entries", s.Len())
	}
	if s.SkipTest("Any::Module") {
		t.Error("empty store must default to no-skip")
	}
}
