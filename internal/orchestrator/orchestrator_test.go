// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"depstage/internal/container"
	"depstage/internal/manifest"
	"depstage/internal/policy"
)

// fakeEngine scripts per-run results keyed by the dependency name found in
// the argv, and records every run thread-safely for pool tests.
type fakeEngine struct {
	mu          sync.Mutex
	runs        []container.RunOptions
	results     map[string]runScript
	imageExists bool
}

type runScript struct {
	exitCode int
	output   string
	err      error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{results: make(map[string]runScript), imageExists: true}
}

func (f *fakeEngine) script(name string, s runScript) { f.results[name] = s }

func (f *fakeEngine) Name() string                            { return "fake" }
func (f *fakeEngine) Available() bool                         { return true }
func (f *fakeEngine) Version(context.Context) (string, error) { return "0.0.0-test", nil }
func (f *fakeEngine) Build(context.Context, container.BuildOptions) error {
	return errors.New("not scripted")
}

func (f *fakeEngine) Run(_ context.Context, opts container.RunOptions) (*container.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, opts)
	f.mu.Unlock()

	for name, script := range f.results {
		for _, arg := range opts.Command {
			if strings.Contains(arg, name) {
				if script.err != nil {
					return nil, script.err
				}
				if opts.Stdout != nil {
					_, _ = opts.Stdout.Write([]byte(script.output))
				}
				return &container.RunResult{ExitCode: script.exitCode}, nil
			}
		}
	}
	if opts.Stdout != nil {
		_, _ = opts.Stdout.Write([]byte("All tests successful.\n"))
	}
	return &container.RunResult{ExitCode: 0}, nil
}

func (f *fakeEngine) Create(context.Context, string, []string) (string, error) {
	return "", errors.New("not scripted")
}
func (f *fakeEngine) CopyFrom(context.Context, string, string, string) error {
	return errors.New("not scripted")
}
func (f *fakeEngine) RemoveContainer(context.Context, string, bool) error { return nil }
func (f *fakeEngine) ImageExists(context.Context, string) (bool, error) {
	return f.imageExists, nil
}
func (f *fakeEngine) ImageLabel(context.Context, string, string) (string, error) {
	return "", nil
}
func (f *fakeEngine) RemoveImage(context.Context, string, bool) error { return nil }

func (f *fakeEngine) recordedRuns() []container.RunOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]container.RunOptions, len(f.runs))
	copy(out, f.runs)
	return out
}

func loadManifest(t *testing.T, content string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse("cpanfile", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func loadPolicy(t *testing.T, content string) *policy.Store {
	t.Helper()
	p, err := policy.Parse("policy.ini", []byte(content))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func newOrchestrator(t *testing.T, engine container.Engine, m *manifest.Manifest, p *policy.Store, opts Options) *Orchestrator {
	t.Helper()
	if opts.Image == "" {
		opts.Image = "depstage-dev"
	}
	if opts.ReportDir == "" {
		opts.ReportDir = t.TempDir()
	}
	o, err := New(engine, m, p, opts)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestRunFullSuite_SkipWithReason(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B\";\nrequires \"C\";\n")
	p := loadPolicy(t, "[B]\nskip_test = yes\nreason = flaky\n")
	engine := newFakeEngine()
	o := newOrchestrator(t, engine, m, p, Options{})

	report, err := o.RunFullSuite(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	c := report.Counts()
	if c.OK != 2 || c.Fail != 0 || c.Skip != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	if report.Outcomes[1].Name != "B" || report.Outcomes[1].Status != StatusSkip || report.Outcomes[1].Reason != "flaky" {
		t.Errorf("unexpected outcome for B: %+v", report.Outcomes[1])
	}
}

func TestRunFullSuite_FailureContainment(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B\";\nrequires \"C\";\nrequires \"D\";\nrequires \"E\";\n")
	engine := newFakeEngine()
	engine.script("C", runScript{exitCode: 2, output: "t/x.t .. Dubious\n"})
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{Jobs: 1})

	report, err := o.RunFullSuite(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Outcomes) != 5 {
		t.Fatalf("one failure must not abort the walk, got %d outcomes", len(report.Outcomes))
	}
	c := report.Counts()
	if c.OK != 4 || c.Fail != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestRunFullSuite_OutcomesKeepManifestOrder(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B\";\nrequires \"C\";\nrequires \"D\";\nrequires \"E\";\nrequires \"F\";\n")
	engine := newFakeEngine()
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{Jobs: 4})

	report, err := o.RunFullSuite(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"A", "B", "C", "D", "E", "F"}
	for i, name := range want {
		if report.Outcomes[i].Name != name {
			t.Fatalf("outcome %d is %s, want %s (order must match the manifest)", i, report.Outcomes[i].Name, name)
		}
	}
}

func TestRunFullSuite_DetailLogAsymmetry(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B::Deep\";\nrequires \"C\";\n")
	engine := newFakeEngine()
	engine.script("B::Deep", runScript{exitCode: 1, output: "boom\n"})
	reportDir := t.TempDir()
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{ReportDir: reportDir, Jobs: 1})

	if _, err := o.RunFullSuite(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(reportDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "B-Deep.log" {
		t.Fatalf("all-mode must log failures only, got %v", entries)
	}
}

func TestRunFullSuite_SingleModuleAlwaysLogs(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B\";\n")
	engine := newFakeEngine()
	reportDir := t.TempDir()
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{ReportDir: reportDir})

	report, err := o.RunFullSuite(context.Background(), "A")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Outcomes) != 1 || report.Outcomes[0].Status != StatusOK {
		t.Fatalf("unexpected outcomes: %+v", report.Outcomes)
	}

	entries, err := os.ReadDir(reportDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "A.log" {
		t.Fatalf("single-module mode must always log, got %v", entries)
	}
}

func TestRunFullSuite_UnknownSingleModule(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\n")
	o := newOrchestrator(t, newFakeEngine(), m, policy.Empty(), Options{})

	_, err := o.RunFullSuite(context.Background(), "NeverConfigured::Module")
	var unknown *UnknownModuleError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownModuleError, got %v", err)
	}
}

func TestRunFullSuite_PolicyOverridesReachEngine(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"Net::SSLeay\";\n")
	p := loadPolicy(t, "[Net::SSLeay]\ntest_cmd = prove -l t/ssl.t\nenv.NO_NETWORK_TESTS = 1\n")
	engine := newFakeEngine()
	o := newOrchestrator(t, engine, m, p, Options{})

	if _, err := o.RunFullSuite(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	runs := engine.recordedRuns()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	wantArgv := []string{"prove", "-l", "t/ssl.t"}
	if len(runs[0].Command) != len(wantArgv) {
		t.Fatalf("unexpected argv %v", runs[0].Command)
	}
	for i, arg := range wantArgv {
		if runs[0].Command[i] != arg {
			t.Errorf("argv[%d] = %q, want %q", i, runs[0].Command[i], arg)
		}
	}
	if runs[0].Env["NO_NETWORK_TESTS"] != "1" {
		t.Errorf("env override not injected: %v", runs[0].Env)
	}
}

func TestRunFullSuite_AlreadySatisfiedMarker(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"Plack\";\n")
	engine := newFakeEngine()
	engine.script("Plack", runScript{exitCode: 0, output: "Plack-2.0 is up to date.\n"})
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{})

	report, err := o.RunFullSuite(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcomes[0].Status != StatusSkip || report.Outcomes[0].Reason != AlreadySatisfiedReason {
		t.Errorf("unexpected outcome: %+v", report.Outcomes[0])
	}
}

func TestRunFullSuite_EngineFailureIsOutcome(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B\";\n")
	engine := newFakeEngine()
	engine.script("A", runScript{err: errors.New("engine exploded")})
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{Jobs: 1})

	report, err := o.RunFullSuite(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcomes[0].Status != StatusFail || !strings.Contains(report.Outcomes[0].Reason, "engine exploded") {
		t.Errorf("engine failure must become a FAIL outcome: %+v", report.Outcomes[0])
	}
	if report.Outcomes[1].Status != StatusOK {
		t.Errorf("engine failure must not abort the walk: %+v", report.Outcomes[1])
	}
}

func TestRunLoadCheck(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\nrequires \"B\";\nrequires \"C\";\n")
	p := loadPolicy(t, "[B]\nskip_load = yes\nreason = XS build only\n")
	engine := newFakeEngine()
	engine.script("C", runScript{exitCode: 2, output: "Can't locate C.pm in @INC\n"})
	o := newOrchestrator(t, engine, m, p, Options{})

	report, err := o.RunLoadCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		name   string
		status Status
	}{
		{"A", StatusOK},
		{"B", StatusSkip},
		{"C", StatusFail},
	}
	for i, w := range want {
		if report.Outcomes[i].Name != w.name || report.Outcomes[i].Status != w.status {
			t.Errorf("outcome %d: got %+v, want %s %s", i, report.Outcomes[i], w.name, w.status)
		}
	}
	if report.Outcomes[1].Reason != "XS build only" {
		t.Errorf("skip reason lost: %+v", report.Outcomes[1])
	}

	// Load checks use the load command, not the test command.
	runs := engine.recordedRuns()
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Command[0] != "perl" || runs[0].Command[1] != "-MA" {
		t.Errorf("unexpected load argv: %v", runs[0].Command)
	}
}

func TestRun_MissingImage(t *testing.T) {
	t.Parallel()
	m := loadManifest(t, "requires \"A\";\n")
	engine := newFakeEngine()
	engine.imageExists = false
	o := newOrchestrator(t, engine, m, policy.Empty(), Options{})

	_, err := o.RunLoadCheck(context.Background())
	var missing *ImageMissingError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *ImageMissingError, got %v", err)
	}

	_, err = o.RunFullSuite(context.Background(), "")
	if !errors.As(err, &missing) {
		t.Fatalf("expected *ImageMissingError, got %v", err)
	}
}
