// SPDX-License-Identifier: MPL-2.0

// Package orchestrator walks the manifest's dependency list against a
// materialized image, consulting per-dependency policy, and aggregates
// OK/FAIL/SKIP outcomes into a run report. A failing dependency never aborts
// the walk; failure containment is a hard requirement.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/shell"

	"depstage/internal/container"
	"depstage/internal/manifest"
	"depstage/internal/policy"
)

// Mode selects what each dependency check does.
type Mode string

const (
	// LoadCheck only verifies each dependency loads inside the image.
	LoadCheck Mode = "load-check"
	// FullSuite runs each dependency's test suite inside the image.
	FullSuite Mode = "full-suite"
)

// modulePlaceholder is substituted with the dependency name in command
// templates.
const modulePlaceholder = "{module}"

// Default command templates. Load checks compile-load the module and exit;
// full runs re-test the locked distribution from the offline mirror.
const (
	DefaultLoadCommand = `perl -M{module} -e 1`
	DefaultTestCommand = `cpanm --test-only {module}`
)

type (
	// Options configures an orchestrator run.
	Options struct {
		// Image is the materialized image checks run in.
		Image string
		// ReportDir receives detail logs and the machine-readable report.
		ReportDir string
		// Jobs bounds parallel full-suite checks. Zero means NumCPU.
		Jobs int
		// LoadCommand is the load-check command template. {module} is
		// replaced with the dependency name. Defaults to DefaultLoadCommand.
		LoadCommand string
		// TestCommand is the full-suite command template, overridable per
		// dependency by policy. Defaults to DefaultTestCommand.
		TestCommand string
		// SuccessMarker and AlreadyMarker override the classification
		// patterns (regexp source).
		SuccessMarker string
		AlreadyMarker string
	}

	// Orchestrator executes dependency checks.
	Orchestrator struct {
		engine   container.Engine
		manifest *manifest.Manifest
		policies *policy.Store
		classify *classifier
		opts     Options
	}

	// UnknownModuleError reports a single-module run naming a dependency the
	// manifest does not declare. It is a usage error, distinct from a
	// failing test.
	UnknownModuleError struct {
		Name string
	}

	// ImageMissingError reports a run against an image that does not exist
	// locally.
	ImageMissingError struct {
		Image string
	}
)

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("dependency %q is not declared in the manifest", e.Name)
}

func (e *ImageMissingError) Error() string {
	return fmt.Sprintf("image %q does not exist; build it first", e.Image)
}

// New creates an Orchestrator. The marker patterns are compiled eagerly so a
// bad pattern fails before any container runs.
func New(engine container.Engine, m *manifest.Manifest, p *policy.Store, opts Options) (*Orchestrator, error) {
	if opts.LoadCommand == "" {
		opts.LoadCommand = DefaultLoadCommand
	}
	if opts.TestCommand == "" {
		opts.TestCommand = DefaultTestCommand
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	c, err := newClassifier(opts.SuccessMarker, opts.AlreadyMarker)
	if err != nil {
		return nil, fmt.Errorf("compile outcome marker: %w", err)
	}
	return &Orchestrator{engine: engine, manifest: m, policies: p, classify: c, opts: opts}, nil
}

// RunLoadCheck verifies every manifest dependency loads in the image, in
// declaration order, sequentially. Detail logs are written for failures.
func (o *Orchestrator) RunLoadCheck(ctx context.Context) (*RunReport, error) {
	if err := o.ensureImage(ctx); err != nil {
		return nil, err
	}

	report := &RunReport{Mode: LoadCheck, Image: o.opts.Image, Started: time.Now()}

	for _, dep := range o.manifest.Dependencies {
		if o.policies.SkipLoad(dep.Name) {
			report.Outcomes = append(report.Outcomes, Outcome{
				Name:   dep.Name,
				Status: StatusSkip,
				Reason: o.policies.Reason(dep.Name),
			})
			continue
		}

		argv, err := expandTemplate(o.opts.LoadCommand, dep.Name)
		if err != nil {
			return nil, err
		}

		exitCode, output, runErr := o.runInImage(ctx, argv, nil)
		outcome := Outcome{Name: dep.Name, ExitCode: exitCode}
		switch {
		case runErr != nil:
			outcome.Status = StatusFail
			outcome.Reason = runErr.Error()
		case exitCode == 0:
			outcome.Status = StatusOK
		default:
			outcome.Status = StatusFail
			outcome.Reason = firstLine(output)
		}

		if outcome.Status == StatusFail {
			if name, err := o.writeDetailLog(outcome, argv, nil, output); err == nil {
				outcome.DetailLog = name
			} else {
				slog.Debug("detail log write failed", "dependency", dep.Name, "error", err)
			}
		}

		report.Outcomes = append(report.Outcomes, outcome)
	}

	return report, nil
}

// RunFullSuite runs each dependency's test suite. With single set, only that
// dependency runs (sequentially, detail log always written); an unknown name
// is a usage error. Without it, dependencies run on a bounded worker pool and
// detail logs are written for failures only.
func (o *Orchestrator) RunFullSuite(ctx context.Context, single string) (*RunReport, error) {
	if single != "" && !o.manifest.Contains(single) {
		return nil, &UnknownModuleError{Name: single}
	}
	if err := o.ensureImage(ctx); err != nil {
		return nil, err
	}

	report := &RunReport{Mode: FullSuite, Image: o.opts.Image, Started: time.Now()}

	if single != "" {
		for _, dep := range o.manifest.Dependencies {
			if dep.Name != single {
				continue
			}
			outcome := o.checkOne(ctx, dep.Name, true)
			report.Outcomes = append(report.Outcomes, outcome)
		}
		return report, nil
	}

	report.Outcomes = o.runPool(ctx)
	return report, nil
}

// runPool executes the full dependency list on a bounded worker pool. Each
// worker owns its output buffers; a single collector reassembles outcomes
// into manifest order.
func (o *Orchestrator) runPool(ctx context.Context) []Outcome {
	type indexed struct {
		index int
		name  string
	}
	type done struct {
		index   int
		outcome Outcome
	}

	deps := o.manifest.Dependencies
	jobs := make(chan indexed)
	results := make(chan done)

	workers := o.opts.Jobs
	if workers > len(deps) {
		workers = len(deps)
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- done{index: job.index, outcome: o.checkOne(ctx, job.name, false)}
			}
		}()
	}

	go func() {
		for i, dep := range deps {
			jobs <- indexed{index: i, name: dep.Name}
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	outcomes := make([]Outcome, len(deps))
	for res := range results {
		outcomes[res.index] = res.outcome
	}
	return outcomes
}

// checkOne runs one dependency's test suite and classifies the result.
// alwaysLog forces a detail log regardless of outcome (single-module runs
// are a debugging tool and always want full output).
func (o *Orchestrator) checkOne(ctx context.Context, name string, alwaysLog bool) Outcome {
	if o.policies.SkipTest(name) {
		return Outcome{Name: name, Status: StatusSkip, Reason: o.policies.Reason(name)}
	}

	env := o.policies.EnvOverrides(name)

	template := o.opts.TestCommand
	if override := o.policies.TestCommand(name); override != "" {
		template = override
	}
	argv, err := expandTemplate(template, name)
	if err != nil {
		return Outcome{Name: name, Status: StatusFail, Reason: err.Error()}
	}

	exitCode, output, runErr := o.runInImage(ctx, argv, env)

	outcome := Outcome{Name: name, ExitCode: exitCode}
	if runErr != nil {
		outcome.Status = StatusFail
		outcome.Reason = runErr.Error()
	} else {
		outcome.Status = o.classify.classify(exitCode, output)
		switch outcome.Status {
		case StatusSkip:
			outcome.Reason = AlreadySatisfiedReason
		case StatusFail:
			outcome.Reason = firstLine(output)
		}
	}

	if alwaysLog || outcome.Status == StatusFail {
		if logName, err := o.writeDetailLog(outcome, argv, env, output); err == nil {
			outcome.DetailLog = logName
		} else {
			slog.Debug("detail log write failed", "dependency", name, "error", err)
		}
	}

	return outcome
}

// runInImage executes argv in a fresh container of the target image,
// capturing combined output. A non-zero exit is a result, not an error; the
// returned error covers engine-level failures only.
func (o *Orchestrator) runInImage(ctx context.Context, argv []string, env map[string]string) (int, []byte, error) {
	var buf bytes.Buffer
	result, err := o.engine.Run(ctx, container.RunOptions{
		Image:   o.opts.Image,
		Command: argv,
		Env:     env,
		Remove:  true,
		Stdout:  &buf,
		Stderr:  &buf,
	})
	if err != nil {
		return -1, buf.Bytes(), err
	}
	if result.Error != nil {
		return -1, buf.Bytes(), result.Error
	}
	return result.ExitCode, buf.Bytes(), nil
}

// writeDetailLog writes the full capture for one dependency to the report
// dir and returns the log's filename.
func (o *Orchestrator) writeDetailLog(outcome Outcome, argv []string, env map[string]string, output []byte) (string, error) {
	if err := os.MkdirAll(o.opts.ReportDir, 0o755); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", outcome.Status)
	fmt.Fprintf(&sb, "Name: %s\n", outcome.Name)
	fmt.Fprintf(&sb, "Exit code: %d\n", outcome.ExitCode)
	fmt.Fprintf(&sb, "Environment: %s\n", formatEnv(env))
	fmt.Fprintf(&sb, "Command: %s\n", strings.Join(argv, " "))
	sb.WriteString("\n")
	sb.Write(output)

	name := DetailLogName(outcome.Name)
	if err := os.WriteFile(filepath.Join(o.opts.ReportDir, name), []byte(sb.String()), 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// ensureImage fails fast when the target image is absent, before any
// dependency work starts.
func (o *Orchestrator) ensureImage(ctx context.Context) error {
	exists, err := o.engine.ImageExists(ctx, o.opts.Image)
	if err != nil {
		return fmt.Errorf("check image %q: %w", o.opts.Image, err)
	}
	if !exists {
		return &ImageMissingError{Image: o.opts.Image}
	}
	return nil
}

// expandTemplate splits a command template into an argv without invoking a
// shell, then substitutes the dependency name. Splitting before substitution
// keeps names containing metacharacters inert.
func expandTemplate(template, name string) ([]string, error) {
	fields, err := shell.Fields(template, nil)
	if err != nil {
		return nil, fmt.Errorf("parse command template %q: %w", template, err)
	}
	argv := make([]string, len(fields))
	for i, f := range fields {
		argv[i] = strings.ReplaceAll(f, modulePlaceholder, name)
	}
	return argv, nil
}

// formatEnv renders env overrides for the detail log header, sorted for
// stable output.
func formatEnv(env map[string]string) string {
	if len(env) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + env[k]
	}
	return strings.Join(parts, " ")
}

// firstLine returns the first line of captured output, trimmed, for use as
// a short failure reason.
func firstLine(output []byte) string {
	line, _, _ := bytes.Cut(output, []byte("\n"))
	return strings.TrimSpace(string(line))
}
