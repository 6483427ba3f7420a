// SPDX-License-Identifier: MPL-2.0

package orchestrator

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Outcome is the result of one dependency's check.
	Outcome struct {
		Name string `yaml:"name"`
		// Status is OK, FAIL or SKIP.
		Status Status `yaml:"status"`
		// Reason carries the skip reason or the failure error text.
		Reason string `yaml:"reason,omitempty"`
		// ExitCode is the checked command's exit code (0 for skips).
		ExitCode int `yaml:"exit_code"`
		// DetailLog is the detail log filename, when one was written.
		DetailLog string `yaml:"detail_log,omitempty"`
	}

	// Counts aggregates outcome totals.
	Counts struct {
		OK    int `yaml:"ok"`
		Fail  int `yaml:"fail"`
		Skip  int `yaml:"skip"`
		Total int `yaml:"total"`
	}

	// RunReport is the aggregated result of one orchestrator run. Outcomes
	// keep manifest declaration order regardless of execution order.
	RunReport struct {
		Mode     Mode      `yaml:"mode"`
		Image    string    `yaml:"image"`
		Started  time.Time `yaml:"started"`
		Outcomes []Outcome `yaml:"outcomes"`
	}
)

// Counts tallies the outcomes.
func (r *RunReport) Counts() Counts {
	c := Counts{Total: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusOK:
			c.OK++
		case StatusFail:
			c.Fail++
		case StatusSkip:
			c.Skip++
		}
	}
	return c
}

// Failed returns the failed outcomes in report order.
func (r *RunReport) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFail {
			out = append(out, o)
		}
	}
	return out
}

// Skipped returns the skipped outcomes in report order.
func (r *RunReport) Skipped() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusSkip {
			out = append(out, o)
		}
	}
	return out
}

// WriteSummary writes the plain-text summary: header, per-dependency status
// lines, counts, failed list, then skipped list with reasons. Section order
// is fixed; consumers parse it.
func (r *RunReport) WriteSummary(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "depstage %s run against %s (%s)\n", r.Mode, r.Image, r.Started.Format(time.RFC3339))
	sb.WriteString(strings.Repeat("-", 60) + "\n")

	for _, o := range r.Outcomes {
		fmt.Fprintf(&sb, "%-4s  %s\n", o.Status, o.Name)
	}

	c := r.Counts()
	fmt.Fprintf(&sb, "\nResults: %d OK, %d FAIL, %d SKIP (of %d)\n", c.OK, c.Fail, c.Skip, c.Total)

	if failed := r.Failed(); len(failed) > 0 {
		sb.WriteString("\nFailed:\n")
		for _, o := range failed {
			fmt.Fprintf(&sb, "  %s (%s)\n", o.Name, o.DetailLog)
		}
	}

	if skipped := r.Skipped(); len(skipped) > 0 {
		sb.WriteString("\nSkipped:\n")
		for _, o := range skipped {
			fmt.Fprintf(&sb, "  %s: %s\n", o.Name, o.Reason)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// WriteYAML writes the machine-readable report.
func (r *RunReport) WriteYAML(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write run report %s: %w", path, err)
	}
	return nil
}

// DetailLogName derives the deterministic detail log filename for a
// dependency: namespace separators become filesystem-safe dashes.
func DetailLogName(name string) string {
	return strings.ReplaceAll(name, "::", "-") + ".log"
}
