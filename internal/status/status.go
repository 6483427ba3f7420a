// SPDX-License-Identifier: MPL-2.0

// Package status detects drift: mismatches between the lock file's current
// hash, the published bundle artifacts, and the bundle hash label baked into
// each built image. Reporting is strictly read-only; it never repoints the
// latest alias, builds anything, or touches images.
package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"depstage/internal/bundle"
	"depstage/internal/container"
	"depstage/internal/issue"
	"depstage/internal/stage"
)

// State is the drift classification for one subject.
type State string

const (
	// StateOK means the subject matches the current lock hash.
	StateOK State = "OK"
	// StateWarning means the subject exists but was built from another hash.
	StateWarning State = "WARNING"
	// StateMissing means the subject does not exist yet.
	StateMissing State = "MISSING"
)

type (
	// Row is one subject's drift finding.
	Row struct {
		// Subject names what was checked: "bundle" or an image tag.
		Subject string
		State   State
		// Detail explains non-OK states.
		Detail string
	}

	// Report is the full drift picture for one lock file.
	Report struct {
		// Hash is the current lock file's bundle hash.
		Hash string
		Rows []Row
		// resync holds the commands that would clear the drift, in order.
		resync []string
	}

	// Options configures a Reporter.
	Options struct {
		// LockPath is the lock file whose hash is the reference point.
		LockPath string
		// ImagePrefix is the materializer's tag prefix.
		ImagePrefix string
	}

	// Reporter cross-references the lock file, the bundle store and built
	// images.
	Reporter struct {
		engine container.Engine
		store  *bundle.Store
		opts   Options
	}
)

// checkedStages are the images drift detection covers, in resync order.
var checkedStages = []string{stage.Dev, stage.Runtime}

// NewReporter creates a Reporter.
func NewReporter(engine container.Engine, store *bundle.Store, opts Options) *Reporter {
	if opts.ImagePrefix == "" {
		opts.ImagePrefix = "depstage"
	}
	return &Reporter{engine: engine, store: store, opts: opts}
}

// Drift reports whether any row is not OK.
func (r *Report) Drift() bool {
	for _, row := range r.Rows {
		if row.State != StateOK {
			return true
		}
	}
	return false
}

// Report builds the drift report.
func (r *Reporter) Report(ctx context.Context) (*Report, error) {
	hash, _, err := bundle.HashLockFile(r.opts.LockPath)
	if err != nil {
		return nil, err
	}

	report := &Report{Hash: hash}

	bundleRow, err := r.checkBundle(hash)
	if err != nil {
		return nil, err
	}
	report.Rows = append(report.Rows, bundleRow)
	if report.Rows[0].State != StateOK {
		report.resync = append(report.resync, "depstage bundle")
	}

	for _, stageName := range checkedStages {
		tag := r.opts.ImagePrefix + "-" + stageName
		row, err := r.checkImage(ctx, tag, hash)
		if err != nil {
			return nil, err
		}
		report.Rows = append(report.Rows, row)
		if row.State != StateOK {
			report.resync = append(report.resync, "depstage build "+stageName)
		}
	}

	return report, nil
}

// checkBundle compares the current hash against the published artifacts
// without resolving (resolving would repoint the latest alias).
func (r *Reporter) checkBundle(hash string) (Row, error) {
	row := Row{Subject: "bundle"}

	if _, err := os.Stat(r.store.ArtifactPath(hash)); err == nil {
		row.State = StateOK
		row.Detail = "bundle-" + hash + "." + bundle.ArchiveExt
		return row, nil
	}

	others, err := r.store.Artifacts()
	if err != nil {
		// An unreadable store is a failure, not "no bundle yet".
		return row, fmt.Errorf("check bundle store: %w", err)
	}
	if len(others) == 0 {
		row.State = StateMissing
		row.Detail = "no bundle artifact for hash " + hash
		return row, nil
	}
	row.State = StateWarning
	row.Detail = fmt.Sprintf("no artifact for hash %s; store holds %s", hash, strings.Join(others, ", "))
	return row, nil
}

// checkImage compares an image's bundle hash label against the current hash.
func (r *Reporter) checkImage(ctx context.Context, tag, hash string) (Row, error) {
	row := Row{Subject: tag}

	exists, err := r.engine.ImageExists(ctx, tag)
	if err != nil {
		return row, fmt.Errorf("check image %q: %w", tag, err)
	}
	if !exists {
		row.State = StateMissing
		row.Detail = "image not built"
		return row, nil
	}

	label, err := r.engine.ImageLabel(ctx, tag, stage.BundleHashLabel)
	if err != nil {
		return row, fmt.Errorf("read %s label of %q: %w", stage.BundleHashLabel, tag, err)
	}
	switch label {
	case hash:
		row.State = StateOK
	case "":
		row.State = StateWarning
		row.Detail = "image carries no bundle hash label"
	default:
		row.State = StateWarning
		row.Detail = fmt.Sprintf("built from bundle %s, lock file is now %s", label, hash)
	}
	return row, nil
}

// WriteText writes the human-oriented listing followed, when anything is
// stale, by the minimal resync command sequence rendered as markdown
// guidance.
func (r *Report) WriteText(w io.Writer) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Lock file hash: %s\n\n", r.Hash)
	for _, row := range r.Rows {
		fmt.Fprintf(&sb, "%-8s %s", row.State, row.Subject)
		if row.Detail != "" {
			fmt.Fprintf(&sb, "  (%s)", row.Detail)
		}
		sb.WriteString("\n")
	}

	if r.Drift() {
		var md strings.Builder
		md.WriteString("\n## Resync\n\nRun, in order:\n\n")
		for _, cmd := range r.resync {
			fmt.Fprintf(&md, "1. `%s`\n", cmd)
		}
		sb.WriteString(issue.RenderGuidance(md.String()))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// ResyncCommands returns the ordered commands that would clear the drift.
func (r *Report) ResyncCommands() []string {
	out := make([]string, len(r.resync))
	copy(out, r.resync)
	return out
}
