// SPDX-License-Identifier: MPL-2.0

package orchestrator

import "regexp"

// Status is the outcome classification for one dependency check.
type Status string

const (
	StatusOK   Status = "OK"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

// Default output markers. The Perl toolchain prints "All tests successful"
// on a clean prove/make-test run and "<dist> is up to date" when a
// distribution is already installed and tested at the locked version.
var (
	defaultSuccessMarker = regexp.MustCompile(`All tests successful`)
	defaultAlreadyMarker = regexp.MustCompile(`is up to date`)
)

// AlreadySatisfiedReason is the recorded reason for marker-detected skips.
const AlreadySatisfiedReason = "already tested/up to date"

// classifier turns an exit code and captured output into a Status. All
// marker matching lives here so the rules can evolve without touching
// execution logic.
type classifier struct {
	success *regexp.Regexp
	already *regexp.Regexp
}

func newClassifier(successPattern, alreadyPattern string) (*classifier, error) {
	c := &classifier{success: defaultSuccessMarker, already: defaultAlreadyMarker}
	if successPattern != "" {
		re, err := regexp.Compile(successPattern)
		if err != nil {
			return nil, err
		}
		c.success = re
	}
	if alreadyPattern != "" {
		re, err := regexp.Compile(alreadyPattern)
		if err != nil {
			return nil, err
		}
		c.already = re
	}
	return c, nil
}

// classify applies the marker rules: a zero exit with the success marker is
// OK, the already-satisfied marker is SKIP regardless of exit code, anything
// else is FAIL.
func (c *classifier) classify(exitCode int, output []byte) Status {
	if exitCode == 0 && c.success.Match(output) {
		return StatusOK
	}
	if c.already.Match(output) {
		return StatusSkip
	}
	return StatusFail
}
