// SPDX-License-Identifier: MPL-2.0

package orchestrator

import "testing"

func TestClassify_DefaultMarkers(t *testing.T) {
	t.Parallel()
	c, err := newClassifier("", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		exitCode int
		output   string
		want     Status
	}{
		{"clean pass", 0, "t/basic.t .. ok\nAll tests successful.\n", StatusOK},
		{"zero exit without marker", 0, "nothing ran\n", StatusFail},
		{"marker with nonzero exit", 1, "All tests successful.\n", StatusFail},
		{"already satisfied", 0, "Plack-2.0 is up to date.\n", StatusSkip},
		{"already satisfied nonzero exit", 1, "Plack-2.0 is up to date.\n", StatusSkip},
		{"plain failure", 1, "t/basic.t .. Dubious, test returned 2\n", StatusFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.classify(tt.exitCode, []byte(tt.output)); got != tt.want {
				t.Errorf("classify(%d, %q) = %s, want %s", tt.exitCode, tt.output, got, tt.want)
			}
		})
	}
}

func TestClassify_CustomMarkers(t *testing.T) {
	t.Parallel()
	c, err := newClassifier(`PASSED`, `cached result`)
	if err != nil {
		t.Fatal(err)
	}

	if got := c.classify(0, []byte("suite PASSED\n")); got != StatusOK {
		t.Errorf("custom success marker: got %s", got)
	}
	if got := c.classify(0, []byte("All tests successful.\n")); got != StatusFail {
		t.Error("default marker must not apply once overridden")
	}
	if got := c.classify(0, []byte("cached result\n")); got != StatusSkip {
		t.Errorf("custom already marker: got %s", got)
	}
}

func TestNewClassifier_BadPattern(t *testing.T) {
	t.Parallel()
	if _, err := newClassifier(`(unclosed`, ""); err == nil {
		t.Fatal("invalid pattern must error")
	}
}
