// SPDX-License-Identifier: MPL-2.0

package issue

import "github.com/charmbracelet/glamour"

// render is a package variable so tests can stub out terminal rendering.
var render = glamour.Render

// RenderGuidance renders remediation guidance markdown for terminal display.
// When rendering fails (no TTY capabilities, broken style), the raw markdown
// is returned so the guidance is never lost.
func RenderGuidance(markdown string) string {
	out, err := render(markdown, "auto")
	if err != nil {
		return markdown
	}
	return out
}
