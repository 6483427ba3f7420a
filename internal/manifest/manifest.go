// SPDX-License-Identifier: MPL-2.0

// Package manifest reads the application's dependency manifest: the ordered
// list of third-party module declarations that the bundle builder pins and the
// test orchestrator walks. The manifest format is line-oriented — one
// `requires "Name", "constraint";` declaration per line — and is owned by the
// external dependency resolver; this package only reads it.
package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// requiresRe matches a dependency declaration line. The constraint argument is
// optional; surrounding whitespace and the trailing semicolon are tolerated
// because the manifest is hand-edited.
var requiresRe = regexp.MustCompile(`^\s*requires\s+["']([^"']+)["']\s*(?:,\s*["']([^"']*)["'])?\s*;?\s*(?:#.*)?$`)

type (
	// Dependency is one declared third-party module. Immutable once parsed.
	Dependency struct {
		// Name is the namespaced module identifier (e.g., "Plack::Middleware::Static").
		Name string
		// Constraint is the declared version constraint; empty means "any".
		Constraint string
	}

	// Manifest is the ordered list of declared dependencies. Declaration order
	// is preserved and duplicates are NOT deduplicated: policy lookups are
	// name-keyed and idempotent, so repeated names are harmless, and dropping
	// them would silently diverge from what the resolver sees.
	Manifest struct {
		// Path is the file the manifest was loaded from.
		Path string
		// Dependencies in declaration order.
		Dependencies []Dependency
	}

	// ParseError reports a declaration line that matched the requires keyword
	// but could not be parsed into a name.
	ParseError struct {
		Path string
		Line int
		Text string
	}
)

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: malformed requires declaration: %q", e.Path, e.Line, e.Text)
}

// Load reads and parses the manifest at path. Lines starting with '#' and
// lines that don't look like declarations are ignored; a line that starts
// with the requires keyword but doesn't parse is a ParseError.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse parses manifest content. The path parameter is used in error messages.
func Parse(path string, data []byte) (*Manifest, error) {
	m := &Manifest{Path: path}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if match := requiresRe.FindStringSubmatch(line); match != nil {
			m.Dependencies = append(m.Dependencies, Dependency{
				Name:       match[1],
				Constraint: match[2],
			})
			continue
		}

		// A line that starts with the keyword but failed the pattern is a
		// genuine parse error; anything else (pragmas, blank noise) is ignored.
		if strings.HasPrefix(trimmed, "requires") {
			return nil, &ParseError{Path: path, Line: lineNo, Text: trimmed}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan manifest %s: %w", path, err)
	}

	return m, nil
}

// Names returns the dependency names in declaration order.
func (m *Manifest) Names() []string {
	names := make([]string, len(m.Dependencies))
	for i, d := range m.Dependencies {
		names[i] = d.Name
	}
	return names
}

// Contains reports whether the named dependency is declared.
func (m *Manifest) Contains(name string) bool {
	for _, d := range m.Dependencies {
		if d.Name == name {
			return true
		}
	}
	return false
}
