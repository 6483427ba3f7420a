// SPDX-License-Identifier: MPL-2.0

// Package policy parses the per-dependency override configuration consulted by
// the test orchestrator. The file is INI-like:
//
//	[Some::Module]
//	skip_test = yes
//	reason = upstream suite needs network access
//	env.SOME_VAR = value
//	test_cmd = prove -l t/basic.t
//
// Sections are keyed by dependency name; keys apply until the next section
// header. Unknown keys are ignored so older binaries tolerate newer files.
// A missing policy file is not an error — it simply yields an empty store.
package policy

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// envKeyPrefix marks keys that populate per-dependency environment overrides.
// The suffix after the prefix is the environment variable name, preserved
// case-sensitively (viper-style parsing would lowercase it, which is why this
// package parses by hand).
const envKeyPrefix = "env."

type (
	// Entry holds the overrides configured for one dependency.
	Entry struct {
		SkipLoad bool
		SkipTest bool
		Reason   string
		// Env maps variable names to values injected into the dependency's
		// test process. Arbitrary names are accepted by design.
		Env map[string]string
		// TestCommand, when non-empty, replaces the default test invocation.
		TestCommand string
	}

	// Store is the read-only policy lookup built once per run.
	Store struct {
		entries map[string]*Entry
	}

	// ParseError reports a line that is neither a section header, a key=value
	// pair, a comment, nor blank.
	ParseError struct {
		Path string
		Line int
		Text string
	}
)

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: malformed policy line: %q", e.Path, e.Line, e.Text)
}

// Empty returns a store with no entries; every query answers its default.
func Empty() *Store {
	return &Store{entries: map[string]*Entry{}}
}

// Load reads the policy file at path. A missing file yields an empty store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	return Parse(path, data)
}

// Parse parses policy content. The path parameter is used in error messages.
func Parse(path string, data []byte) (*Store, error) {
	s := &Store{entries: map[string]*Entry{}}

	var current *Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if name == "" {
				return nil, &ParseError{Path: path, Line: lineNo, Text: line}
			}
			current = s.entry(name)
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found || current == nil {
			return nil, &ParseError{Path: path, Line: lineNo, Text: line}
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "skip_load":
			current.SkipLoad = parseBool(value)
		case key == "skip_test":
			current.SkipTest = parseBool(value)
		case key == "reason":
			current.Reason = value
		case key == "test_cmd":
			current.TestCommand = value
		case strings.HasPrefix(key, envKeyPrefix):
			varName := key[len(envKeyPrefix):]
			if varName == "" {
				return nil, &ParseError{Path: path, Line: lineNo, Text: line}
			}
			if current.Env == nil {
				current.Env = make(map[string]string)
			}
			current.Env[varName] = value
		default:
			// Unknown keys are ignored for forward compatibility.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan policy file %s: %w", path, err)
	}

	return s, nil
}

// parseBool treats yes/true/1 (case-insensitive) as true, everything else as false.
func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

// entry returns the entry for name, creating it if needed. Repeated section
// headers for the same name merge into one entry.
func (s *Store) entry(name string) *Entry {
	if e, ok := s.entries[name]; ok {
		return e
	}
	e := &Entry{}
	s.entries[name] = e
	return e
}

// SkipLoad reports whether the named dependency's load check is skipped.
// Unknown names return false.
func (s *Store) SkipLoad(name string) bool {
	if e, ok := s.entries[name]; ok {
		return e.SkipLoad
	}
	return false
}

// SkipTest reports whether the named dependency's test run is skipped.
// Unknown names return false.
func (s *Store) SkipTest(name string) bool {
	if e, ok := s.entries[name]; ok {
		return e.SkipTest
	}
	return false
}

// Reason returns the configured skip reason. An entry that exists without a
// reason yields "skipped"; unknown names yield "".
func (s *Store) Reason(name string) string {
	e, ok := s.entries[name]
	if !ok {
		return ""
	}
	if e.Reason == "" {
		return "skipped"
	}
	return e.Reason
}

// EnvOverrides returns a copy of the environment overrides for name.
// Unknown names return an empty map.
func (s *Store) EnvOverrides(name string) map[string]string {
	out := make(map[string]string)
	if e, ok := s.entries[name]; ok {
		for k, v := range e.Env {
			out[k] = v
		}
	}
	return out
}

// TestCommand returns the custom test command for name, or "" when the
// default invocation should be used.
func (s *Store) TestCommand(name string) string {
	if e, ok := s.entries[name]; ok {
		return e.TestCommand
	}
	return ""
}

// Len returns the number of configured entries.
func (s *Store) Len() int {
	return len(s.entries)
}
