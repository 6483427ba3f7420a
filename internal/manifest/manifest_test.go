// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestParse_Declarations(t *testing.T) {
	t.Parallel()
	data := []byte(`# application dependencies
requires "Plack", "1.0047";
requires "JSON::XS";
requires 'DBI', '1.643';

on 'test' => sub {
};
`)
	m, err := Parse("cpanfile", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Dependency{
		{Name: "Plack", Constraint: "1.0047"},
		{Name: "JSON::XS", Constraint: ""},
		{Name: "DBI", Constraint: "1.643"},
	}
	if !slices.Equal(m.Dependencies, want) {
		t.Errorf("expected %v, got %v", want, m.Dependencies)
	}
}

func TestParse_CommentsAndNoise(t *testing.T) {
	t.Parallel()
	data := []byte(`# requires "NotReal";
   # indented comment
some unrelated line
`)
	m, err := Parse("cpanfile", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", m.Dependencies)
	}
}

func TestParse_MalformedRequires(t *testing.T) {
	t.Parallel()
	_, err := Parse("cpanfile", []byte(`requires Plack;`))
	if err == nil {
		t.Fatal("expected parse error, got nil")
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %T: %v", err, err)
	}
	if parseErr.Line != 1 {
		t.Errorf("expected line 1, got %d", parseErr.Line)
	}
}

func TestParse_DuplicatesPreserved(t *testing.T) {
	t.Parallel()
	data := []byte(`requires "Plack";
requires "Plack";
`)
	m, err := Parse("cpanfile", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Dependencies) != 2 {
		t.Errorf("duplicates must be preserved, got %v", m.Dependencies)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cpanfile")
	if err := os.WriteFile(path, []byte("requires \"Moose\", \"2.22\";\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(m.Names(), []string{"Moose"}) {
		t.Errorf("expected [Moose], got %v", m.Names())
	}
	if !m.Contains("Moose") || m.Contains("Nope") {
		t.Error("Contains gave wrong answer")
	}
}
