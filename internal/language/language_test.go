package language

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/michaelbrown/runbox/internal/config"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(map[string]Spec{
		"python":     {Image: "python:3.10-alpine", Filename: "main.py", Command: []string{"python", "-u", "{file}"}},
		"JavaScript": {Image: "node:16-alpine", Filename: "main.js", Command: []string{"node", "{file}"}},
	})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	return tbl
}

func TestLookup(t *testing.T) {
	tbl := testTable(t)

	s, err := tbl.Lookup("Python")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s.Name != "python" || s.Image != "python:3.10-alpine" {
		t.Errorf("unexpected spec: %+v", s)
	}

	if _, err := tbl.Lookup("javascript"); err != nil {
		t.Errorf("names should be normalized to lower case: %v", err)
	}

	_, err = tbl.Lookup("cobol")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestArgv(t *testing.T) {
	s := Spec{Filename: "main.py", Command: []string{"python", "-u", "{file}"}}
	got := s.Argv("/code")
	want := []string{"python", "-u", "/code/main.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Argv = %v, want %v", got, want)
	}
	if s.Command[2] != "{file}" {
		t.Error("Argv must not modify the spec command")
	}
}

func TestNamesAndImages(t *testing.T) {
	tbl := testTable(t)
	if got := tbl.Names(); !reflect.DeepEqual(got, []string{"javascript", "python"}) {
		t.Errorf("Names = %v", got)
	}
	if got := tbl.Images(); len(got) != 2 {
		t.Errorf("Images = %v", got)
	}
}

func TestNewTableRejectsInvalid(t *testing.T) {
	cases := map[string]Spec{
		"no image":   {Filename: "a.py", Command: []string{"python"}},
		"path name":  {Image: "x", Filename: "../a.py", Command: []string{"python"}},
		"no command": {Image: "x", Filename: "a.py"},
	}
	for name, s := range cases {
		if _, err := NewTable(map[string]Spec{"x": s}); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestFromConfigWithLanguagesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "languages.yaml")
	data := `
languages:
  ruby:
    image: ruby:3.3-alpine
    filename: main.rb
    command: ["ruby", "{file}"]
  python:
    image: python:3.12-alpine
    filename: main.py
    command: ["python3", "{file}"]
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Languages: map[string]config.LanguageConfig{
			"python": {Image: "python:3.10-alpine", Filename: "main.py", Command: []string{"python", "{file}"}},
		},
		Sandbox: config.SandboxConfig{LanguagesFile: file},
	}

	tbl, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if got := tbl.Names(); !reflect.DeepEqual(got, []string{"python", "ruby"}) {
		t.Errorf("Names = %v", got)
	}
	py, _ := tbl.Lookup("python")
	if py.Image != "python:3.12-alpine" {
		t.Errorf("languages file should override config, got %s", py.Image)
	}
}

func TestFromConfigMissingFile(t *testing.T) {
	cfg := &config.Config{Sandbox: config.SandboxConfig{LanguagesFile: "/nonexistent/languages.yaml"}}
	if _, err := FromConfig(cfg); err == nil {
		t.Fatal("expected error for missing languages file")
	}
}
