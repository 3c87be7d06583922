// Package language holds the table of runnable languages: which image runs
// them, what the source file is called and how the program is launched.
package language

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/runbox/internal/config"
)

// ErrUnsupported is returned by Lookup for languages missing from the table.
var ErrUnsupported = errors.New("unsupported language")

// FilePlaceholder is replaced in Command with the in-container source path.
const FilePlaceholder = "{file}"

// Spec describes how one language is executed.
type Spec struct {
	Name     string   `json:"name" yaml:"-"`
	Image    string   `json:"image" yaml:"image"`
	Filename string   `json:"filename" yaml:"filename"`
	Command  []string `json:"command" yaml:"command"`
}

// Argv returns the container command with the source path under mountPath
// substituted for FilePlaceholder.
func (s Spec) Argv(mountPath string) []string {
	file := path.Join(mountPath, s.Filename)
	argv := make([]string, len(s.Command))
	for i, arg := range s.Command {
		argv[i] = strings.ReplaceAll(arg, FilePlaceholder, file)
	}
	return argv
}

func (s Spec) validate() error {
	if s.Image == "" {
		return fmt.Errorf("language %q: image is required", s.Name)
	}
	if s.Filename == "" || s.Filename != path.Base(s.Filename) {
		return fmt.Errorf("language %q: filename must be a plain file name", s.Name)
	}
	if len(s.Command) == 0 {
		return fmt.Errorf("language %q: command is required", s.Name)
	}
	return nil
}

// Table maps language names to their Spec. It is read-only after construction.
type Table struct {
	specs map[string]Spec
}

// NewTable builds a table from specs keyed by name.
func NewTable(specs map[string]Spec) (*Table, error) {
	t := &Table{specs: make(map[string]Spec, len(specs))}
	for name, s := range specs {
		s.Name = strings.ToLower(name)
		if err := s.validate(); err != nil {
			return nil, err
		}
		t.specs[s.Name] = s
	}
	return t, nil
}

// FromConfig builds the table from the configured languages, overlaid with
// the optional sandbox.languages_file.
func FromConfig(cfg *config.Config) (*Table, error) {
	specs := make(map[string]Spec, len(cfg.Languages))
	for name, l := range cfg.Languages {
		specs[name] = Spec{Image: l.Image, Filename: l.Filename, Command: l.Command}
	}
	if cfg.Sandbox.LanguagesFile != "" {
		extra, err := LoadFile(cfg.Sandbox.LanguagesFile)
		if err != nil {
			return nil, err
		}
		for name, s := range extra {
			specs[name] = s
		}
	}
	return NewTable(specs)
}

type languagesFile struct {
	Languages map[string]Spec `yaml:"languages"`
}

// LoadFile reads a YAML file with a top-level "languages" map.
func LoadFile(path string) (map[string]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages file: %w", err)
	}

	var f languagesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing languages file: %w", err)
	}
	return f.Languages, nil
}

// Lookup returns the spec for name, case-insensitively.
func (t *Table) Lookup(name string) (Spec, error) {
	s, ok := t.specs[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnsupported, name)
	}
	return s, nil
}

// Names returns the supported language names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.specs))
	for name := range t.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns every spec sorted by name.
func (t *Table) Specs() []Spec {
	out := make([]Spec, 0, len(t.specs))
	for _, name := range t.Names() {
		out = append(out, t.specs[name])
	}
	return out
}

// Images returns the distinct images referenced by the table.
func (t *Table) Images() []string {
	seen := make(map[string]bool)
	var images []string
	for _, s := range t.Specs() {
		if !seen[s.Image] {
			seen[s.Image] = true
			images = append(images, s.Image)
		}
	}
	return images
}
