// Package parser reads the declarative work graph of a job.
//
// Three layouts are accepted: a YAML document, a markdown document whose
// frontmatter holds the same YAML, and a directory with a job.md (or
// README.md) for the job settings plus one markdown file per unit.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// Unit is one declared unit of work
type Unit struct {
	ID        string   `yaml:"id"`
	Title     string   `yaml:"title,omitempty"`
	DependsOn []string `yaml:"depends_on"`
	Critical  bool     `yaml:"critical"`
}

// Graph is a parsed work graph
type Graph struct {
	JobID                     string `yaml:"job_id"`
	IntegrationBranch         string `yaml:"integration_branch,omitempty"`
	Baseline                  string `yaml:"baseline,omitempty"`
	RollbackOnCriticalFailure bool   `yaml:"rollback_on_critical_failure"`
	Units                     []Unit `yaml:"units"`
}

// Specs returns the units as resolver input, in declaration order
func (g *Graph) Specs() []domain.UnitSpec {
	specs := make([]domain.UnitSpec, len(g.Units))
	for i, u := range g.Units {
		specs[i] = domain.UnitSpec{ID: u.ID, DependsOn: u.DependsOn, Critical: u.Critical}
	}
	return specs
}

// Load reads a work graph from a YAML file, a markdown file or a directory
func Load(path string) (*Graph, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return g, nil
}

// Parse reads a YAML work graph, or markdown with the graph in its frontmatter
func Parse(data []byte) (*Graph, error) {
	if fm, _, ok := splitFrontmatter(data); ok {
		data = fm
	}
	var g Graph
	if err := decodeStrict(data, &g); err != nil {
		return nil, err
	}
	if err := g.check(); err != nil {
		return nil, err
	}
	return &g, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// check enforces the document schema. Graph-level rules such as unknown
// dependencies and cycles are the resolver's business.
func (g *Graph) check() error {
	if strings.TrimSpace(g.JobID) == "" {
		return errors.New("job_id is required")
	}
	if len(g.Units) == 0 {
		return errors.New("at least one unit is required")
	}
	for i, u := range g.Units {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("units[%d]: id is required", i)
		}
	}
	return nil
}

var jobFileNames = []string{"job.md", "README.md", "job.yaml", "job.yml"}

// LoadDir reads a directory layout: the job settings from the first of
// job.md, README.md, job.yaml or job.yml, and one unit per other markdown
// file in name order. A unit file's ID defaults to its file name without
// extension.
func LoadDir(dir string) (*Graph, error) {
	var g Graph
	jobFile := ""
	for _, name := range jobFileNames {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if fm, _, ok := splitFrontmatter(data); ok {
			data = fm
		}
		if err := decodeStrict(data, &g); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		jobFile = name
		break
	}
	if jobFile == "" {
		return nil, fmt.Errorf("no job file in %s (expected one of %s)", dir, strings.Join(jobFileNames, ", "))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == jobFile || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		u, err := parseUnitFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		if u != nil {
			g.Units = append(g.Units, *u)
		}
	}

	if err := g.check(); err != nil {
		return nil, err
	}
	return &g, nil
}

// parseUnitFile returns nil for markdown files without frontmatter
func parseUnitFile(path string) (*Unit, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fm, body, ok := splitFrontmatter(content)
	if !ok {
		return nil, nil
	}
	var u Unit
	if err := decodeStrict(fm, &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		u.ID = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if u.Title == "" {
		u.Title = extractTitle(body)
	}
	return &u, nil
}
