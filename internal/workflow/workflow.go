// Package workflow loads and holds the workflow catalogue: immutable
// records of (name, screen_name, description, events) keyed by name. It
// is kept in its own package so internal/service only ever sees the
// read-only Catalogue, never the loading mechanics.
package workflow

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/reportd/reportd/internal/rderr"
)

// Workflow is an immutable workflow record.
type Workflow struct {
	Name        string   `yaml:"name"`
	ScreenName  string   `yaml:"screen_name"`
	Description string   `yaml:"description"`
	Events      []string `yaml:"events"`
}

// Catalogue is the read-only-after-init set of loaded workflows.
type Catalogue struct {
	byName map[string]Workflow
}

// NewCatalogue builds a Catalogue from a slice of workflows. Later entries
// with a duplicate name win, matching the C source's last-directory-wins
// descriptor loading.
func NewCatalogue(workflows []Workflow) *Catalogue {
	c := &Catalogue{byName: make(map[string]Workflow, len(workflows))}
	for _, w := range workflows {
		c.byName[w.Name] = w
	}
	return c
}

// Lookup returns the workflow registered under name, if any.
func (c *Catalogue) Lookup(name string) (Workflow, bool) {
	w, ok := c.byName[name]
	return w, ok
}

// Names returns every workflow name in the catalogue, sorted for
// deterministic iteration (GetWorkflows ordering isn't spec'd, but
// deterministic output makes the service layer testable).
func (c *Catalogue) Names() []string {
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len reports how many workflows are loaded.
func (c *Catalogue) Len() int { return len(c.byName) }

// LoadDir reads every "*.workflow.yaml" descriptor in dir into a
// Catalogue, mirroring a directory-scan workflow loader over a configured
// workflows.d directory.
func LoadDir(dir string) (*Catalogue, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, err, "read workflow directory "+dir)
	}

	var workflows []Workflow
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".workflow.yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, rderr.Wrap(rderr.StoreAccess, err, "read workflow descriptor "+path)
		}
		var w Workflow
		if err := yaml.Unmarshal(data, &w); err != nil {
			return nil, rderr.Wrap(rderr.StoreAccess, err, "parse workflow descriptor "+path)
		}
		if w.Name == "" {
			w.Name = strings.TrimSuffix(entry.Name(), ".workflow.yaml")
		}
		workflows = append(workflows, w)
	}
	return NewCatalogue(workflows), nil
}
