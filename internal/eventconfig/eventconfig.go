// Package eventconfig is the concrete, on-disk-backed implementation of
// eventrunner.EventConfigResolver: it loads an event's child-process chain
// from a directory of "*.event.yaml" descriptors, and loads the
// analyzer-to-workflow associations a dump directory needs for
// PossibleWorkflows from a single "analyzers.yaml" file in the same
// directory. Parsing the on-disk event/analyzer format is explicitly the
// kind of collaborator the orchestration core treats as opaque; this
// package is the minimal concrete stand-in so the daemon has something
// real to run against.
package eventconfig

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/reportd/reportd/internal/eventrunner"
	"github.com/reportd/reportd/internal/rderr"
)

// commandDescriptor mirrors one entry of an event's command chain on disk.
type commandDescriptor struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`
}

// eventDescriptor is the full "<event>.event.yaml" document.
type eventDescriptor struct {
	Commands []commandDescriptor `yaml:"commands"`
}

// Resolver reads event and analyzer descriptors from dir.
type Resolver struct {
	dir string
}

// NewResolver builds a Resolver reading descriptors from dir.
func NewResolver(dir string) *Resolver {
	return &Resolver{dir: dir}
}

// Commands loads event's configured command chain from
// "<dir>/<event>.event.yaml".
func (r *Resolver) Commands(event string) ([]eventrunner.CommandSpec, error) {
	path := filepath.Join(r.dir, event+".event.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, err, "read event descriptor "+path)
	}
	var doc eventDescriptor
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, err, "parse event descriptor "+path)
	}
	specs := make([]eventrunner.CommandSpec, len(doc.Commands))
	for i, c := range doc.Commands {
		specs[i] = eventrunner.CommandSpec{Path: c.Path, Args: c.Args, Env: c.Env}
	}
	return specs, nil
}

// PossibleWorkflows reads dumpDir's "analyzer" element and returns the
// workflow names "<dir>/analyzers.yaml" associates with it. A dump
// directory with no analyzer element, or an analyzer absent from the
// mapping, yields no applicable workflows rather than an error.
func (r *Resolver) PossibleWorkflows(dumpDir string) ([]string, error) {
	analyzer, err := os.ReadFile(filepath.Join(dumpDir, "analyzer"))
	if err != nil {
		return nil, nil
	}

	mapping, err := r.analyzerMapping()
	if err != nil {
		return nil, err
	}
	return mapping[strings.TrimSpace(string(analyzer))], nil
}

func (r *Resolver) analyzerMapping() (map[string][]string, error) {
	path := filepath.Join(r.dir, "analyzers.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, err, "read analyzer mapping "+path)
	}
	var mapping map[string][]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, err, "parse analyzer mapping "+path)
	}
	return mapping, nil
}
