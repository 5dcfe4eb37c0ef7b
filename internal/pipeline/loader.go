package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ram-1405/piperun/internal/graph"
	"gopkg.in/yaml.v3"
)

// Load reads and validates a pipeline document from a YAML file.
// Validation failures are configuration errors and fatal at load time.
func Load(path string) (*Pipeline, error) {
	clean := filepath.Clean(path)
	if info, statErr := os.Stat(clean); statErr != nil || !info.Mode().IsRegular() {
		if statErr != nil {
			return nil, statErr
		}
		return nil, fmt.Errorf("not a regular file: %s", clean)
	}
	// #nosec G304 -- pipeline path is provided intentionally by the operator
	f, err := os.Open(clean)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline %s: %w", clean, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural invariants: unique non-empty stage names,
// non-empty commands, known failure policies, resolvable dependencies and
// an acyclic graph. It returns the first problem found.
func (p *Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}

	seen := make(map[string]bool, len(p.Stages))
	for i := range p.Stages {
		s := &p.Stages[i]
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("stage[%d]: missing name", i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate stage name: %s", name)
		}
		seen[name] = true

		if len(s.Command) == 0 {
			return fmt.Errorf("stage %s: missing command", name)
		}
		switch s.OnFailure {
		case "", OnFailureSkipDependents, OnFailureStop, OnFailureContinue:
		default:
			return fmt.Errorf("stage %s: invalid on_failure %q (valid: %s, %s, %s)",
				name, s.OnFailure, OnFailureSkipDependents, OnFailureStop, OnFailureContinue)
		}
		for j, r := range s.Resources {
			if strings.TrimSpace(r.ID) == "" && strings.TrimSpace(r.IDFrom) == "" {
				return fmt.Errorf("stage %s: resources[%d]: either id or id_from is required", name, j)
			}
			if len(r.Teardown) == 0 {
				return fmt.Errorf("stage %s: resources[%d]: missing teardown command", name, j)
			}
		}
	}

	// Dependency resolution and cycle detection delegate to the stage graph
	// so load-time errors match execution-time ordering exactly.
	if _, err := p.BuildGraph(); err != nil {
		return err
	}
	return nil
}

// BuildGraph constructs the dependency graph for this pipeline.
func (p *Pipeline) BuildGraph() (*graph.StageGraph, error) {
	names := make([]string, 0, len(p.Stages))
	deps := make(map[string][]string, len(p.Stages))
	for i := range p.Stages {
		names = append(names, p.Stages[i].Name)
		deps[p.Stages[i].Name] = p.Stages[i].DependsOn
	}

	g := graph.New()
	if err := g.Build(names, deps); err != nil {
		return nil, err
	}
	if cycle := g.DetectCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}
